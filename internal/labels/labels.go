// Package labels models the label surface of the hosting platform: the
// orthogonal facets an item carries (state, type, priority, agent, phase),
// the lifecycle state machine over the state facet, and the closed set of
// agent kinds. Comparisons always use the logical name; pseudographic
// prefixes some repositories decorate labels with are cosmetic.
package labels

import (
	"fmt"
	"strings"
	"unicode"
)

// Facet is one orthogonal label dimension. An item has at most one label per
// facet.
type Facet string

const (
	FacetState    Facet = "state"
	FacetType     Facet = "type"
	FacetPriority Facet = "priority"
	FacetAgent    Facet = "agent"
	FacetPhase    Facet = "phase"
	FacetSize     Facet = "size"
)

// Priority is the priority facet value.
type Priority string

const (
	PriorityP0 Priority = "P0-Critical"
	PriorityP1 Priority = "P1-High"
	PriorityP2 Priority = "P2-Medium"
	PriorityP3 Priority = "P3-Low"
)

// Priorities lists the priority facet values from most to least urgent.
var Priorities = []Priority{PriorityP0, PriorityP1, PriorityP2, PriorityP3}

// Phase is the phase facet value.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseDevelopment Phase = "development"
	PhaseTesting     Phase = "testing"
	PhaseDeployment  Phase = "deployment"
)

// Normalize strips the cosmetic pseudographic prefix from a label, returning
// the logical name. "📥 state:pending" and "state:pending" compare equal.
func Normalize(label string) string {
	trimmed := strings.TrimLeftFunc(label, func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	})
	return strings.TrimSpace(trimmed)
}

// Parse splits a normalized label into its facet and value. Bare priority
// labels (P0-Critical .. P3-Low) are recognized as the priority facet
// without a prefix. Labels outside the facet scheme return ok=false.
func Parse(label string) (Facet, string, bool) {
	name := Normalize(label)
	if name == "" {
		return "", "", false
	}
	if facet, value, found := strings.Cut(name, ":"); found {
		switch Facet(strings.ToLower(strings.TrimSpace(facet))) {
		case FacetState:
			return FacetState, strings.ToLower(strings.TrimSpace(value)), true
		case FacetType:
			return FacetType, strings.ToLower(strings.TrimSpace(value)), true
		case FacetPriority:
			return FacetPriority, strings.TrimSpace(value), true
		case FacetAgent:
			return FacetAgent, strings.ToLower(strings.TrimSpace(value)), true
		case FacetPhase:
			return FacetPhase, strings.ToLower(strings.TrimSpace(value)), true
		case FacetSize:
			return FacetSize, strings.ToLower(strings.TrimSpace(value)), true
		}
		return "", "", false
	}
	if isBarePriority(name) {
		return FacetPriority, name, true
	}
	return "", "", false
}

func isBarePriority(name string) bool {
	switch Priority(name) {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return true
	}
	// Tolerate the short forms P0..P3.
	if len(name) == 2 && name[0] == 'P' && name[1] >= '0' && name[1] <= '3' {
		return true
	}
	return false
}

// StateLabel renders the canonical label for a state.
func StateLabel(s State) string { return string(FacetState) + ":" + string(s) }

// AgentLabel renders the canonical label for an agent owner.
func AgentLabel(k AgentKind) string { return string(FacetAgent) + ":" + string(k) }

// TypeLabel renders the canonical label for a type facet value.
func TypeLabel(t string) string { return string(FacetType) + ":" + t }

// PriorityLabel renders the canonical label for a priority facet value.
func PriorityLabel(p Priority) string { return string(FacetPriority) + ":" + string(p) }

// SizeLabel renders the canonical label for a size facet value.
func SizeLabel(v string) string { return string(FacetSize) + ":" + v }

// PriorityRank orders priorities from most urgent (0) to least. Unknown
// values rank last.
func PriorityRank(p Priority) int {
	for i, known := range Priorities {
		if known == p {
			return i
		}
	}
	return len(Priorities) - 1
}

// SeverityFor renders a priority in severity notation, 1-Critical being
// highest.
func SeverityFor(p Priority) string {
	name := string(p)
	if idx := strings.Index(name, "-"); idx >= 0 {
		return fmt.Sprintf("%d%s", PriorityRank(p)+1, name[idx:])
	}
	return fmt.Sprintf("%d-%s", PriorityRank(p)+1, name)
}

// ImpactFor maps a priority to the blast-radius scale carried on tasks,
// Critical tracking P0.
func ImpactFor(p Priority) string {
	switch PriorityRank(p) {
	case 0:
		return "Critical"
	case 1:
		return "High"
	case 2:
		return "Medium"
	default:
		return "Low"
	}
}

// StateOf extracts the state facet from an item's labels. A missing state
// label is semantically pending.
func StateOf(itemLabels []string) State {
	for _, l := range itemLabels {
		if facet, value, ok := Parse(l); ok && facet == FacetState {
			for _, s := range States {
				if string(s) == value {
					return s
				}
			}
		}
	}
	return StatePending
}

// PriorityOf extracts the priority facet, defaulting to P2-Medium.
func PriorityOf(itemLabels []string) Priority {
	for _, l := range itemLabels {
		if facet, value, ok := Parse(l); ok && facet == FacetPriority {
			switch {
			case strings.HasPrefix(value, "P0"):
				return PriorityP0
			case strings.HasPrefix(value, "P1"):
				return PriorityP1
			case strings.HasPrefix(value, "P2"):
				return PriorityP2
			case strings.HasPrefix(value, "P3"):
				return PriorityP3
			}
		}
	}
	return PriorityP2
}

// TypeOf extracts the type facet value, or "" when absent.
func TypeOf(itemLabels []string) string {
	for _, l := range itemLabels {
		if facet, value, ok := Parse(l); ok && facet == FacetType {
			return value
		}
	}
	return ""
}

// Has reports whether any label normalizes to the given logical name.
func Has(itemLabels []string, name string) bool {
	for _, l := range itemLabels {
		if strings.EqualFold(Normalize(l), name) {
			return true
		}
	}
	return false
}

// ReplaceState returns the item's labels with the state facet swapped for
// next, preserving every other label. The result feeds the gateway's atomic
// label replace.
func ReplaceState(itemLabels []string, next State) []string {
	out := make([]string, 0, len(itemLabels)+1)
	for _, l := range itemLabels {
		if facet, _, ok := Parse(l); ok && facet == FacetState {
			continue
		}
		out = append(out, l)
	}
	return append(out, StateLabel(next))
}
