package supervisor

import (
	"fmt"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
)

// DecisionKind tags the outcome of evaluating one work item.
type DecisionKind string

const (
	// DecisionExecute dispatches an agent for the item.
	DecisionExecute DecisionKind = "execute"
	// DecisionSkip leaves the item alone this cycle.
	DecisionSkip DecisionKind = "skip"
	// DecisionNotReady means the supervisor itself is missing something
	// (credentials, repository identity) and no item can be evaluated.
	DecisionNotReady DecisionKind = "not-ready"
)

// Decision is the supervisor's verdict on one item for one cycle.
type Decision struct {
	Kind     DecisionKind     `json:"kind"`
	Issue    int              `json:"issueNumber,omitempty"`
	Agent    labels.AgentKind `json:"agent,omitempty"`
	Reason   string           `json:"reason"`
	Priority int              `json:"priority,omitempty"`
}

// Decide evaluates one open item. Pure function of the item snapshot.
func Decide(item *platform.WorkItem) Decision {
	if item.IsPullRequest() {
		return Decision{Kind: DecisionSkip, Issue: item.Number, Reason: "item is a pull request"}
	}

	names := item.LabelNames()
	state := labels.StateOf(names)
	switch state {
	case labels.StateBlocked, labels.StatePaused, labels.StateDone:
		return Decision{Kind: DecisionSkip, Issue: item.Number, Reason: "state is " + string(state)}
	}

	agent, ok := labels.NextAgentFor(state)
	if !ok {
		return Decision{Kind: DecisionSkip, Issue: item.Number, Reason: "no agent advances state " + string(state)}
	}

	return Decision{
		Kind:     DecisionExecute,
		Issue:    item.Number,
		Agent:    agent,
		Reason:   fmt.Sprintf("state %s is advanced by the %s agent", state, agent),
		Priority: Score(item),
	}
}

// Score ranks an item for dispatch. Higher runs first.
func Score(item *platform.WorkItem) int {
	names := item.LabelNames()
	score := 5

	switch priority, explicit := explicitPriority(names); {
	case explicit && priority == labels.PriorityP0, labels.Has(names, "critical"):
		score += 5
	case explicit && priority == labels.PriorityP1, labels.Has(names, "high"):
		score += 3
	}

	if labels.Has(names, "security") || labels.Has(names, "vulnerability") {
		score += 4
	}
	if labels.Has(names, labels.SizeLabel("small")) {
		score += 2
	}

	switch labels.StateOf(names) {
	case labels.StatePending:
		score += 2
	case labels.StateAnalyzing:
		score++
	case labels.StateReviewing:
		score--
	}
	return score
}

// explicitPriority reports the priority facet only when the item actually
// carries one, without the P2 default.
func explicitPriority(names []string) (labels.Priority, bool) {
	for _, l := range names {
		if facet, _, ok := labels.Parse(l); ok && facet == labels.FacetPriority {
			return labels.PriorityOf(names), true
		}
	}
	return "", false
}

// Best picks the decision to act on: the highest-priority Execute, ties
// broken toward the lower item number.
func Best(decisions []Decision) (Decision, bool) {
	var best Decision
	found := false
	for _, d := range decisions {
		if d.Kind != DecisionExecute {
			continue
		}
		if !found || d.Priority > best.Priority || (d.Priority == best.Priority && d.Issue < best.Issue) {
			best = d
			found = true
		}
	}
	return best, found
}
