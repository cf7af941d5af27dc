package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
)

// IssueAnalysis is the Issue agent's verdict on a work item: the facet
// labels it should carry plus a complexity estimate for scheduling.
type IssueAnalysis struct {
	Issue      int      `json:"issueNumber"`
	Type       string   `json:"type"`
	Priority   string   `json:"priority"`
	Severity   string   `json:"severity"`
	Complexity string   `json:"complexity"` // small | medium | large | xl
	Labels     []string `json:"labels"`
	Summary    string   `json:"summary,omitempty"`
}

type issueAgent struct{}

var _ Runner = (*issueAgent)(nil)

func init() {
	Register(&issueAgent{})
	RegisterOutputType[IssueAnalysis](labels.AgentIssue)
}

func (a *issueAgent) Spec() Spec {
	return Spec{
		Kind:        labels.AgentIssue,
		Description: "classifies a work item into type, priority and size facets and applies the labels",
		Produces:    artifact.KindIssueOutput,
	}
}

func (a *issueAgent) Run(ctx context.Context, req *Request, caps *Capabilities) (any, error) {
	item, err := resolveItem(ctx, req, caps)
	if err != nil {
		return nil, err
	}

	analysis := AnalyzeItem(item)

	if caps.LLM != nil {
		if summary, err := summarizeItem(ctx, caps.LLM, item); err != nil {
			logger.Warn(ctx, "Summary drafting failed, keeping heuristic summary", tag.Issue(item.Number), tag.Error(err))
		} else if summary != "" {
			analysis.Summary = summary
		}
	}

	if caps.Gateway != nil {
		merged := applyFacets(item.LabelNames(), analysis)
		if err := caps.Gateway.ReplaceLabels(ctx, req.Ref.Owner, req.Ref.Repo, item.Number, merged); err != nil {
			return nil, err
		}
	}
	return analysis, nil
}

// AnalyzeItem derives the facets from item content alone. It is a pure
// function so the supervisor and CLI can preview a classification without
// dispatching.
func AnalyzeItem(item *platform.WorkItem) IssueAnalysis {
	itemLabels := item.LabelNames()
	text := strings.ToLower(item.Title + "\n" + item.Body)

	typ := labels.TypeOf(itemLabels)
	if typ == "" {
		typ = classifyType(text)
	}
	priority := classifyPriority(itemLabels, text)
	complexity := classifyComplexity(item.Body)

	return IssueAnalysis{
		Issue:      item.Number,
		Type:       typ,
		Priority:   string(priority),
		Severity:   labels.SeverityFor(priority),
		Complexity: complexity,
		Labels: []string{
			labels.TypeLabel(typ),
			labels.PriorityLabel(priority),
			labels.SizeLabel(complexity),
		},
		Summary: heuristicSummary(item),
	}
}

// classifyType sniffs the item text for the work type. Unrecognized content
// is a feature request.
func classifyType(text string) string {
	switch {
	case containsAny(text, "panic", "crash", "broken", "regression", "does not work", "doesn't work", "fix ", "bug"):
		return "bug"
	case containsAny(text, "readme", "documentation", "docs", "typo"):
		return "docs"
	case containsAny(text, "refactor", "cleanup", "clean up", "restructure", "simplify"):
		return "refactor"
	case containsAny(text, "flaky test", "add test", "test coverage", "unit test"):
		return "test"
	case containsAny(text, "deploy", "release", "rollout", "ci pipeline"):
		return "deployment"
	default:
		return "feature"
	}
}

// classifyPriority honors an existing priority facet; otherwise it is
// derived from urgency keywords.
func classifyPriority(itemLabels []string, text string) labels.Priority {
	for _, l := range itemLabels {
		if facet, _, ok := labels.Parse(l); ok && facet == labels.FacetPriority {
			return labels.PriorityOf(itemLabels)
		}
	}
	switch {
	case containsAny(text, "critical", "urgent", "security", "vulnerability", "data loss", "outage", "production down"):
		return labels.PriorityP0
	case containsAny(text, "important", "blocker", "blocking", "regression", "high priority"):
		return labels.PriorityP1
	case containsAny(text, "minor", "nice to have", "polish", "low priority", "someday"):
		return labels.PriorityP3
	default:
		return labels.PriorityP2
	}
}

// classifyComplexity estimates size from the checklist structure and body
// volume.
func classifyComplexity(body string) string {
	steps := len(taskgraph.ChecklistItems(body))
	size := "small"
	switch {
	case steps > 9:
		size = "xl"
	case steps > 5:
		size = "large"
	case steps > 2:
		size = "medium"
	}
	if size == "small" && len(body) > 3000 {
		size = "medium"
	}
	return size
}

func heuristicSummary(item *platform.WorkItem) string {
	for _, line := range strings.Split(item.Body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
			continue
		}
		return line
	}
	return item.Title
}

func summarizeItem(ctx context.Context, llm LLM, item *platform.WorkItem) (string, error) {
	const system = "You summarize issue reports. Reply with one or two plain sentences, no markup."
	prompt := fmt.Sprintf("Title: %s\n\n%s", item.Title, item.Body)
	c, err := llm.Complete(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(c.Text), nil
}

// applyFacets replaces the type, priority and size facets in the label set
// while preserving everything else, state included.
func applyFacets(itemLabels []string, analysis IssueAnalysis) []string {
	out := make([]string, 0, len(itemLabels)+len(analysis.Labels))
	for _, l := range itemLabels {
		facet, _, ok := labels.Parse(l)
		if ok && (facet == labels.FacetType || facet == labels.FacetPriority || facet == labels.FacetSize) {
			continue
		}
		out = append(out, l)
	}
	return append(out, analysis.Labels...)
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
