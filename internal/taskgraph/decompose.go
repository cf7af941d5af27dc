package taskgraph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
)

// Decomposition is the result of breaking a work item into tasks.
type Decomposition struct {
	Tasks     []Task
	Graph     *Graph
	HasCycles bool
}

var (
	checklistRe = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[ xX]?\]\s*(.+?)\s*$`)
	headingRe   = regexp.MustCompile(`(?m)^#{2,}\s+(.+?)\s*$`)

	// dependencyRe captures the referenced token of phrases like
	// "depends on #2", "after task 1", "blocked by A", "requires #3".
	dependencyRe = regexp.MustCompile(`(?i)(?:depends\s+on|after\s+task|blocked\s+by|requires)\s+#?([\w-]+)`)
)

// Decompose parses the item body into tasks, assigns agent kinds, derives
// dependencies, and builds the DAG. The result is never nil; an item with no
// structure yields a single coarse task.
func Decompose(item *platform.WorkItem) *Decomposition {
	sections := extractSections(item.Body)
	if len(sections) == 0 {
		sections = []section{{title: item.Title, body: strings.TrimSpace(item.Body), source: "title"}}
	}

	names := item.LabelNames()
	typeTag := labels.TypeOf(names)
	itemKind := kindForType(typeTag)
	priority := labels.PriorityOf(names)

	tasks := make([]Task, 0, len(sections))
	for i, sec := range sections {
		kind := kindForTaskText(sec.title, itemKind)
		tasks = append(tasks, Task{
			ID:               fmt.Sprintf("task-%d-%d", item.Number, i+1),
			Title:            sec.title,
			Description:      sec.body,
			Type:             typeTag,
			AgentKind:        kind,
			Priority:         labels.PriorityRank(priority),
			Severity:         labels.SeverityFor(priority),
			Impact:           labels.ImpactFor(priority),
			EstimatedMinutes: estimatedMinutes[kind],
			IssueNumber:      item.Number,
			Status:           TaskIdle,
			Metadata: map[string]string{
				"source": sec.source,
				"issue":  strconv.Itoa(item.Number),
			},
		})
	}

	resolveLexicalDeps(tasks)
	applyChainOrdering(tasks)

	g := Build(tasks)
	// Re-read tasks from the graph so dropped edges do not linger.
	return &Decomposition{
		Tasks:     g.Tasks(),
		Graph:     g,
		HasCycles: g.HasCycles(),
	}
}

// section is one body fragment a task is minted from: its title, the prose
// that follows it, and which markup produced it.
type section struct {
	title  string
	body   string
	source string // checklist | heading | title
}

func extractSections(body string) []section {
	if items := ChecklistItems(body); len(items) > 0 {
		out := make([]section, len(items))
		for i, title := range items {
			out[i] = section{title: title, source: "checklist"}
		}
		return out
	}
	var out []section
	locs := headingRe.FindAllStringSubmatchIndex(body, -1)
	for i, m := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = append(out, section{
			title:  body[m[2]:m[3]],
			body:   strings.TrimSpace(body[m[1]:end]),
			source: "heading",
		})
	}
	return out
}

// ChecklistItems returns the text of each markdown checklist entry in body,
// in document order.
func ChecklistItems(body string) []string {
	var items []string
	for _, m := range checklistRe.FindAllStringSubmatch(body, -1) {
		items = append(items, m[1])
	}
	return items
}

// kindForType maps the item's type facet to the agent doing the work.
func kindForType(t string) labels.AgentKind {
	switch strings.ToLower(t) {
	case "deployment", "deploy":
		return labels.AgentDeploy
	case "test", "testing":
		return labels.AgentTest
	default:
		// feature, bug, refactor, docs, and anything unrecognized
		return labels.AgentCodeGen
	}
}

// kindForTaskText sniffs per-task keywords so one item can mix kinds; the
// item-level kind is the fallback.
func kindForTaskText(title string, fallback labels.AgentKind) labels.AgentKind {
	lower := strings.ToLower(title)
	switch {
	case strings.HasPrefix(lower, "deploy") || strings.Contains(lower, "deployment"):
		return labels.AgentDeploy
	case strings.HasPrefix(lower, "test ") || strings.HasPrefix(lower, "tests "):
		return labels.AgentTest
	case strings.HasPrefix(lower, "review "):
		return labels.AgentReview
	default:
		return fallback
	}
}

// resolveLexicalDeps scans each task title for dependency phrases and
// resolves the referenced token against the other tasks: a numeric token is
// a 1-based ordinal, anything else matches a task whose title contains the
// token as a standalone word.
func resolveLexicalDeps(tasks []Task) {
	for i := range tasks {
		for _, m := range dependencyRe.FindAllStringSubmatch(tasks[i].Title, -1) {
			if target := resolveRef(tasks, i, m[1]); target != "" {
				tasks[i].Depends = appendUnique(tasks[i].Depends, target)
			}
		}
	}
}

func resolveRef(tasks []Task, self int, token string) string {
	if n, err := strconv.Atoi(token); err == nil {
		if n >= 1 && n <= len(tasks) && n-1 != self {
			return tasks[n-1].ID
		}
		return ""
	}
	for j := range tasks {
		if j == self {
			continue
		}
		if containsWord(tasks[j].Title, token) {
			return tasks[j].ID
		}
	}
	return ""
}

func containsWord(title, token string) bool {
	for _, word := range strings.Fields(title) {
		if strings.EqualFold(strings.Trim(word, ".,;:!?"), token) {
			return true
		}
	}
	return false
}

// applyChainOrdering wires the fixed Issue → CodeGen → Review → PR → Deploy
// progression between kinds when a decomposition mixes them: each task
// depends on every task of the nearest earlier kind present.
func applyChainOrdering(tasks []Task) {
	present := make(map[int][]int) // rank → task indexes
	for i := range tasks {
		if rank, ok := chainRank[tasks[i].AgentKind]; ok {
			present[rank] = append(present[rank], i)
		}
	}
	if len(present) < 2 {
		return
	}

	for i := range tasks {
		rank, ok := chainRank[tasks[i].AgentKind]
		if !ok {
			continue
		}
		for prev := rank - 1; prev >= 0; prev-- {
			upstream, any := present[prev]
			if !any {
				continue
			}
			for _, j := range upstream {
				tasks[i].Depends = appendUnique(tasks[i].Depends, tasks[j].ID)
			}
			break
		}
	}
}

func appendUnique(deps []string, id string) []string {
	for _, d := range deps {
		if d == id {
			return deps
		}
	}
	return append(deps, id)
}
