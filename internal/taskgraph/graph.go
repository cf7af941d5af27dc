package taskgraph

import (
	"slices"
	"sort"
)

// Graph is the dependency structure over a set of tasks. Edges run from a
// dependency to its dependents.
type Graph struct {
	tasks map[string]*Task
	order []string
	From  map[string][]string
	To    map[string][]string
}

// Build constructs a graph with edges from each task's Depends list.
// References to unknown task ids and self-references are dropped; cycle
// handling is the caller's job via HasCycles.
func Build(tasks []Task) *Graph {
	g := &Graph{
		tasks: make(map[string]*Task, len(tasks)),
		From:  make(map[string][]string),
		To:    make(map[string][]string),
	}
	for i := range tasks {
		t := tasks[i]
		if _, dup := g.tasks[t.ID]; dup {
			continue
		}
		g.tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}
	for _, id := range g.order {
		for _, dep := range g.tasks[id].Depends {
			if dep == id {
				continue
			}
			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			g.addEdge(dep, id)
		}
	}
	return g
}

func (g *Graph) addEdge(from, to string) {
	if slices.Contains(g.From[from], to) {
		return
	}
	g.From[from] = append(g.From[from], to)
	g.To[to] = append(g.To[to], from)
}

// Size returns the number of tasks.
func (g *Graph) Size() int { return len(g.order) }

// Edges returns the number of distinct dependency edges.
func (g *Graph) Edges() int {
	n := 0
	for _, tos := range g.From {
		n += len(tos)
	}
	return n
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// HasCycles reports whether the graph contains a dependency cycle, using
// Kahn-style peeling: if zero-in-degree removal cannot drain the graph, a
// cycle remains.
func (g *Graph) HasCycles() bool {
	inDegrees := make(map[string]int)
	for id, deps := range g.To {
		inDegrees[id] = len(deps)
	}

	var q []string
	for _, id := range g.order {
		if inDegrees[id] == 0 {
			q = append(q, id)
		}
	}

	drained := 0
	for len(q) > 0 {
		f := q[0]
		q = q[1:]
		drained++
		for _, to := range g.From[f] {
			inDegrees[to]--
			if inDegrees[to] == 0 {
				q = append(q, to)
			}
		}
	}
	return drained < len(g.order)
}

// CyclePath returns the ids of one dependency cycle, or nil when the graph
// is acyclic. Three-color DFS: gray marks the active path, so hitting a gray
// node means the path from that node forward is a cycle.
func (g *Graph) CyclePath() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range g.From[id] {
			switch color[next] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = slices.Clone(stack[i:])
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Levels partitions the tasks by repeated peeling: every task whose
// unresolved in-degree is zero forms the next level. Tasks caught in a cycle
// are omitted. Inside a level, tasks order by priority ascending, then
// severity, then id.
func (g *Graph) Levels() [][]string {
	inDegrees := make(map[string]int)
	for id, deps := range g.To {
		inDegrees[id] = len(deps)
	}

	remaining := make(map[string]bool, len(g.order))
	for _, id := range g.order {
		remaining[id] = true
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for _, id := range g.order {
			if remaining[id] && inDegrees[id] == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Everything left participates in a cycle.
			break
		}
		g.sortWithinLevel(level)
		levels = append(levels, level)
		for _, id := range level {
			delete(remaining, id)
			for _, to := range g.From[id] {
				inDegrees[to]--
			}
		}
	}
	return levels
}

func (g *Graph) sortWithinLevel(level []string) {
	sort.SliceStable(level, func(i, j int) bool {
		a, b := g.tasks[level[i]], g.tasks[level[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		return a.ID < b.ID
	})
}

// CriticalPath returns the duration in minutes of the longest dependency
// chain, the floor on wall-clock time with unlimited parallelism. Cyclic
// graphs report zero.
func (g *Graph) CriticalPath() int {
	if g.HasCycles() {
		return 0
	}

	memo := make(map[string]int, len(g.order))
	var longest func(id string) int
	longest = func(id string) int {
		if v, ok := memo[id]; ok {
			return v
		}
		best := 0
		for _, next := range g.From[id] {
			if d := longest(next); d > best {
				best = d
			}
		}
		total := g.tasks[id].EstimatedMinutes + best
		memo[id] = total
		return total
	}

	total := 0
	for _, id := range g.order {
		if d := longest(id); d > total {
			total = d
		}
	}
	return total
}

// Statistics summarizes the graph for decision logging and status output.
type Statistics struct {
	TotalTasks          int  `json:"totalTasks"`
	TotalEdges          int  `json:"totalEdges"`
	Levels              int  `json:"levels"`
	MaxParallelism      int  `json:"maxParallelism"`
	HasCycles           bool `json:"hasCycles"`
	CriticalPathMinutes int  `json:"criticalPathMinutes"`
}

// Stats computes Statistics for the graph.
func (g *Graph) Stats() Statistics {
	levels := g.Levels()
	maxWidth := 0
	for _, level := range levels {
		if len(level) > maxWidth {
			maxWidth = len(level)
		}
	}
	return Statistics{
		TotalTasks:          g.Size(),
		TotalEdges:          g.Edges(),
		Levels:              len(levels),
		MaxParallelism:      maxWidth,
		HasCycles:           g.HasCycles(),
		CriticalPathMinutes: g.CriticalPath(),
	}
}
