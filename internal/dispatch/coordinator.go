package dispatch

import (
	"context"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
)

// CoordinatorPlan is the Coordinator agent's output: the decomposition of a
// work item and the DAG snapshot the scheduler will execute.
type CoordinatorPlan struct {
	Issue     int                  `json:"issueNumber"`
	Tasks     []taskgraph.Task     `json:"tasks"`
	Levels    [][]string           `json:"levels"`
	Stats     taskgraph.Statistics `json:"stats"`
	HasCycles bool                 `json:"hasCycles"`
}

type coordinatorAgent struct{}

var _ Runner = (*coordinatorAgent)(nil)

func init() {
	Register(&coordinatorAgent{})
	RegisterOutputType[CoordinatorPlan](labels.AgentCoordinator)
}

func (a *coordinatorAgent) Spec() Spec {
	return Spec{
		Kind:        labels.AgentCoordinator,
		Description: "decomposes a work item into the task DAG",
		Produces:    artifact.KindFor(labels.AgentCoordinator),
	}
}

func (a *coordinatorAgent) Run(ctx context.Context, req *Request, caps *Capabilities) (any, error) {
	item, err := resolveItem(ctx, req, caps)
	if err != nil {
		return nil, err
	}

	d := taskgraph.Decompose(item)
	if d.HasCycles {
		return nil, apperr.Newf(apperr.CodeValidation, "issue #%d decomposes into a cyclic dependency graph", item.Number)
	}

	return CoordinatorPlan{
		Issue:     item.Number,
		Tasks:     d.Tasks,
		Levels:    d.Graph.Levels(),
		Stats:     d.Graph.Stats(),
		HasCycles: d.HasCycles,
	}, nil
}
