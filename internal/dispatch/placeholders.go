package dispatch

import (
	"context"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/labels"
)

// DeployResult is the Deploy agent's output. Until a deployment target
// integration lands, runs record a skipped deployment rather than failing
// the pipeline.
type DeployResult struct {
	Environment string `json:"environment"`
	Status      string `json:"status"` // deployed | skipped
	Reason      string `json:"reason,omitempty"`
	URL         string `json:"url,omitempty"`
}

// TestResult is the Test agent's output.
type TestResult struct {
	Status  string `json:"status"` // passed | failed | skipped
	Total   int    `json:"total"`
	Failed  int    `json:"failed"`
	Summary string `json:"summary,omitempty"`
}

type deployAgent struct{}

var _ Runner = (*deployAgent)(nil)

type testAgent struct{}

var _ Runner = (*testAgent)(nil)

func init() {
	Register(&deployAgent{})
	RegisterOutputType[DeployResult](labels.AgentDeploy)
	Register(&testAgent{})
	RegisterOutputType[TestResult](labels.AgentTest)
}

func (a *deployAgent) Spec() Spec {
	return Spec{
		Kind:        labels.AgentDeploy,
		Description: "records the deployment step for a merged change",
		Requires:    []artifact.Kind{artifact.KindPROutput},
		Produces:    artifact.KindDeployOutput,
	}
}

func (a *deployAgent) Run(ctx context.Context, req *Request, caps *Capabilities) (any, error) {
	return DeployResult{
		Environment: "staging",
		Status:      "skipped",
		Reason:      "no deployment target configured",
	}, nil
}

func (a *testAgent) Spec() Spec {
	return Spec{
		Kind:        labels.AgentTest,
		Description: "records the verification step for a change set",
		Produces:    artifact.KindTestOutput,
	}
}

func (a *testAgent) Run(ctx context.Context, req *Request, caps *Capabilities) (any, error) {
	return TestResult{
		Status:  "skipped",
		Summary: "no test command configured",
	}, nil
}
