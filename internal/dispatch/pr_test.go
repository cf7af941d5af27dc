package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform/platformtest"
)

func seedChangeSet(t *testing.T, caps dispatch.Capabilities, passed bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, caps.Artifacts.Save(ctx, testRef(), artifact.KindCodegenOutput, dispatch.CodeGenResult{
		Files:   []dispatch.GeneratedFile{{Path: "pkg/login/login.go", Content: "package login\n", Action: "modify"}},
		Summary: "Guard empty passwords at the form boundary.",
	}))
	score := 95
	if !passed {
		score = 40
	}
	require.NoError(t, caps.Artifacts.Save(ctx, testRef(), artifact.KindReviewOutput, dispatch.ReviewReport{
		Score:  score,
		Passed: passed,
	}))
}

func TestPRCreatesPullRequest(t *testing.T) {
	gw := platformtest.New(testItem("type:feature"))
	caps := newCaps(t, gw)
	seedChangeSet(t, caps, true)
	d := dispatch.NewDispatcher(caps)

	res, err := d.Dispatch(context.Background(), labels.AgentPR, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

	pr := res.Output.(dispatch.PRResult)
	assert.Equal(t, "miyabi/issue-47", pr.Branch)
	assert.Equal(t, "main", pr.Base)
	assert.Equal(t, "feat: Fix the login crash (#47)", pr.Title)
	assert.False(t, pr.Draft)
	assert.NotZero(t, pr.Number)
	assert.NotEmpty(t, pr.URL)

	open, err := gw.ListPullRequests(context.Background(), "acme", "widget")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Contains(t, open[0].Body, "Closes #47")
	assert.Contains(t, open[0].Body, "pkg/login/login.go")
}

func TestPRIsIdempotent(t *testing.T) {
	gw := platformtest.New(testItem("type:bug"))
	caps := newCaps(t, gw)
	seedChangeSet(t, caps, true)
	d := dispatch.NewDispatcher(caps)
	ctx := context.Background()

	first, err := d.Dispatch(ctx, labels.AgentPR, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, first.Success(), "unexpected agent error: %v", first.Err)
	firstBytes := caps.Artifacts.Load(ctx, testRef(), artifact.KindPROutput)

	second, err := d.Dispatch(ctx, labels.AgentPR, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, second.Success(), "unexpected agent error: %v", second.Err)
	secondBytes := caps.Artifacts.Load(ctx, testRef(), artifact.KindPROutput)

	assert.Equal(t, first.Output.(dispatch.PRResult).Number, second.Output.(dispatch.PRResult).Number)
	assert.Equal(t, string(firstBytes), string(secondBytes))
	assert.Equal(t, 2, gw.CreatePRCalls, "the gateway absorbs the repeat, not the agent")
}

func TestPROpensDraftWhenReviewFailed(t *testing.T) {
	gw := platformtest.New(testItem())
	caps := newCaps(t, gw)
	seedChangeSet(t, caps, false)
	d := dispatch.NewDispatcher(caps)

	res, err := d.Dispatch(context.Background(), labels.AgentPR, &dispatch.Request{Ref: testRef(), BaseBranch: "develop"})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

	pr := res.Output.(dispatch.PRResult)
	assert.True(t, pr.Draft)
	assert.Equal(t, "develop", pr.Base)

	open, err := gw.ListPullRequests(context.Background(), "acme", "widget")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Contains(t, open[0].Body, "below the review bar")
}

func TestCoordinatorPlansTheItem(t *testing.T) {
	caps := newCaps(t, platformtest.New(testItem()))
	d := dispatch.NewDispatcher(caps)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, labels.AgentCoordinator, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

	plan := res.Output.(dispatch.CoordinatorPlan)
	assert.Equal(t, 47, plan.Issue)
	assert.Len(t, plan.Tasks, 2, "one task per checklist entry")
	assert.False(t, plan.HasCycles)
	assert.True(t, caps.Artifacts.Has(ctx, testRef(), artifact.Kind("coordinator-output")))
}
