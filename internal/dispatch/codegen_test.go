package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform/platformtest"
)

// scriptedLLM replays a fixed completion.
type scriptedLLM struct {
	text string
}

func (s scriptedLLM) Complete(context.Context, string, string) (dispatch.Completion, error) {
	return dispatch.Completion{Text: s.text, TokensIn: 10, TokensOut: 20}, nil
}

type failingLLM struct{}

func (failingLLM) Complete(context.Context, string, string) (dispatch.Completion, error) {
	return dispatch.Completion{}, errors.New("model unavailable")
}

func TestCodeGenScaffoldIsDeterministic(t *testing.T) {
	caps := newCaps(t, platformtest.New(testItem()))
	d := dispatch.NewDispatcher(caps)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, labels.AgentCodeGen, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)
	first := caps.Artifacts.Load(ctx, testRef(), artifact.KindCodegenOutput)
	require.NotNil(t, first)

	res, err = d.Dispatch(ctx, labels.AgentCodeGen, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success())
	second := caps.Artifacts.Load(ctx, testRef(), artifact.KindCodegenOutput)

	assert.Equal(t, string(first), string(second), "repeat runs must persist identical bytes")

	gen := res.Output.(dispatch.CodeGenResult)
	require.Len(t, gen.Files, 1)
	assert.Equal(t, "docs/plans/issue-47-fix-the-login-crash.md", gen.Files[0].Path)
	assert.Equal(t, "create", gen.Files[0].Action)
	assert.Contains(t, gen.Files[0].Content, "Guard the empty password")
}

func TestCodeGenUsesModelChangeSet(t *testing.T) {
	caps := newCaps(t, platformtest.New(testItem()))
	caps.LLM = scriptedLLM{text: "```json\n" +
		`{"files":[{"path":"./pkg/login/login.go","content":"package login\n"},{"path":"pkg/login/login_test.go","content":"package login\n","action":"create"}],"summary":"Guard empty passwords."}` +
		"\n```"}
	d := dispatch.NewDispatcher(caps)

	res, err := d.Dispatch(context.Background(), labels.AgentCodeGen, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

	gen := res.Output.(dispatch.CodeGenResult)
	require.Len(t, gen.Files, 2)
	assert.Equal(t, "pkg/login/login.go", gen.Files[0].Path, "paths are cleaned and sorted")
	assert.Equal(t, "create", gen.Files[0].Action, "missing action defaults to create")
	assert.Equal(t, "Guard empty passwords.", gen.Summary)
	assert.Equal(t, 10, res.TokensIn)
	assert.Equal(t, 20, res.TokensOut)
}

func TestCodeGenFallsBackOnUnusableModelOutput(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "prose instead of JSON", text: "Sure! First you should open the file and..."},
		{name: "unsafe path", text: `{"files":[{"path":"../../etc/passwd","content":"x"}],"summary":"nope"}`},
		{name: "empty change set", text: `{"files":[],"summary":"nothing"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			caps := newCaps(t, platformtest.New(testItem()))
			caps.LLM = scriptedLLM{text: tc.text}
			d := dispatch.NewDispatcher(caps)

			res, err := d.Dispatch(context.Background(), labels.AgentCodeGen, &dispatch.Request{Ref: testRef()})
			require.NoError(t, err)
			require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

			gen := res.Output.(dispatch.CodeGenResult)
			require.Len(t, gen.Files, 1)
			assert.Contains(t, gen.Files[0].Path, "docs/plans/", "fallback must be the plan scaffold")
		})
	}
}
