package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform/platformtest"
)

func rules(report dispatch.ReviewReport) []string {
	out := make([]string, len(report.Issues))
	for i, issue := range report.Issues {
		out[i] = issue.Rule
	}
	return out
}

func TestReviewScoring(t *testing.T) {
	t.Parallel()

	goFile := dispatch.GeneratedFile{Path: "pkg/login/login.go", Content: "package login\n\nfunc Guard(p string) bool { return p != \"\" }\n", Action: "create"}
	goTest := dispatch.GeneratedFile{Path: "pkg/login/login_test.go", Content: "package login\n\nfunc TestGuard(t *testing.T) {}\n", Action: "create"}

	t.Run("clean change set with tests scores full marks", func(t *testing.T) {
		t.Parallel()

		report := dispatch.Review([]dispatch.GeneratedFile{goFile, goTest}, dispatch.DefaultStandards)
		assert.Equal(t, 100, report.Score)
		assert.True(t, report.Passed)
		assert.Empty(t, report.Issues)
	})

	t.Run("documentation-only change is exempt from coverage", func(t *testing.T) {
		t.Parallel()

		docs := dispatch.GeneratedFile{Path: "README.md", Content: "# Hello\n", Action: "modify"}
		report := dispatch.Review([]dispatch.GeneratedFile{docs}, dispatch.DefaultStandards)
		assert.Equal(t, 100, report.Score)
		assert.True(t, report.Passed)
	})

	t.Run("code without tests loses coverage points but passes the default bar", func(t *testing.T) {
		t.Parallel()

		report := dispatch.Review([]dispatch.GeneratedFile{goFile}, dispatch.DefaultStandards)
		assert.Equal(t, 85, report.Score)
		assert.Equal(t, 10, report.Breakdown.Coverage)
		assert.True(t, report.Passed)
		assert.Contains(t, rules(report), "missing-tests")
		assert.Contains(t, report.Recommendations, "Add or update tests covering the change.")
	})

	t.Run("security findings sink the score", func(t *testing.T) {
		t.Parallel()

		dangerous := dispatch.GeneratedFile{
			Path:    "pkg/run/run.js",
			Content: "const apiKey = \"supersecret123\"\nconst out = eval(userInput)\n",
			Action:  "create",
		}
		report := dispatch.Review([]dispatch.GeneratedFile{dangerous}, dispatch.DefaultStandards)
		assert.Equal(t, 0, report.Breakdown.Security)
		assert.False(t, report.Passed)
		assert.Contains(t, rules(report), "dangerous-eval")
		assert.Contains(t, rules(report), "hardcoded-secret")
	})

	t.Run("markers and weak typing are flagged", func(t *testing.T) {
		t.Parallel()

		sloppy := dispatch.GeneratedFile{
			Path:    "src/cart.ts",
			Content: "// TODO finish this\nconst total: any = compute()\n",
			Action:  "modify",
		}
		spec := dispatch.GeneratedFile{Path: "src/cart.spec.ts", Content: "it('works', () => {})\n", Action: "create"}
		report := dispatch.Review([]dispatch.GeneratedFile{sloppy, spec}, dispatch.DefaultStandards)
		assert.Contains(t, rules(report), "left-in-marker")
		assert.Contains(t, rules(report), "weak-typing")
		assert.Equal(t, 23, report.Breakdown.Lint)
		assert.Equal(t, 22, report.Breakdown.Types)
	})

	t.Run("stricter bar fails what the default passes", func(t *testing.T) {
		t.Parallel()

		standards := dispatch.ReviewStandards{MinQualityScore: 90, RequireTests: true, SecurityScan: true}
		report := dispatch.Review([]dispatch.GeneratedFile{goFile}, standards)
		assert.Equal(t, 85, report.Score)
		assert.False(t, report.Passed)
	})

	t.Run("deleted files are not inspected", func(t *testing.T) {
		t.Parallel()

		gone := dispatch.GeneratedFile{Path: "legacy/eval.js", Content: "", Action: "delete"}
		report := dispatch.Review([]dispatch.GeneratedFile{gone}, dispatch.DefaultStandards)
		assert.Equal(t, 100, report.Score)
	})
}

func TestReviewReadsCodegenArtifact(t *testing.T) {
	caps := newCaps(t, platformtest.New(testItem()))
	d := dispatch.NewDispatcher(caps)
	ctx := context.Background()

	require.NoError(t, caps.Artifacts.Save(ctx, testRef(), artifact.KindCodegenOutput, dispatch.CodeGenResult{
		Files:   []dispatch.GeneratedFile{{Path: "docs/notes.md", Content: "# Notes\n", Action: "create"}},
		Summary: "notes",
	}))

	res, err := d.Dispatch(ctx, labels.AgentReview, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

	report := res.Output.(dispatch.ReviewReport)
	assert.True(t, report.Passed)
	require.True(t, caps.Artifacts.Has(ctx, testRef(), artifact.KindReviewOutput))
}

func TestReviewWithoutInputIsPreconditionFailure(t *testing.T) {
	d := dispatch.NewDispatcher(newCaps(t, platformtest.New(testItem())))

	res, err := d.Dispatch(context.Background(), labels.AgentReview, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.False(t, res.Success())
	assert.Equal(t, apperr.CodePrecondition, res.Err.Code)
	assert.Contains(t, res.Err.Message, "codegen-output")
}
