package artifact_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/labels"
)

var testRef = artifact.ItemRef{Owner: "acme", Repo: "widgets", Number: 42}

type codegenOutput struct {
	Files   []string `json:"files"`
	Summary string   `json:"summary"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := artifact.New(t.TempDir())
	ctx := context.Background()

	want := codegenOutput{Files: []string{"auth.go", "auth_test.go"}, Summary: "added login flow"}
	require.NoError(t, s.Save(ctx, testRef, artifact.KindCodegenOutput, want))

	got, ok := artifact.LoadAs[codegenOutput](ctx, s, testRef, artifact.KindCodegenOutput)
	require.True(t, ok)
	assert.Equal(t, want, got)

	assert.True(t, s.Has(ctx, testRef, artifact.KindCodegenOutput))
	assert.False(t, s.Has(ctx, testRef, artifact.KindReviewOutput))
}

func TestSavePermissions(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}

	base := t.TempDir()
	s := artifact.New(base)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, testRef, artifact.KindReviewOutput, map[string]any{"score": 85}))

	path := filepath.Join(base, "acme-widgets", "issue-42", "review-output.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()

	s := artifact.New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testRef, artifact.KindCodegenOutput, codegenOutput{Summary: "first"}))
	require.NoError(t, s.Save(ctx, testRef, artifact.KindCodegenOutput, codegenOutput{Summary: "second"}))

	got, ok := artifact.LoadAs[codegenOutput](ctx, s, testRef, artifact.KindCodegenOutput)
	require.True(t, ok)
	assert.Equal(t, "second", got.Summary)
}

func TestLoadMissingOrMalformed(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	s := artifact.New(base)
	ctx := context.Background()

	assert.Nil(t, s.Load(ctx, testRef, artifact.KindCodegenOutput), "missing artifact loads as nil")

	// Corrupt blob on disk.
	dir := filepath.Join(base, "acme-widgets", "issue-42")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codegen-output.json"), []byte("{not json"), 0600))

	assert.Nil(t, s.Load(ctx, testRef, artifact.KindCodegenOutput), "malformed artifact loads as nil")

	_, ok := artifact.LoadAs[codegenOutput](ctx, s, testRef, artifact.KindCodegenOutput)
	assert.False(t, ok)
}

func TestKinds(t *testing.T) {
	t.Parallel()

	s := artifact.New(t.TempDir())
	ctx := context.Background()

	assert.Empty(t, s.Kinds(ctx, testRef))

	require.NoError(t, s.Save(ctx, testRef, artifact.KindCodegenOutput, codegenOutput{}))
	require.NoError(t, s.Save(ctx, testRef, artifact.KindReviewOutput, map[string]any{"passed": true}))

	kinds := s.Kinds(ctx, testRef)
	assert.ElementsMatch(t, []artifact.Kind{artifact.KindCodegenOutput, artifact.KindReviewOutput}, kinds)
}

type recordingArchiver struct {
	objects map[string][]byte
	fail    bool
}

func (a *recordingArchiver) Put(_ context.Context, name string, data []byte) error {
	if a.fail {
		return errors.New("bucket unavailable")
	}
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[name] = data
	return nil
}

func TestClear(t *testing.T) {
	t.Parallel()

	t.Run("removes the item directory", func(t *testing.T) {
		t.Parallel()

		base := t.TempDir()
		s := artifact.New(base)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, testRef, artifact.KindCodegenOutput, codegenOutput{}))
		require.NoError(t, s.Clear(ctx, testRef))

		assert.False(t, s.Has(ctx, testRef, artifact.KindCodegenOutput))
		_, err := os.Stat(filepath.Join(base, "acme-widgets", "issue-42"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("archives before removal", func(t *testing.T) {
		t.Parallel()

		rec := &recordingArchiver{}
		s := artifact.New(t.TempDir(), artifact.WithArchiver(rec))
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, testRef, artifact.KindCodegenOutput, codegenOutput{Summary: "x"}))
		require.NoError(t, s.Clear(ctx, testRef))

		require.Len(t, rec.objects, 1)
		assert.Contains(t, rec.objects, "acme-widgets/issue-42/codegen-output.json")
	})

	t.Run("archival failure never blocks the clear", func(t *testing.T) {
		t.Parallel()

		s := artifact.New(t.TempDir(), artifact.WithArchiver(&recordingArchiver{fail: true}))
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, testRef, artifact.KindCodegenOutput, codegenOutput{}))
		require.NoError(t, s.Clear(ctx, testRef))
		assert.False(t, s.Has(ctx, testRef, artifact.KindCodegenOutput))
	})

	t.Run("clearing a missing item is a no-op", func(t *testing.T) {
		t.Parallel()

		s := artifact.New(t.TempDir())
		assert.NoError(t, s.Clear(context.Background(), artifact.ItemRef{Owner: "no", Repo: "body", Number: 1}))
	})
}

func TestKindFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, artifact.KindCodegenOutput, artifact.KindFor(labels.AgentCodeGen))
	assert.Equal(t, artifact.KindReviewOutput, artifact.KindFor(labels.AgentReview))
	assert.Equal(t, artifact.KindPROutput, artifact.KindFor(labels.AgentPR))
}
