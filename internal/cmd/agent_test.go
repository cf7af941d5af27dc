package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/platform"
)

func TestPullRequestInput(t *testing.T) {
	t.Parallel()

	files := []platform.PullRequestFile{
		{Filename: "a.go", Status: "added", Patch: "+package a"},
		{Filename: "b.go", Status: "removed"},
		{Filename: "c.go", Status: "modified", Patch: "+var x int"},
		{Filename: "d.go", Status: "renamed", Patch: " unchanged"},
	}

	got := pullRequestInput(files)

	require.Len(t, got, 4)
	assert.Equal(t, "create", got[0].Action)
	assert.Equal(t, "delete", got[1].Action)
	assert.Equal(t, "modify", got[2].Action)
	assert.Equal(t, "modify", got[3].Action)
	assert.Equal(t, "a.go", got[0].Path)
	assert.Equal(t, "+package a", got[0].Content)
}

func TestLocalFileInput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "handler.go")
	require.NoError(t, os.WriteFile(path, []byte("package web\n"), 0o644))

	got, err := localFileInput([]string{path})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, path, got[0].Path)
	assert.Equal(t, "package web\n", got[0].Content)
	assert.Equal(t, "modify", got[0].Action)
}

func TestLocalFileInputMissingFile(t *testing.T) {
	t.Parallel()

	_, err := localFileInput([]string{filepath.Join(t.TempDir(), "absent.go")})

	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.CodeValidation, appErr.Code)
}

func TestKindList(t *testing.T) {
	t.Parallel()

	list := kindList()
	assert.Contains(t, list, "coordinator")
	assert.Contains(t, list, "review")
}
