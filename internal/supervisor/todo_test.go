package supervisor_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/supervisor"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestScanTodos(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"auth/login.go":             "package auth\n\n// TODO: rotate the refresh token on use\nfunc Login() {}\n",
		"auth/session.go":           "package auth\n\n// FIXME: session cache leaks on logout\n// NOTE: expiry is UTC\n",
		"node_modules/dep/index.js": "// TODO: vendored noise\n",
		"vendor/lib/lib.go":         "// HACK: vendored noise\n",
		"web/app.min.js":            "/* TODO: minified noise */\n",
		"README.md":                 "plain prose without markers\n",
		"scripts/deploy.sh":         "#!/bin/sh\n# HACK: pin the cli version until v3 lands\n",
		"assets/logo.bin":           "\x00\x01\x02TODO: binary bait\x00",
		"internal/generated/gen.go": "// TODO: regenerate from proto\n",
	})

	markers, err := supervisor.ScanTodos(root, nil, 0)
	require.NoError(t, err)

	byFile := map[string][]supervisor.Marker{}
	for _, m := range markers {
		byFile[m.File] = append(byFile[m.File], m)
	}

	require.Len(t, byFile["auth/login.go"], 1)
	assert.Equal(t, "TODO", byFile["auth/login.go"][0].Tag)
	assert.Equal(t, 3, byFile["auth/login.go"][0].Line)
	assert.Equal(t, "rotate the refresh token on use", byFile["auth/login.go"][0].Text)

	require.Len(t, byFile["auth/session.go"], 2)
	assert.Equal(t, "FIXME", byFile["auth/session.go"][0].Tag)
	assert.Equal(t, "NOTE", byFile["auth/session.go"][1].Tag)

	require.Len(t, byFile["scripts/deploy.sh"], 1)
	assert.Equal(t, "HACK", byFile["scripts/deploy.sh"][0].Tag)

	assert.Empty(t, byFile["node_modules/dep/index.js"], "node_modules is excluded")
	assert.Empty(t, byFile["vendor/lib/lib.go"], "vendor is excluded")
	assert.Empty(t, byFile["web/app.min.js"], "minified files are excluded")
	assert.Empty(t, byFile["assets/logo.bin"], "binary files are skipped")
	assert.Len(t, markers, 5)
}

func TestScanTodosCustomExcludes(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"api/server.go":      "// TODO: stream responses\n",
		"legacy/old.go":      "// TODO: delete once migrated\n",
		"legacy/sub/also.go": "// FIXME: also legacy\n",
	})

	markers, err := supervisor.ScanTodos(root, []string{"legacy/**"}, 0)
	require.NoError(t, err)

	require.Len(t, markers, 1)
	assert.Equal(t, "api/server.go", markers[0].File)
}

func TestScanTodosHonorsLimit(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"a.go": "// TODO: one\n// TODO: two\n",
		"b.go": "// TODO: three\n// TODO: four\n",
	})

	markers, err := supervisor.ScanTodos(root, nil, 3)
	require.NoError(t, err)
	assert.Len(t, markers, 3)
}

func TestScanTodosMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := supervisor.ScanTodos(filepath.Join(t.TempDir(), "absent"), nil, 0)
	assert.Error(t, err)
}
