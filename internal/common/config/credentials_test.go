package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/common/config"
)

func TestCredentialsRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	in := config.Credentials{PlatformToken: "ghp_abc123", LLMAPIKey: "sk_def456"}

	require.NoError(t, config.SaveCredentials(context.Background(), path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := config.LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc123", out.PlatformToken)
	assert.Equal(t, "sk_def456", out.LLMAPIKey)
	assert.False(t, out.UpdatedAt.IsZero())
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	t.Parallel()

	creds, err := config.LoadCredentials(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, creds.PlatformToken)
}

func TestLoadCredentialsRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := config.LoadCredentials(path)
	assert.Error(t, err)
}

func TestSaveCredentialsOverwritesTightensMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"platformToken":"old"}`), 0o644))

	require.NoError(t, config.SaveCredentials(context.Background(), path, config.Credentials{PlatformToken: "new"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := config.LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "new", out.PlatformToken)
}

func TestResolveToken(t *testing.T) {
	t.Parallel()

	stored := config.Credentials{PlatformToken: "from-file"}

	tests := []struct {
		name       string
		explicit   string
		env        string
		stored     config.Credentials
		wantToken  string
		wantSource string
	}{
		{name: "explicit wins", explicit: "from-flag", env: "from-env", stored: stored, wantToken: "from-flag", wantSource: "flag"},
		{name: "env beats file", env: "from-env", stored: stored, wantToken: "from-env", wantSource: "env"},
		{name: "file is the fallback", stored: stored, wantToken: "from-file", wantSource: "file"},
		{name: "nothing configured", wantToken: "", wantSource: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			token, source := config.ResolveToken(tc.explicit, tc.env, tc.stored)
			assert.Equal(t, tc.wantToken, token)
			assert.Equal(t, tc.wantSource, source)
		})
	}
}
