package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Credentials hold the platform token and the optional LLM key.
type Credentials struct {
	PlatformToken string    `json:"platformToken"`
	LLMAPIKey     string    `json:"llmApiKey,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

const (
	credentialsFileMode = os.FileMode(0o600)
	credentialsDirMode  = os.FileMode(0o700)
	credentialsLockWait = 5 * time.Second
)

// LoadCredentials reads the credential file. A missing file yields zero
// credentials without an error; anything else on disk must parse.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return creds, fmt.Errorf("failed to read credentials file: %w", err)
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes the credential file with mode 0600 under an
// exclusive file lock, so concurrent logins from two terminals cannot
// interleave. The write is atomic via a same-directory rename.
func SaveCredentials(ctx context.Context, path string, creds Credentials) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, credentialsDirMode); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	creds.UpdatedAt = time.Now().UTC()

	lock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, credentialsLockWait)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock credentials file: %w", err)
	}
	if !locked {
		return fmt.Errorf("credentials file is locked by another process")
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	raw = append(raw, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, credentialsFileMode); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	// An existing file written by an older build may carry a looser mode.
	return os.Chmod(path, credentialsFileMode)
}

// ResolveToken applies the credential resolution order: explicit value,
// environment, credential file. It returns the token and where it came
// from ("flag", "env", "file", or "" when nothing matched).
func ResolveToken(explicit, fromEnv string, stored Credentials) (token, source string) {
	switch {
	case explicit != "":
		return explicit, "flag"
	case fromEnv != "":
		return fromEnv, "env"
	case stored.PlatformToken != "":
		return stored.PlatformToken, "file"
	default:
		return "", ""
	}
}
