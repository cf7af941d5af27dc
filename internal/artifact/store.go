// Package artifact persists the typed JSON handoffs between agent runs.
// One agent's output is the next agent's input; the store is the only
// channel they share.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/miyabi-org/miyabi/internal/common/fileutil"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/labels"
)

// Kind names one artifact type.
type Kind string

// Known artifact kinds. The store accepts any kind; these are the ones the
// built-in agents produce.
const (
	KindIssueOutput   Kind = "issue-output"
	KindCodegenOutput Kind = "codegen-output"
	KindReviewOutput  Kind = "review-output"
	KindPROutput      Kind = "pr-output"
	KindDeployOutput  Kind = "deploy-output"
	KindTestOutput    Kind = "test-output"
)

// KindFor returns the artifact kind an agent of the given kind produces.
func KindFor(agent labels.AgentKind) Kind {
	return Kind(string(agent) + "-output")
}

// ItemRef addresses one work item's artifact directory.
type ItemRef struct {
	Owner  string
	Repo   string
	Number int
}

func (r ItemRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

const (
	dirPerm  = 0700
	filePerm = 0600
)

// Store is a per-item typed key/value store on local disk. Writes are
// atomic; the scheduler guarantees at most one writer per (item, kind), so
// no cross-process locking is needed.
type Store struct {
	baseDir  string
	archiver Archiver
}

// Option configures a Store.
type Option func(*Store)

// WithArchiver copies artifacts to long-term storage before Clear removes
// them from disk.
func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// New creates a store rooted at baseDir.
func New(baseDir string, opts ...Option) *Store {
	s := &Store{baseDir: baseDir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) itemDir(ref ItemRef) string {
	return filepath.Join(s.baseDir,
		fmt.Sprintf("%s-%s", ref.Owner, ref.Repo),
		fmt.Sprintf("issue-%d", ref.Number))
}

func (s *Store) artifactPath(ref ItemRef, kind Kind) string {
	return filepath.Join(s.itemDir(ref), string(kind)+".json")
}

// Save marshals v and writes it under (ref, kind), replacing any previous
// blob of the same kind.
func (s *Store) Save(ctx context.Context, ref ItemRef, kind Kind, v any) error {
	dir := s.itemDir(ref)
	if err := fileutil.EnsureDir(dir, dirPerm); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s artifact: %w", kind, err)
	}
	if err := fileutil.WriteFileAtomic(s.artifactPath(ref, kind), data, filePerm); err != nil {
		return err
	}
	logger.Debug(ctx, "Artifact saved", tag.Kind(string(kind)), tag.Issue(ref.Number))
	return nil
}

// Load returns the stored blob, or nil when it is missing or unreadable.
// Unreadable blobs are logged and treated as missing.
func (s *Store) Load(ctx context.Context, ref ItemRef, kind Kind) json.RawMessage {
	path := s.artifactPath(ref, kind)
	data, err := os.ReadFile(path) // nolint:gosec
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn(ctx, "Artifact unreadable; treating as missing", tag.File(path), tag.Error(err))
		}
		return nil
	}
	if !json.Valid(data) {
		logger.Warn(ctx, "Artifact is not valid JSON; treating as missing", tag.File(path))
		return nil
	}
	return data
}

// LoadAs decodes the artifact under (ref, kind) into T. The second return is
// false when the artifact is missing or does not decode.
func LoadAs[T any](ctx context.Context, s *Store, ref ItemRef, kind Kind) (T, bool) {
	var out T
	data := s.Load(ctx, ref, kind)
	if data == nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		logger.Warn(ctx, "Artifact does not decode", tag.Kind(string(kind)), tag.Error(err))
		return out, false
	}
	return out, true
}

// Has reports whether an artifact of the given kind exists for ref.
func (s *Store) Has(_ context.Context, ref ItemRef, kind Kind) bool {
	return fileutil.IsFile(s.artifactPath(ref, kind))
}

// Kinds returns the artifact kinds currently stored for ref.
func (s *Store) Kinds(_ context.Context, ref ItemRef) []Kind {
	entries, err := os.ReadDir(s.itemDir(ref))
	if err != nil {
		return nil
	}
	var kinds []Kind
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		kinds = append(kinds, Kind(e.Name()[:len(e.Name())-len(".json")]))
	}
	return kinds
}

// Clear removes every artifact for ref. With an archiver configured, blobs
// are copied to long-term storage first; archival failure is logged but
// never blocks the clear.
func (s *Store) Clear(ctx context.Context, ref ItemRef) error {
	dir := s.itemDir(ref)
	if s.archiver != nil {
		s.archiveAll(ctx, ref, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear artifacts for %s: %w", ref, err)
	}
	return nil
}

func (s *Store) archiveAll(ctx context.Context, ref ItemRef, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) // nolint:gosec
		if err != nil {
			logger.Warn(ctx, "Artifact unreadable during archival", tag.File(e.Name()), tag.Error(err))
			continue
		}
		object := fmt.Sprintf("%s-%s/issue-%d/%s", ref.Owner, ref.Repo, ref.Number, e.Name())
		if err := s.archiver.Put(ctx, object, data); err != nil {
			logger.Warn(ctx, "Artifact archival failed; clearing anyway",
				tag.File(e.Name()), tag.Error(err))
		}
	}
}
