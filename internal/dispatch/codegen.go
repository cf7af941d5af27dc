package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/fileutil"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/common/stringutil"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
)

// CodeGenResult is the CodeGen agent's output: the working-tree changes
// that implement the item, plus a human summary.
type CodeGenResult struct {
	TaskID  string          `json:"taskId,omitempty"`
	Files   []GeneratedFile `json:"files"`
	Summary string          `json:"summary"`
}

type codeGenAgent struct{}

var _ Runner = (*codeGenAgent)(nil)

func init() {
	Register(&codeGenAgent{})
	RegisterOutputType[CodeGenResult](labels.AgentCodeGen)
}

func (a *codeGenAgent) Spec() Spec {
	return Spec{
		Kind:           labels.AgentCodeGen,
		Description:    "drafts the file changes that implement a work item",
		Produces:       artifact.KindCodegenOutput,
		NeedsWorkspace: true,
	}
}

func (a *codeGenAgent) Run(ctx context.Context, req *Request, caps *Capabilities) (any, error) {
	item, err := resolveItem(ctx, req, caps)
	if err != nil {
		return nil, err
	}

	var analysis *IssueAnalysis
	if caps.Artifacts != nil {
		if loaded, ok := artifact.LoadAs[IssueAnalysis](ctx, caps.Artifacts, req.Ref, artifact.KindIssueOutput); ok {
			analysis = &loaded
		}
	}

	var result CodeGenResult
	generated := false
	if caps.LLM != nil {
		result, err = a.generate(ctx, caps.LLM, req, item, analysis)
		generated = err == nil
		if err != nil {
			logger.Warn(ctx, "Model generation unusable, falling back to plan scaffold", tag.Issue(item.Number), tag.Error(err))
		}
	}
	if !generated {
		result = planScaffold(item, analysis, req.Task)
		if req.Task != nil {
			result.TaskID = req.Task.ID
		}
	}

	// On a session worktree the branch carries the proposed changes, not
	// just the artifact store.
	if req.Workspace != "" {
		if err := materialize(req.Workspace, result.Files); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// materialize applies the change set to the workspace. Paths were already
// validated by normalizeChanges.
func materialize(dir string, files []GeneratedFile) error {
	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		switch f.Action {
		case "delete":
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete %s from the workspace: %w", f.Path, err)
			}
		default:
			if err := fileutil.EnsureDir(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := fileutil.WriteFileAtomic(target, []byte(f.Content), 0644); err != nil {
				return err
			}
		}
	}
	return nil
}

// generate asks the model for the change set as strict JSON and validates
// it into the output contract.
func (a *codeGenAgent) generate(ctx context.Context, llm LLM, req *Request, item *platform.WorkItem, analysis *IssueAnalysis) (CodeGenResult, error) {
	language := req.Language
	if language == "" {
		language = "go"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue #%d: %s\n\n%s\n\n", item.Number, item.Title, item.Body)
	if analysis != nil {
		fmt.Fprintf(&sb, "Classification: %s, priority %s, size %s.\n", analysis.Type, analysis.Priority, analysis.Complexity)
	}
	if req.Task != nil {
		fmt.Fprintf(&sb, "Current task: %s\n", req.Task.Title)
	}
	fmt.Fprintf(&sb, "Target language: %s.\n", language)
	sb.WriteString(`Reply with exactly one JSON object, no prose: {"files":[{"path":"...","content":"...","action":"create|modify|delete"}],"summary":"..."}`)

	const system = "You implement issues in an existing repository. Output strict JSON only."
	c, err := llm.Complete(ctx, system, sb.String())
	if err != nil {
		return CodeGenResult{}, err
	}

	var result CodeGenResult
	if err := json.Unmarshal([]byte(stripFence(c.Text)), &result); err != nil {
		return CodeGenResult{}, fmt.Errorf("model reply is not the expected JSON: %w", err)
	}
	if req.Task != nil {
		result.TaskID = req.Task.ID
	}
	return normalizeChanges(result)
}

// planScaffold is the deterministic fallback used without a model: an
// implementation plan derived from the item's own structure. Identical
// inputs produce identical bytes.
func planScaffold(item *platform.WorkItem, analysis *IssueAnalysis, task *taskgraph.Task) CodeGenResult {
	d := taskgraph.Decompose(item)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(item.Title))
	fmt.Fprintf(&b, "Tracking issue: #%d\n\n", item.Number)
	if analysis != nil {
		fmt.Fprintf(&b, "Classified as %s / %s, estimated size %s.\n\n", analysis.Type, analysis.Priority, analysis.Complexity)
	}
	b.WriteString("## Steps\n\n")
	for _, t := range d.Tasks {
		fmt.Fprintf(&b, "- [ ] %s (%s, ~%d min)\n", t.Title, t.AgentKind, t.EstimatedMinutes)
	}
	if task != nil {
		fmt.Fprintf(&b, "\n## Focus\n\nThis change set covers %q.\n", task.Title)
	}

	slug := stringutil.Slugify(item.Title, 40)
	if slug == "" {
		slug = "untitled"
	}
	result := CodeGenResult{
		Files: []GeneratedFile{{
			Path:    fmt.Sprintf("docs/plans/issue-%d-%s.md", item.Number, slug),
			Content: b.String(),
			Action:  "create",
		}},
		Summary: fmt.Sprintf("Drafted an implementation plan for #%d covering %d step(s).", item.Number, len(d.Tasks)),
	}
	normalized, _ := normalizeChanges(result)
	return normalized
}

// normalizeChanges validates paths and actions and puts the files in a
// stable order so repeated runs persist identical bytes.
func normalizeChanges(result CodeGenResult) (CodeGenResult, error) {
	if len(result.Files) == 0 {
		return CodeGenResult{}, apperr.New(apperr.CodeValidation, "change set contains no files")
	}
	for i := range result.Files {
		f := &result.Files[i]
		cleaned := path.Clean(strings.TrimSpace(f.Path))
		if cleaned == "." || cleaned == "" || path.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
			return CodeGenResult{}, apperr.Newf(apperr.CodeValidation, "change set names an unsafe path %q", f.Path)
		}
		f.Path = cleaned
		switch f.Action {
		case "create", "modify", "delete":
		case "":
			f.Action = "create"
		default:
			return CodeGenResult{}, apperr.Newf(apperr.CodeValidation, "change set uses unknown action %q", f.Action)
		}
	}
	sort.SliceStable(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })
	return result, nil
}

// stripFence removes a surrounding markdown code fence if the model added
// one despite instructions.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
