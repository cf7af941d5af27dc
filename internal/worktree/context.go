package worktree

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/miyabi-org/miyabi/internal/common/fileutil"
)

// Context file names written into a fresh worktree. The JSON form is for
// the agent process, the markdown forms are for humans reviewing the run.
const (
	contextFileJSON = ".agent-context.json"
	contextFileMD   = "EXECUTION_CONTEXT.md"
	plansFileMD     = "plans.md"
)

// ExecutionContext is the plan handed to the agent working in a tree.
type ExecutionContext struct {
	IssueNumber int      `json:"issueNumber"`
	Title       string   `json:"title"`
	AgentKind   string   `json:"agentKind"`
	Objectives  []string `json:"objectives,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// render writes the machine and human forms of the context into dir.
func (c *ExecutionContext) render(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, contextFileJSON), data, 0600); err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, contextFileMD), []byte(c.markdown()), 0644); err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(filepath.Join(dir, plansFileMD), []byte(c.plans()), 0644)
}

func (c *ExecutionContext) markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Execution Context: #%d %s\n\n", c.IssueNumber, c.Title)
	fmt.Fprintf(&b, "Agent: %s\n\n", c.AgentKind)
	if len(c.Objectives) > 0 {
		b.WriteString("## Objectives\n\n")
		for _, o := range c.Objectives {
			fmt.Fprintf(&b, "- %s\n", o)
		}
		b.WriteString("\n")
	}
	if c.Notes != "" {
		b.WriteString("## Notes\n\n")
		b.WriteString(c.Notes)
		b.WriteString("\n")
	}
	return b.String()
}

func (c *ExecutionContext) plans() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan for #%d\n\n", c.IssueNumber)
	if len(c.Steps) == 0 {
		b.WriteString("- [ ] complete the task described in EXECUTION_CONTEXT.md\n")
		return b.String()
	}
	for _, s := range c.Steps {
		fmt.Fprintf(&b, "- [ ] %s\n", s)
	}
	return b.String()
}
