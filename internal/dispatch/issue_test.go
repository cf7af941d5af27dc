package dispatch_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miyabi-org/miyabi/internal/dispatch"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/platform/platformtest"
)

func TestAnalyzeItem(t *testing.T) {
	t.Parallel()

	checklist := func(n int) string {
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteString("- [ ] step\n")
		}
		return b.String()
	}

	tests := []struct {
		name           string
		title          string
		body           string
		labels         []string
		wantType       string
		wantPriority   string
		wantComplexity string
	}{
		{
			name:           "crash report is a critical bug",
			title:          "Server crash on empty payload",
			body:           "Production down since this morning.",
			wantType:       "bug",
			wantPriority:   "P0-Critical",
			wantComplexity: "small",
		},
		{
			name:           "docs request",
			title:          "Update the README quickstart",
			body:           "The install section is stale.",
			wantType:       "docs",
			wantPriority:   "P2-Medium",
			wantComplexity: "small",
		},
		{
			name:           "existing priority label wins over keywords",
			title:          "Urgent: tidy up naming",
			body:           "Nothing urgent really.",
			labels:         []string{"priority:P3-Low"},
			wantType:       "refactor",
			wantPriority:   "P3-Low",
			wantComplexity: "small",
		},
		{
			name:           "existing type facet wins",
			title:          "Anything at all",
			body:           "",
			labels:         []string{"type:test"},
			wantType:       "test",
			wantPriority:   "P2-Medium",
			wantComplexity: "small",
		},
		{
			name:           "checklist drives complexity",
			title:          "Add checkout flow",
			body:           checklist(6),
			wantType:       "feature",
			wantPriority:   "P2-Medium",
			wantComplexity: "large",
		},
		{
			name:           "huge checklist is extra large",
			title:          "Rework billing",
			body:           checklist(12),
			wantType:       "feature",
			wantPriority:   "P2-Medium",
			wantComplexity: "xl",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			item := &platform.WorkItem{Number: 7, Title: tc.title, Body: tc.body, State: "open"}
			for _, name := range tc.labels {
				item.Labels = append(item.Labels, platform.Label{Name: name})
			}

			got := dispatch.AnalyzeItem(item)
			assert.Equal(t, tc.wantType, got.Type)
			assert.Equal(t, tc.wantPriority, got.Priority)
			assert.Equal(t, tc.wantComplexity, got.Complexity)
			assert.Contains(t, got.Labels, labels.TypeLabel(tc.wantType))
			assert.Contains(t, got.Labels, "priority:"+tc.wantPriority)
			assert.Contains(t, got.Labels, labels.SizeLabel(tc.wantComplexity))
		})
	}
}

func TestIssueAgentAppliesFacetLabels(t *testing.T) {
	item := testItem("state:pending", "team:payments")
	gw := platformtest.New(item)
	d := dispatch.NewDispatcher(newCaps(t, gw))

	res, err := d.Dispatch(context.Background(), labels.AgentIssue, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

	after := gw.LabelsOf(47)
	assert.Contains(t, after, "type:bug")
	assert.Contains(t, after, "size:small")
	assert.Contains(t, after, "state:pending", "state facet must survive reclassification")
	assert.Contains(t, after, "team:payments", "labels outside the facet scheme must survive")
	assert.Equal(t, 1, gw.ReplaceCalls)
}

func TestIssueAgentKeepsHeuristicSummaryOnModelFailure(t *testing.T) {
	caps := newCaps(t, platformtest.New(testItem()))
	caps.LLM = failingLLM{}
	d := dispatch.NewDispatcher(caps)

	res, err := d.Dispatch(context.Background(), labels.AgentIssue, &dispatch.Request{Ref: testRef()})
	require.NoError(t, err)
	require.True(t, res.Success(), "unexpected agent error: %v", res.Err)

	analysis := res.Output.(dispatch.IssueAnalysis)
	assert.Equal(t, "The login form crashes when the password is empty.", analysis.Summary)
}
