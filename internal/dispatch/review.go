package dispatch

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/labels"
)

// ReviewReport is the Review agent's output. Score is the sum of the four
// breakdown buckets, each worth 25 points.
type ReviewReport struct {
	Score           int            `json:"score"`
	Passed          bool           `json:"passed"`
	Issues          []ReviewIssue  `json:"issues"`
	Recommendations []string       `json:"recommendations"`
	Breakdown       ScoreBreakdown `json:"breakdown"`
}

// ReviewIssue is one finding, addressed to a file and rule.
type ReviewIssue struct {
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity"` // error | warning | info
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// ScoreBreakdown carries the per-concern scores. The field keys follow the
// artifact schema consumed by existing dashboards.
type ScoreBreakdown struct {
	Lint     int `json:"eslint"`
	Types    int `json:"types"`
	Security int `json:"security"`
	Coverage int `json:"coverage"`
}

const bucketMax = 25

type reviewAgent struct{}

var _ Runner = (*reviewAgent)(nil)

func init() {
	Register(&reviewAgent{})
	RegisterOutputType[ReviewReport](labels.AgentReview)
}

func (a *reviewAgent) Spec() Spec {
	return Spec{
		Kind:        labels.AgentReview,
		Description: "scores a change set against the quality standards",
		Produces:    artifact.KindReviewOutput,
	}
}

// Run reviews the request's files, or the persisted codegen output when the
// caller supplied none. Scoring is fully deterministic so repeated runs over
// identical input persist identical bytes.
func (a *reviewAgent) Run(ctx context.Context, req *Request, caps *Capabilities) (any, error) {
	files := req.Files
	if len(files) == 0 && caps.Artifacts != nil {
		if gen, ok := artifact.LoadAs[CodeGenResult](ctx, caps.Artifacts, req.Ref, artifact.KindCodegenOutput); ok {
			files = gen.Files
		}
	}
	if len(files) == 0 {
		return nil, &PreconditionError{Agent: labels.AgentReview, Missing: artifact.KindCodegenOutput, Ref: req.Ref}
	}

	standards := req.Standards
	if standards == (ReviewStandards{}) {
		standards = DefaultStandards
	}

	report := Review(files, standards)
	return report, nil
}

// Review applies the quality gates to a change set. Exported for the CLI's
// standalone review mode.
func Review(files []GeneratedFile, standards ReviewStandards) ReviewReport {
	r := &reviewRun{
		buckets: ScoreBreakdown{Lint: bucketMax, Types: bucketMax, Security: bucketMax, Coverage: bucketMax},
	}

	for _, f := range files {
		r.reviewFile(f, standards)
	}
	if standards.RequireTests {
		r.checkCoverage(files)
	}

	report := ReviewReport{
		Issues:          r.issues,
		Recommendations: r.recommendations,
		Breakdown:       r.buckets,
	}
	report.Score = r.buckets.Lint + r.buckets.Types + r.buckets.Security + r.buckets.Coverage
	report.Passed = report.Score >= standards.MinQualityScore
	if report.Issues == nil {
		report.Issues = []ReviewIssue{}
	}
	if report.Recommendations == nil {
		report.Recommendations = []string{}
	}
	return report
}

type reviewRun struct {
	buckets         ScoreBreakdown
	issues          []ReviewIssue
	recommendations []string
}

var (
	markerRe = regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX)\b`)
	secretRe = regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*["'][^"']{8,}["']`)
	anyRe    = regexp.MustCompile(`:\s*any\b`)
)

func (r *reviewRun) reviewFile(f GeneratedFile, standards ReviewStandards) {
	if f.Action == "delete" {
		return
	}
	if strings.TrimSpace(f.Content) == "" {
		r.flag(&r.buckets.Lint, 10, ReviewIssue{
			File: f.Path, Severity: "error", Rule: "empty-file",
			Message: "file would be created or modified with no content",
		})
		return
	}

	code := isCodePath(f.Path)
	test := isTestPath(f.Path)

	for i, line := range strings.Split(f.Content, "\n") {
		n := i + 1
		if m := markerRe.FindString(line); m != "" {
			r.flag(&r.buckets.Lint, 2, ReviewIssue{
				File: f.Path, Line: n, Severity: "warning", Rule: "left-in-marker",
				Message: fmt.Sprintf("%s marker left in the change", m),
			})
		}
		if len(line) > 160 {
			r.flag(&r.buckets.Lint, 1, ReviewIssue{
				File: f.Path, Line: n, Severity: "info", Rule: "long-line",
				Message: fmt.Sprintf("line is %d characters long", len(line)),
			})
		}
		if code && !test && (strings.Contains(line, "console.log(") || strings.Contains(line, "fmt.Println(")) {
			r.flag(&r.buckets.Lint, 2, ReviewIssue{
				File: f.Path, Line: n, Severity: "warning", Rule: "debug-print",
				Message: "debug print statement in non-test code",
			})
		}
		if code {
			if anyRe.MatchString(line) || strings.Contains(line, "@ts-ignore") || strings.Contains(line, "@ts-nocheck") {
				r.flag(&r.buckets.Types, 3, ReviewIssue{
					File: f.Path, Line: n, Severity: "warning", Rule: "weak-typing",
					Message: "type checking is weakened here",
				})
			}
		}
		if standards.SecurityScan {
			if strings.Contains(line, "eval(") {
				r.flag(&r.buckets.Security, 15, ReviewIssue{
					File: f.Path, Line: n, Severity: "error", Rule: "dangerous-eval",
					Message: "dynamic code evaluation",
				})
				r.recommend("Replace eval with an explicit dispatch table or parser.")
			}
			if secretRe.MatchString(line) {
				r.flag(&r.buckets.Security, 15, ReviewIssue{
					File: f.Path, Line: n, Severity: "error", Rule: "hardcoded-secret",
					Message: "credential literal committed to the tree",
				})
				r.recommend("Move credentials into the environment or the secrets store.")
			}
		}
	}
}

// checkCoverage deducts from the coverage bucket when code changes arrive
// without any test changes. Documentation-only change sets are exempt.
func (r *reviewRun) checkCoverage(files []GeneratedFile) {
	codeChanged, testChanged := false, false
	for _, f := range files {
		if f.Action == "delete" {
			continue
		}
		switch {
		case isTestPath(f.Path):
			testChanged = true
		case isCodePath(f.Path):
			codeChanged = true
		}
	}
	if codeChanged && !testChanged {
		r.flag(&r.buckets.Coverage, 15, ReviewIssue{
			File: "", Severity: "warning", Rule: "missing-tests",
			Message: "code changed without any test changes",
		})
		r.recommend("Add or update tests covering the change.")
	}
}

func (r *reviewRun) flag(bucket *int, penalty int, issue ReviewIssue) {
	*bucket -= penalty
	if *bucket < 0 {
		*bucket = 0
	}
	r.issues = append(r.issues, issue)
}

func (r *reviewRun) recommend(text string) {
	for _, existing := range r.recommendations {
		if existing == text {
			return
		}
	}
	r.recommendations = append(r.recommendations, text)
}

func isTestPath(p string) bool {
	base := path.Base(p)
	if strings.Contains(base, "_test.") || strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") || strings.HasPrefix(base, "test_") {
		return true
	}
	for _, dir := range strings.Split(path.Dir(p), "/") {
		switch dir {
		case "test", "tests", "__tests__", "testdata":
			return true
		}
	}
	return false
}

func isCodePath(p string) bool {
	switch path.Ext(p) {
	case ".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".rb", ".java", ".rs", ".c", ".cc", ".cpp", ".h", ".cs", ".kt", ".swift":
		return true
	}
	return false
}
