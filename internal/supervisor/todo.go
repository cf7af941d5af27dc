package supervisor

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Marker is one actionable comment found in the tree.
type Marker struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Tag  string `json:"tag"` // TODO | FIXME | HACK | NOTE
	Text string `json:"text"`
}

// IssueTitle renders the title the marker files under, truncated at a word
// boundary so duplicate detection keys stay stable.
func (m Marker) IssueTitle() string {
	text := m.Text
	if len(text) > 80 {
		if idx := strings.LastIndexByte(text[:80], ' '); idx > 0 {
			text = text[:idx]
		} else {
			text = text[:80]
		}
	}
	return fmt.Sprintf("%s: %s", m.Tag, text)
}

// IssueBody renders the issue body pointing back at the source line.
func (m Marker) IssueBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source marker found by the idle-cycle scan.\n\n")
	fmt.Fprintf(&b, "- File: `%s`\n- Line: %d\n\n> %s: %s\n", m.File, m.Line, m.Tag, m.Text)
	return b.String()
}

// IssueType maps the marker tag to the type facet of the filed issue.
func (m Marker) IssueType() string {
	switch m.Tag {
	case "FIXME":
		return "bug"
	case "HACK":
		return "refactor"
	case "NOTE":
		return "docs"
	default:
		return "feature"
	}
}

// defaultExcludes are the tree regions never worth scanning. Callers add
// their own globs on top.
var defaultExcludes = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
	"**/coverage/**",
	"**/*.min.js",
	"**/*.map",
}

var markerRe = regexp.MustCompile(`\b(TODO|FIXME|HACK|NOTE):\s*(.+)`)

const (
	maxScanFileSize = 1 << 20 // larger files are generated or vendored
	probeSize       = 512
)

// ScanTodos walks root collecting marker comments, depth-first in
// lexical order, stopping after limit markers. Excludes are doublestar
// globs relative to root.
func ScanTodos(root string, excludes []string, limit int) ([]Marker, error) {
	if limit <= 0 {
		limit = 50
	}
	globs := append(append([]string{}, defaultExcludes...), excludes...)

	var markers []Marker
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if excluded(globs, rel, d.IsDir()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil
		}

		found, err := scanFile(path, rel, limit-len(markers))
		if err != nil {
			return nil // unreadable files are not worth failing the scan
		}
		markers = append(markers, found...)
		if len(markers) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	return markers, err
}

func excluded(globs []string, rel string, isDir bool) bool {
	candidate := rel
	if isDir {
		candidate += "/"
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
		// A glob like "dist/**" should also stop the walk at "dist" itself.
		if isDir {
			if ok, _ := doublestar.Match(g, candidate+"x"); ok {
				return true
			}
		}
	}
	return false
}

func scanFile(path, rel string, budget int) ([]Marker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	probe := make([]byte, probeSize)
	n, _ := f.Read(probe)
	if isBinary(probe[:n]) {
		return nil, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	var markers []Marker
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanFileSize)
	line := 0
	for scanner.Scan() && len(markers) < budget {
		line++
		if m := markerRe.FindStringSubmatch(scanner.Text()); m != nil {
			markers = append(markers, Marker{
				File: rel,
				Line: line,
				Tag:  m[1],
				Text: strings.TrimSpace(m[2]),
			})
		}
	}
	return markers, scanner.Err()
}

func isBinary(probe []byte) bool {
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}
