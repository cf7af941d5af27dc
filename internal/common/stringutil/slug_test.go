package stringutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/miyabi-org/miyabi/internal/common/stringutil"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{name: "simple", in: "Fix login bug", maxLen: 0, want: "fix-login-bug"},
		{name: "punctuation collapses", in: "auth: token refresh fails!", maxLen: 0, want: "auth-token-refresh-fails"},
		{name: "unicode dropped", in: "日本語 title here", maxLen: 0, want: "title-here"},
		{name: "cap breaks at word", in: "one two three", maxLen: 9, want: "one-two"},
		{name: "digits survive", in: "issue 42 redux", maxLen: 0, want: "issue-42-redux"},
		{name: "empty", in: "", maxLen: 10, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, stringutil.Slugify(tc.in, tc.maxLen))
		})
	}
}
