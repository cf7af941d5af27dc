package stringutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/miyabi-org/miyabi/internal/common/stringutil"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "0s"},
		{"sub-millisecond floors", 999 * time.Microsecond, "0ms"},
		{"milliseconds", 500 * time.Millisecond, "500ms"},
		{"seconds one decimal", 1500 * time.Millisecond, "1.5s"},
		{"whole second", time.Second, "1.0s"},
		{"minute boundary", time.Minute, "1m 0s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m 30s"},
		{"just under an hour", 59*time.Minute + 59*time.Second, "59m 59s"},
		{"hour boundary", time.Hour, "1h 0m"},
		{"hours and minutes", 90 * time.Minute, "1h 30m"},
		{"day boundary", 24 * time.Hour, "1d 0h"},
		{"days and hours", 52 * time.Hour, "2d 4h"},
		{"negative keeps sign", -(2*time.Minute + 30*time.Second), "-2m 30s"},
		{"negative milliseconds", -500 * time.Millisecond, "-500ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, stringutil.FormatDuration(tt.d))
		})
	}
}
