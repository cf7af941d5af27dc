package stringutil

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// FormatDuration renders a duration for human output, keeping at most two
// units: "500ms", "1.5s", "2m 30s", "1h 30m", "2d 4h". Negative durations
// keep their sign. Supervisor runs routinely span hours, so the coarse
// units matter more than sub-millisecond precision.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	if d < 0 {
		return "-" + FormatDuration(-d)
	}

	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < day:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d/day), int(d.Hours())%24)
	}
}
