// Package build carries the binary's identity. Version is stamped by the
// release pipeline through -ldflags.
package build

import "strings"

var (
	Version = "0.0.0"
	AppName = "Miyabi"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
