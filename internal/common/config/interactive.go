package config

import (
	"os"
	"strconv"

	"golang.org/x/term"
)

// NonInteractive reports whether prompts must resolve to their defaults:
// the user asked for it, a CI environment is detected, or stdout is not a
// terminal.
func NonInteractive(cfg *Config) bool {
	if cfg != nil && cfg.CLI.AutoYes {
		return true
	}
	if envBool("AUTO_APPROVE") || envBool("CI") {
		return true
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

// envBool reads an environment variable as a boolean, treating "1",
// "true", "yes" and "on" as true.
func envBool(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	switch v {
	case "yes", "on", "YES", "ON":
		return true
	}
	return false
}
