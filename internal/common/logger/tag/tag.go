// Package tag provides slog attribute constructors with standardized keys.
// Use these instead of raw strings so log output stays consistent across the
// codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error is the standard attribute for error values.
func Error(err error) slog.Attr {
	return slog.Any("err", err)
}

// Issue identifies a work item by number.
func Issue(number int) slog.Attr {
	return slog.Int("issue", number)
}

// Repo identifies a repository as owner/name.
func Repo(owner, name string) slog.Attr {
	return slog.String("repo", owner+"/"+name)
}

// Agent identifies an agent kind.
func Agent(kind string) slog.Attr {
	return slog.String("agent", kind)
}

// Group identifies a task group.
func Group(id string) slog.Attr {
	return slog.String("group", id)
}

// Session identifies a session.
func Session(id string) slog.Attr {
	return slog.String("session", id)
}

// Task identifies a task inside a group.
func Task(id string) slog.Attr {
	return slog.String("task", id)
}

// State identifies a lifecycle state value.
func State(s string) slog.Attr {
	return slog.String("state", s)
}

// Status identifies an execution status value.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Kind identifies an artifact or event kind.
func Kind(k string) slog.Attr {
	return slog.String("kind", k)
}

// Path is for generic filesystem paths (prefer File or Dir when specific).
func Path(p string) slog.Attr {
	return slog.String("path", p)
}

// File is for file paths.
func File(p string) slog.Attr {
	return slog.String("file", p)
}

// Dir is for directory paths.
func Dir(p string) slog.Attr {
	return slog.String("dir", p)
}

// Branch identifies a VCS branch.
func Branch(b string) slog.Attr {
	return slog.String("branch", b)
}

// Duration records an elapsed time.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Attempt records a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Count is a generic cardinality attribute.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Priority records a scheduling priority.
func Priority(p int) slog.Attr {
	return slog.Int("priority", p)
}

// URL records a platform URL.
func URL(u string) slog.Attr {
	return slog.String("url", u)
}

// Component identifies the emitting component.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Reason records a human-readable cause.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Name is a generic name attribute for sinks, notifiers and rules.
func Name(n string) slog.Attr {
	return slog.String("name", n)
}

// Address records a network listen or dial address.
func Address(a string) slog.Attr {
	return slog.String("address", a)
}
