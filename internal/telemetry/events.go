// Package telemetry is the observability spine of the coordinator: an
// append-only event stream with pluggable sinks (journal, redis, alerts),
// rolling aggregates, resource monitoring, a Prometheus collector, and a
// small read-only HTTP surface. Emission never blocks the core; when the
// stream falls behind, the oldest events are dropped and counted.
package telemetry

import (
	"time"
)

// Kind names one event type on the stream.
type Kind string

const (
	KindSchedulerState  Kind = "scheduler.state"
	KindGroupStart      Kind = "group.start"
	KindGroupComplete   Kind = "group.complete"
	KindGroupFail       Kind = "group.fail"
	KindGroupRetry      Kind = "group.retry"
	KindGroupSkip       Kind = "group.skip"
	KindSessionTimeout  Kind = "session.timeout"
	KindAgentInvoke     Kind = "agent.invoke"
	KindAgentResult     Kind = "agent.result"
	KindArtifactSave    Kind = "artifact.save"
	KindRateLimit       Kind = "platform.ratelimit"
	KindDecision        Kind = "supervisor.decision"
	KindSupervisorCycle Kind = "supervisor.cycle"
	KindAlert           Kind = "alert.fired"
)

// Event is one record on the stream.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	Component string         `json:"component"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter accepts events. Implementations must never block the caller.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ev Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Nop is an Emitter that discards everything. Components treat a nil
// emitter and Nop the same way; Nop exists so callers can avoid nil checks.
var Nop Emitter = EmitterFunc(func(Event) {})

// NewEvent builds an event stamped with the current time.
func NewEvent(component string, kind Kind, payload map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Component: component,
		Kind:      kind,
		Payload:   payload,
	}
}
