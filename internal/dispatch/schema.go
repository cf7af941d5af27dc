package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/labels"
)

// outputSchemaRegistry holds registered JSON schemas for agent outputs.
type outputSchemaRegistry struct {
	mu      sync.RWMutex
	entries map[labels.AgentKind]*schemaEntry
}

type schemaEntry struct {
	schema      *jsonschema.Schema
	resolved    atomic.Pointer[jsonschema.Resolved]
	resolveOnce sync.Once
	resolveErr  error
}

var outputSchemas = &outputSchemaRegistry{
	entries: make(map[labels.AgentKind]*schemaEntry),
}

// RegisterOutputType registers a JSON schema for an agent's output.
// The schema is inferred from the Go struct type T.
// Panics if the schema cannot be inferred (e.g., cyclic types).
func RegisterOutputType[T any](kind labels.AgentKind) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("failed to infer output schema for agent %s: %v", kind, err))
	}
	outputSchemas.mu.Lock()
	defer outputSchemas.mu.Unlock()
	outputSchemas.entries[kind] = &schemaEntry{schema: schema}
}

// validateOutput validates an agent's output against the registered schema.
// Returns nil if no schema is registered. The value is round-tripped through
// JSON so the validator sees exactly what the artifact store will persist.
func validateOutput(kind labels.AgentKind, output any) error {
	outputSchemas.mu.RLock()
	entry, ok := outputSchemas.entries[kind]
	outputSchemas.mu.RUnlock()

	if !ok {
		return nil // No schema - skip validation
	}

	resolved, err := entry.getResolved()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, fmt.Sprintf("schema error for agent %s", kind))
	}

	data, err := json.Marshal(output)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, fmt.Sprintf("%s output does not encode", kind))
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, fmt.Sprintf("%s output does not decode", kind))
	}

	if err := resolved.Validate(value); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, fmt.Sprintf("invalid %s output", kind))
	}

	return nil
}

func (e *schemaEntry) getResolved() (*jsonschema.Resolved, error) {
	e.resolveOnce.Do(func() {
		resolved, err := e.schema.Resolve(&jsonschema.ResolveOptions{
			ValidateDefaults: true,
		})
		if err != nil {
			e.resolveErr = err
			return
		}
		e.resolved.Store(resolved)
	})

	if e.resolveErr != nil {
		return nil, e.resolveErr
	}
	return e.resolved.Load(), nil
}
