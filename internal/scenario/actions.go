package scenario

import (
	"context"
	"fmt"
)

// ActionFunc is a compiled-in action handler. It receives the dialog's
// collected_data and the step's action_params, and returns a patch to
// merge into collected_data on success. Scenarios only ever name an
// action by string; there is deliberately no mechanism to supply
// executable code at scenario load time (spec.md §4.4.5/§9) — every
// action must be registered here before the binary is built.
type ActionFunc func(ctx context.Context, collectedData, params map[string]any) (map[string]any, error)

// ActionRegistry is a fixed, compile-time set of named action handlers
// shared across all scenarios and bots.
type ActionRegistry struct {
	handlers map[string]ActionFunc
}

// NewActionRegistry returns an empty registry ready for Register calls.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionFunc)}
}

// Register adds or replaces the handler for name.
func (r *ActionRegistry) Register(name string, fn ActionFunc) {
	r.handlers[name] = fn
}

// Has reports whether name is registered, used by ValidateGraph to
// reject scenarios referencing an action that does not exist.
func (r *ActionRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Run invokes the named action. Callers should only reach here for
// graphs that have passed ValidateGraph, so an unknown name indicates a
// registry that was reconfigured after validation.
func (r *ActionRegistry) Run(ctx context.Context, name string, collectedData, params map[string]any) (map[string]any, error) {
	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("scenario: unknown action %q", name)
	}
	return fn(ctx, collectedData, params)
}
