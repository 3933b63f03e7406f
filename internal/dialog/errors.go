// Package dialog implements the Dialog Manager: the orchestrator that ties
// the Platform Adapter, Input Validator, Scenario Processor, Media Manager,
// and State Repository into spec.md §4.6's event pipeline.
package dialog

import "fmt"

// Kind classifies an outcome of the event pipeline, mirroring the teacher's
// ErrorClass/ClassifyError taxonomy (internal/engine/errors.go) but fixed to
// spec.md §7's table rather than string-matched provider errors.
type Kind string

const (
	KindDuplicateClick     Kind = "duplicate_click"
	KindRateLimited        Kind = "rate_limited"
	KindInvalidInput       Kind = "invalid_input"
	KindInvalidButton      Kind = "invalid_button"
	KindTransient          Kind = "transient"
	KindConflict           Kind = "conflict"
	KindUnauthorized       Kind = "unauthorized"
	KindAutoTransitionLoop Kind = "auto_transition_loop"
	KindConditionError     Kind = "condition_error"
	KindSubstitutionError  Kind = "substitution_error"
	KindFatal              Kind = "fatal"
	KindTimeout            Kind = "timeout"
	KindBusy               Kind = "busy"
)

// EngineError wraps a pipeline failure with the Kind a caller (the intake
// handler, a test, the CLI) branches on, and an optional Message meant to be
// re-prompted to the end user (set only for InvalidInput/InvalidButton).
type EngineError struct {
	Kind    Kind
	Op      string
	Err     error
	Message string
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dialog: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("dialog: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newEngineError(kind Kind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// faultStepID is the sentinel current_step_id a dialog is moved to on a
// Fatal error (unknown step id, unknown action handler); only /reset can
// escape it, per spec.md §4.6/§7.
const faultStepID = "__fault__"
