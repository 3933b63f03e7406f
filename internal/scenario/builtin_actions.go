package scenario

import (
	"context"
	"fmt"
)

// RegisterDefaults installs the built-in action handlers a freshly-built
// binary ships with, e.g. spec.md §3's `register_with_hr` example. Products
// embedding this engine are expected to call Register for their own
// domain-specific actions alongside (or instead of) these.
func RegisterDefaults(r *ActionRegistry) {
	r.Register("register_with_hr", registerWithHR)
	r.Register("log_event", logEvent)
}

// registerWithHR is a stand-in for the spec's named example action: a
// real deployment would call out to an HR system here. This placeholder
// just echoes its params back as a patch so scenarios exercising the
// action step type have somewhere concrete to land.
func registerWithHR(_ context.Context, _, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("register_with_hr: missing required param %q", "name")
	}
	return map[string]any{"hr_registration_status": "submitted"}, nil
}

// logEvent is a no-op action useful for scenarios that want a system
// history breadcrumb without collecting any new data.
func logEvent(_ context.Context, _, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}
