package scenario

import (
	"fmt"
	"regexp"
)

// validInputKinds enumerates the expected_input.type values spec.md's
// Input Validator understands; anything else is a Fatal load-time error.
var validInputKinds = map[InputKind]bool{
	InputKindText:   true,
	InputKindNumber: true,
	InputKindDate:   true,
	InputKindButton: true,
	InputKindEmail:  true,
	InputKindPhone:  true,
}

// ValidateGraph checks a decoded graph for load-time correctness and
// pre-compiles every condition expression it contains, so that step
// execution never hits a compile error or pays parse cost (spec.md §7:
// a malformed scenario is rejected at activation, never surfaced mid
// conversation). registry is consulted to reject action steps naming an
// action that was never compiled into the binary; pass nil to skip that
// check (the package's own tests do; the CLI's `scenario validate`
// passes a registry holding the default actions).
func ValidateGraph(g *Graph, registry *ActionRegistry) error {
	if g.StartStepID == "" {
		return fmt.Errorf("scenario: start_step is required")
	}
	if _, ok := g.Steps[g.StartStepID]; !ok {
		return fmt.Errorf("scenario: start_step %q is not a known step", g.StartStepID)
	}

	for id, step := range g.Steps {
		if step.ID != id {
			return fmt.Errorf("scenario: step key %q does not match step id %q", id, step.ID)
		}
		if err := validateStep(g, step, registry); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(g *Graph, step *Step, registry *ActionRegistry) error {
	switch step.Type {
	case StepTypeMessage:
		if step.Message == "" && len(step.Media) == 0 {
			return fmt.Errorf("scenario: step %q: message step has neither text nor media", step.ID)
		}
	case StepTypeConditionalMessage:
		if len(step.ContentOptions) == 0 {
			return fmt.Errorf("scenario: step %q: conditional_message step has no content_options", step.ID)
		}
		sawUnconditional := false
		for i, opt := range step.ContentOptions {
			if opt.If == "" {
				sawUnconditional = true
				continue
			}
			if sawUnconditional {
				return fmt.Errorf("scenario: step %q: content_options has an entry after its unconditional default", step.ID)
			}
			if _, err := g.compiledExpr(fmt.Sprintf("content:%s#%d", step.ID, i), opt.If); err != nil {
				return fmt.Errorf("scenario: step %q: content_options[%d]: %w", step.ID, i, err)
			}
		}
	case StepTypeAction:
		if step.ActionName == "" {
			return fmt.Errorf("scenario: step %q: action step has no action", step.ID)
		}
		if registry != nil && !registry.Has(step.ActionName) {
			return fmt.Errorf("scenario: step %q: action %q is not registered", step.ID, step.ActionName)
		}
	default:
		return fmt.Errorf("scenario: step %q: unknown step type %q", step.ID, step.Type)
	}

	if step.Input != nil {
		if err := validateInputSpec(step.ID, step.Input); err != nil {
			return err
		}
	}

	if step.Terminal && len(step.Next) > 0 {
		return fmt.Errorf("scenario: step %q: terminal step declares next_step", step.ID)
	}
	if !step.Terminal && len(step.Next) == 0 {
		return fmt.Errorf("scenario: step %q: non-terminal step has no next_step", step.ID)
	}

	sawElse := false
	for i, ref := range step.Next {
		if ref.Next == "" {
			return fmt.Errorf("scenario: step %q: next_step[%d] has an empty target", step.ID, i)
		}
		if _, ok := g.Steps[ref.Next]; !ok {
			return fmt.Errorf("scenario: step %q: next_step[%d] targets unknown step %q", step.ID, i, ref.Next)
		}
		if ref.If == "" {
			sawElse = true
			continue
		}
		if sawElse {
			return fmt.Errorf("scenario: step %q: next_step has a condition after its else branch", step.ID)
		}
		if _, err := g.compiledExpr(fmt.Sprintf("next:%s#%d", step.ID, i), ref.If); err != nil {
			return fmt.Errorf("scenario: step %q: next_step[%d]: %w", step.ID, i, err)
		}
	}

	return nil
}

func validateInputSpec(stepID string, in *InputSpec) error {
	if !validInputKinds[in.Kind] {
		return fmt.Errorf("scenario: step %q: unknown expected_input.type %q", stepID, in.Kind)
	}
	if in.Variable == "" {
		return fmt.Errorf("scenario: step %q: expected_input has no variable", stepID)
	}
	if in.Kind == InputKindButton && len(in.Buttons) == 0 {
		return fmt.Errorf("scenario: step %q: expected_input type button has no buttons", stepID)
	}
	if in.MinLength != nil && in.MaxLength != nil && *in.MinLength > *in.MaxLength {
		return fmt.Errorf("scenario: step %q: expected_input min_length exceeds max_length", stepID)
	}
	if in.MinValue != nil && in.MaxValue != nil && *in.MinValue > *in.MaxValue {
		return fmt.Errorf("scenario: step %q: expected_input min_value exceeds max_value", stepID)
	}
	if in.Pattern != "" {
		if _, err := regexp.Compile(in.Pattern); err != nil {
			return fmt.Errorf("scenario: step %q: expected_input pattern: %w", stepID, err)
		}
	}
	return nil
}
