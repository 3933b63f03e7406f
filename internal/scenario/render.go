package scenario

import "fmt"

// StepResult is what entering a step produces for the Dialog Manager to
// act on: text and media to send, buttons to attach, and whether the
// step expects a reply before the conversation can move on.
type StepResult struct {
	StepID        string
	Text          string
	Buttons       []Button
	Media         []MediaRef
	ExpectedInput *InputSpec
	Terminal      bool

	// AutoAdvance mirrors Step.NextIsImmediate: true when this step has no
	// expected_input and the Dialog Manager should resolve its next
	// transition immediately, subject to the auto-transition loop guard
	// (spec.md §4.2, §5).
	AutoAdvance bool
}

// Render produces the StepResult for entering step, resolving a
// conditional_message's content options and substituting {{variable}}
// placeholders against collected_data. Callers must have run
// ValidateGraph on g first so every condition referenced here is
// precompiled and guaranteed syntactically valid.
func Render(g *Graph, step *Step, collectedData map[string]any) (StepResult, error) {
	res := StepResult{
		StepID:        step.ID,
		Buttons:       step.Buttons,
		Media:         step.Media,
		ExpectedInput: step.Input,
		Terminal:      step.Terminal,
		AutoAdvance:   step.Input == nil,
	}

	switch step.Type {
	case StepTypeMessage:
		res.Text = Substitute(step.Message, collectedData, g.Variables)
	case StepTypeConditionalMessage:
		text, err := g.resolveContent(step, collectedData)
		if err != nil {
			return StepResult{}, err
		}
		res.Text = Substitute(text, collectedData, g.Variables)
	case StepTypeAction:
		// Action steps carry no user-facing text; the Dialog Manager
		// invokes the registered handler and advances from its result.
	}

	return res, nil
}

// resolveContent picks the first content option whose condition is true,
// falling back to an option with no condition (the unconditional
// default), in declaration order (spec.md §4.4.2).
func (g *Graph) resolveContent(step *Step, vars map[string]any) (string, error) {
	for i, opt := range step.ContentOptions {
		if opt.If == "" {
			return opt.Text, nil
		}
		cond, err := g.compiledExpr(fmt.Sprintf("content:%s#%d", step.ID, i), opt.If)
		if err != nil {
			continue // unreachable post-ValidateGraph
		}
		if EvalExpr(cond, vars) {
			return opt.Text, nil
		}
	}
	return "", nil
}
