package scenario

import (
	"encoding/json"
	"fmt"
)

// Decode and Encode translate between the scenario JSON wire format
// (object-keyed steps, a tagged step union, structured next_step
// conditions) and the flattened internal Graph used by ResolveNext and
// the renderer. The two shapes differ in layout only: round-tripping a
// graph through Encode then Decode yields an identical evaluated graph,
// though key order and step representation may differ.

type wireGraph struct {
	Version     string                  `json:"version"`
	StartStep   string                  `json:"start_step"`
	Variables   map[string]wireVarMeta  `json:"variables,omitempty"`
	Steps       map[string]wireStep     `json:"steps"`
}

type wireVarMeta struct {
	Type    string `json:"type,omitempty"`
	Default any    `json:"default,omitempty"`
}

type wireStep struct {
	Type           string            `json:"type"`
	Message        *wireMessage      `json:"message,omitempty"`
	ContentOptions []wireContentOpt  `json:"content_options,omitempty"`
	Buttons        []wireButton      `json:"buttons,omitempty"`
	Media          []wireMedia       `json:"media,omitempty"`
	ExpectedInput  *wireInputSpec    `json:"expected_input,omitempty"`
	NextStep       *wireNextStep     `json:"next_step,omitempty"`
	Action         string            `json:"action,omitempty"`
	ActionParams   map[string]any    `json:"action_params,omitempty"`
	Terminal       bool              `json:"terminal,omitempty"`
}

type wireMessage struct {
	Text string `json:"text"`
}

type wireContentOpt struct {
	If   string `json:"if,omitempty"`
	Text string `json:"text"`
}

type wireButton struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

type wireMedia struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	FileID      string   `json:"file_id,omitempty"`
	FileIDs     []string `json:"file_ids,omitempty"`
}

type wireInputSpec struct {
	Type         string   `json:"type"`
	Variable     string   `json:"variable"`
	MinLength    *int     `json:"min_length,omitempty"`
	MaxLength    *int     `json:"max_length,omitempty"`
	Pattern      string   `json:"pattern,omitempty"`
	MinValue     *float64 `json:"min_value,omitempty"`
	MaxValue     *float64 `json:"max_value,omitempty"`
	Buttons      []string `json:"buttons,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// wireNextStep accepts both spec forms of next_step: a literal step id
// string, or {"conditions": [...], "else": ...}. The literal form is
// stored as a bare Else.
type wireNextStep struct {
	Conditions []wireCondition `json:"conditions,omitempty"`
	Else       string          `json:"else,omitempty"`
}

func (n *wireNextStep) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &n.Else)
	}
	type plain wireNextStep
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*n = wireNextStep(p)
	return nil
}

func (n wireNextStep) MarshalJSON() ([]byte, error) {
	if len(n.Conditions) == 0 && n.Else != "" {
		return json.Marshal(n.Else)
	}
	type plain wireNextStep
	return json.Marshal(plain(n))
}

type wireCondition struct {
	If   string `json:"if"`
	Then string `json:"then"`
}

// Decode parses a scenario JSON document (spec.md §6) into a Graph.
// It does not compile condition expressions or verify next_step targets
// exist — that is ValidateGraph's job, run once at scenario activation.
func Decode(data []byte) (*Graph, error) {
	if err := validateWireShape(data); err != nil {
		return nil, err
	}

	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if w.StartStep == "" {
		return nil, fmt.Errorf("scenario: decode: missing start_step")
	}
	if len(w.Steps) == 0 {
		return nil, fmt.Errorf("scenario: decode: no steps")
	}

	g := &Graph{
		StartStepID: w.StartStep,
		Steps:       make(map[string]*Step, len(w.Steps)),
		Variables:   make(map[string]VarMeta, len(w.Variables)),
	}

	for name, vm := range w.Variables {
		g.Variables[name] = VarMeta{Type: vm.Type, Default: stringify(vm.Default)}
	}

	for id, ws := range w.Steps {
		step, err := decodeStep(id, ws)
		if err != nil {
			return nil, err
		}
		g.Steps[id] = step
	}

	return g, nil
}

func decodeStep(id string, ws wireStep) (*Step, error) {
	step := &Step{
		ID:           id,
		Type:         StepType(ws.Type),
		Buttons:      make([]Button, 0, len(ws.Buttons)),
		ActionName:   ws.Action,
		ActionParams: ws.ActionParams,
		Terminal:     ws.Terminal,
	}

	switch step.Type {
	case StepTypeMessage:
		if ws.Message == nil {
			return nil, fmt.Errorf("scenario: step %q: message step missing message", id)
		}
		step.Message = ws.Message.Text
	case StepTypeConditionalMessage:
		for _, co := range ws.ContentOptions {
			step.ContentOptions = append(step.ContentOptions, ContentOption{If: co.If, Text: co.Text})
		}
	case StepTypeAction:
		if step.ActionName == "" {
			return nil, fmt.Errorf("scenario: step %q: action step missing action", id)
		}
	default:
		return nil, fmt.Errorf("scenario: step %q: unknown step type %q", id, ws.Type)
	}

	for _, b := range ws.Buttons {
		step.Buttons = append(step.Buttons, Button{Text: b.Text, Value: b.Value})
	}
	for _, m := range ws.Media {
		step.Media = append(step.Media, MediaRef{
			Type:        m.Type,
			Description: m.Description,
			FileID:      m.FileID,
			FileIDs:     m.FileIDs,
		})
	}
	if ws.ExpectedInput != nil {
		step.Input = &InputSpec{
			Kind:         InputKind(ws.ExpectedInput.Type),
			Variable:     ws.ExpectedInput.Variable,
			MinLength:    ws.ExpectedInput.MinLength,
			MaxLength:    ws.ExpectedInput.MaxLength,
			Pattern:      ws.ExpectedInput.Pattern,
			MinValue:     ws.ExpectedInput.MinValue,
			MaxValue:     ws.ExpectedInput.MaxValue,
			Buttons:      ws.ExpectedInput.Buttons,
			ErrorMessage: ws.ExpectedInput.ErrorMessage,
		}
	}
	if ws.NextStep != nil {
		for _, c := range ws.NextStep.Conditions {
			step.Next = append(step.Next, NextRef{If: c.If, Next: c.Then})
		}
		if ws.NextStep.Else != "" {
			step.Next = append(step.Next, NextRef{Next: ws.NextStep.Else})
		}
	}

	return step, nil
}

// NextIsImmediate reports whether a step has no expected_input and so
// should advance as soon as it is entered, subject to the Dialog
// Manager's auto-transition guard. The step type plays no part: any step,
// action steps included, is immediate exactly when it declares no
// expected_input.
func (s *Step) NextIsImmediate() bool { return s.Input == nil }

// Encode serializes a Graph back to scenario JSON. The result is
// semantically equivalent to whatever was Decoded (same evaluated
// graph) but is not guaranteed byte-identical: key order and an
// else-branch folded from a trailing unconditional NextRef may differ.
func Encode(g *Graph) ([]byte, error) {
	w := wireGraph{
		Version:   "1.0",
		StartStep: g.StartStepID,
		Steps:     make(map[string]wireStep, len(g.Steps)),
	}
	if len(g.Variables) > 0 {
		w.Variables = make(map[string]wireVarMeta, len(g.Variables))
		for name, vm := range g.Variables {
			w.Variables[name] = wireVarMeta{Type: vm.Type, Default: vm.Default}
		}
	}

	for id, step := range g.Steps {
		w.Steps[id] = encodeStep(step)
	}

	return json.MarshalIndent(w, "", "  ")
}

func encodeStep(step *Step) wireStep {
	ws := wireStep{
		Type:         string(step.Type),
		Action:       step.ActionName,
		ActionParams: step.ActionParams,
		Terminal:     step.Terminal,
	}

	switch step.Type {
	case StepTypeMessage:
		ws.Message = &wireMessage{Text: step.Message}
	case StepTypeConditionalMessage:
		for _, co := range step.ContentOptions {
			ws.ContentOptions = append(ws.ContentOptions, wireContentOpt{If: co.If, Text: co.Text})
		}
	}

	for _, b := range step.Buttons {
		ws.Buttons = append(ws.Buttons, wireButton{Text: b.Text, Value: b.Value})
	}
	for _, m := range step.Media {
		ws.Media = append(ws.Media, wireMedia{
			Type:        m.Type,
			Description: m.Description,
			FileID:      m.FileID,
			FileIDs:     m.FileIDs,
		})
	}
	if step.Input != nil {
		ws.ExpectedInput = &wireInputSpec{
			Type:         string(step.Input.Kind),
			Variable:     step.Input.Variable,
			MinLength:    step.Input.MinLength,
			MaxLength:    step.Input.MaxLength,
			Pattern:      step.Input.Pattern,
			MinValue:     step.Input.MinValue,
			MaxValue:     step.Input.MaxValue,
			Buttons:      step.Input.Buttons,
			ErrorMessage: step.Input.ErrorMessage,
		}
	}

	if len(step.Next) > 0 {
		ns := &wireNextStep{}
		for _, ref := range step.Next {
			if ref.If == "" {
				ns.Else = ref.Next
				break // an unconditional NextRef is always last (ValidateGraph enforces this)
			}
			ns.Conditions = append(ns.Conditions, wireCondition{If: ref.If, Then: ref.Next})
		}
		ws.NextStep = ns
	}

	return ws
}
