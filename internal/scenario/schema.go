package scenario

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// wireSchemaJSON describes the scenario wire format's shape (spec.md §6)
// at the structural level: required top-level fields, the step-type enum,
// and the required fields of nested objects (message text, button
// text/value, expected_input type/variable, condition if/then). Which
// fields a given step type needs (a message step's message, an action
// step's action) is checked by Decode, not here. It catches malformed scenario files with
// a field-pointer error message before Decode's hand-written walk ever
// runs, and before ValidateGraph's semantic checks (dangling next_step
// targets, unregistered actions) get a chance to run against a
// structurally broken graph.
const wireSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["start_step", "steps"],
	"properties": {
		"version": {"type": "string"},
		"start_step": {"type": "string", "minLength": 1},
		"variables": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"type": {"type": "string"}
				}
			}
		},
		"steps": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"enum": ["message", "conditional_message", "action"]},
					"message": {
						"type": "object",
						"required": ["text"],
						"properties": {"text": {"type": "string"}}
					},
					"content_options": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["text"],
							"properties": {
								"if": {"type": "string"},
								"text": {"type": "string"}
							}
						}
					},
					"buttons": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["text", "value"],
							"properties": {
								"text": {"type": "string"},
								"value": {"type": "string"}
							}
						}
					},
					"media": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["type"],
							"properties": {
								"type": {"type": "string"},
								"description": {"type": "string"},
								"file_id": {"type": "string"},
								"file_ids": {"type": "array", "items": {"type": "string"}}
							}
						}
					},
					"expected_input": {
						"type": "object",
						"required": ["type", "variable"],
						"properties": {
							"type": {"type": "string"},
							"variable": {"type": "string", "minLength": 1}
						}
					},
					"next_step": {
						"oneOf": [
							{"type": "string", "minLength": 1},
							{
								"type": "object",
								"properties": {
									"conditions": {
										"type": "array",
										"items": {
											"type": "object",
											"required": ["if", "then"],
											"properties": {
												"if": {"type": "string"},
												"then": {"type": "string"}
											}
										}
									},
									"else": {"type": "string"}
								}
							}
						]
					},
					"action": {"type": "string"},
					"action_params": {"type": "object"},
					"terminal": {"type": "boolean"}
				}
			}
		}
	}
}`

var (
	wireSchemaOnce sync.Once
	wireSchema     *jsonschema.Schema
	wireSchemaErr  error
)

func compiledWireSchema() (*jsonschema.Schema, error) {
	wireSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(wireSchemaJSON))
		if err != nil {
			wireSchemaErr = fmt.Errorf("scenario: unmarshal wire schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("scenario-wire.json", doc); err != nil {
			wireSchemaErr = fmt.Errorf("scenario: add wire schema resource: %w", err)
			return
		}
		wireSchema, wireSchemaErr = c.Compile("scenario-wire.json")
	})
	return wireSchema, wireSchemaErr
}

// validateWireShape checks raw scenario JSON against wireSchemaJSON before
// Decode attempts to interpret it, so a malformed file reports something
// like "/steps/ask_name/expected_input: missing property 'variable'"
// instead of a less specific decode error or, worse, a silently
// zero-valued field.
func validateWireShape(data []byte) error {
	schema, err := compiledWireSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("scenario: invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("scenario: schema validation failed: %w", err)
	}
	return nil
}
