package validate

import (
	"testing"

	"github.com/dialogengine/dialogengine/internal/scenario"
)

func TestValidateInput_Text(t *testing.T) {
	min := 2
	max := 10
	spec := &scenario.InputSpec{Kind: scenario.InputKindText, Variable: "name", MinLength: &min, MaxLength: &max}

	if _, err := ValidateInput(spec, "a"); err == nil {
		t.Fatalf("expected error for text shorter than min_length")
	}
	if _, err := ValidateInput(spec, "way too long for this field"); err == nil {
		t.Fatalf("expected error for text longer than max_length")
	}
	v, err := ValidateInput(spec, "  ada  ")
	if err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	if v != "ada" {
		t.Fatalf("expected trimmed value, got %q", v)
	}
}

func TestValidateInput_TextLengthBoundary(t *testing.T) {
	max := 5
	spec := &scenario.InputSpec{Kind: scenario.InputKindText, Variable: "code", MaxLength: &max}

	if _, err := ValidateInput(spec, "12345"); err != nil {
		t.Fatalf("input of exactly max_length must be accepted: %v", err)
	}
	if _, err := ValidateInput(spec, "123456"); err == nil {
		t.Fatalf("input of max_length+1 must be rejected")
	}
}

func TestValidateInput_Date(t *testing.T) {
	spec := &scenario.InputSpec{Kind: scenario.InputKindDate, Variable: "visit"}

	if _, err := ValidateInput(spec, "next tuesday"); err == nil {
		t.Fatalf("expected error for unparseable date")
	}
	v, err := ValidateInput(spec, "2024-06-01")
	if err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	if v != "2024-06-01T00:00:00Z" {
		t.Fatalf("expected RFC3339-normalized date, got %v", v)
	}
}

func TestValidateInput_Number(t *testing.T) {
	min := 0.0
	max := 120.0
	spec := &scenario.InputSpec{Kind: scenario.InputKindNumber, Variable: "age", MinValue: &min, MaxValue: &max}

	if _, err := ValidateInput(spec, "not a number"); err == nil {
		t.Fatalf("expected error for non-numeric input")
	}
	if _, err := ValidateInput(spec, "200"); err == nil {
		t.Fatalf("expected error for value above max_value")
	}
	v, err := ValidateInput(spec, "42")
	if err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	if v != 42.0 {
		t.Fatalf("expected 42.0, got %v", v)
	}
}

func TestValidateInput_Button(t *testing.T) {
	spec := &scenario.InputSpec{Kind: scenario.InputKindButton, Variable: "choice", Buttons: []string{"yes", "no"}}

	if _, err := ValidateInput(spec, "maybe"); err == nil {
		t.Fatalf("expected error for a value outside the button set")
	}
	v, err := ValidateInput(spec, "yes")
	if err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	if v != "yes" {
		t.Fatalf("expected yes, got %v", v)
	}
}

func TestValidateInput_Email(t *testing.T) {
	spec := &scenario.InputSpec{Kind: scenario.InputKindEmail, Variable: "email"}

	if _, err := ValidateInput(spec, "not-an-email"); err == nil {
		t.Fatalf("expected error for invalid email")
	}
	v, err := ValidateInput(spec, "ada@example.com")
	if err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	if v != "ada@example.com" {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestValidateInput_Phone(t *testing.T) {
	spec := &scenario.InputSpec{Kind: scenario.InputKindPhone, Variable: "phone"}

	if _, err := ValidateInput(spec, "abc"); err == nil {
		t.Fatalf("expected error for non-phone input")
	}
	if _, err := ValidateInput(spec, "+1 415-555-0132"); err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
}

func TestValidateInput_ErrorMessageFallsBackToDefault(t *testing.T) {
	spec := &scenario.InputSpec{Kind: scenario.InputKindNumber, Variable: "age"}
	_, err := ValidateInput(spec, "nope")
	ierr, ok := err.(*InputError)
	if !ok {
		t.Fatalf("expected *InputError, got %T", err)
	}
	if ierr.Message == "" {
		t.Fatalf("expected a non-empty default re-prompt message")
	}
}
