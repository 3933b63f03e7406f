package validate

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dialogengine/dialogengine/internal/scenario"
)

// phonePattern accepts a loose international phone shape: an optional
// leading +, then 7-20 characters of digits, spaces and hyphens that
// start and end with a digit (the digit count itself is not bounded). This is
// intentionally permissive — strict phone validation needs a numbering
// plan database this engine has no business owning.
var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 \-]{5,18}[0-9]$`)

// InputError reports why a raw reply failed to satisfy a step's
// expected_input, with a re-prompt message ready to send back to the
// user (spec.md §7: validation failures are recoverable, not fatal).
type InputError struct {
	Reason  string
	Message string
}

func (e *InputError) Error() string { return e.Reason }

// ValidateInput checks raw against spec and, on success, returns the
// coerced value to store under spec.Variable in collected_data (a
// float64 for number, a time.Time formatted back to RFC3339 string for
// date, the parsed bare address for email, the trimmed string otherwise).
func ValidateInput(spec *scenario.InputSpec, raw string) (any, error) {
	if spec == nil {
		return raw, nil
	}

	switch spec.Kind {
	case scenario.InputKindText:
		return validateText(spec, raw)
	case scenario.InputKindNumber:
		return validateNumber(spec, raw)
	case scenario.InputKindDate:
		return validateDate(spec, raw)
	case scenario.InputKindEmail:
		return validateEmail(spec, raw)
	case scenario.InputKindPhone:
		return validatePhone(spec, raw)
	case scenario.InputKindButton:
		return validateButton(spec, raw)
	default:
		return nil, fail(spec, fmt.Sprintf("unsupported input kind %q", spec.Kind))
	}
}

func fail(spec *scenario.InputSpec, reason string) *InputError {
	msg := spec.ErrorMessage
	if msg == "" {
		msg = "That doesn't look right, please try again."
	}
	return &InputError{Reason: reason, Message: msg}
}

func validateText(spec *scenario.InputSpec, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	if spec.MinLength != nil && len(v) < *spec.MinLength {
		return nil, fail(spec, fmt.Sprintf("text shorter than min_length %d", *spec.MinLength))
	}
	if spec.MaxLength != nil && len(v) > *spec.MaxLength {
		return nil, fail(spec, fmt.Sprintf("text longer than max_length %d", *spec.MaxLength))
	}
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fail(spec, fmt.Sprintf("invalid pattern: %v", err))
		}
		if !re.MatchString(v) {
			return nil, fail(spec, "text does not match required pattern")
		}
	}
	return v, nil
}

func validateNumber(spec *scenario.InputSpec, raw string) (any, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, fail(spec, "not a number")
	}
	if spec.MinValue != nil && n < *spec.MinValue {
		return nil, fail(spec, fmt.Sprintf("value below min_value %v", *spec.MinValue))
	}
	if spec.MaxValue != nil && n > *spec.MaxValue {
		return nil, fail(spec, fmt.Sprintf("value above max_value %v", *spec.MaxValue))
	}
	return n, nil
}

// dateLayouts are tried in order; the first to parse wins.
var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02T15:04:05"}

func validateDate(spec *scenario.InputSpec, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, fail(spec, "not a recognizable date")
}

func validateEmail(spec *scenario.InputSpec, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return nil, fail(spec, "not a valid email address")
	}
	return addr.Address, nil
}

func validatePhone(spec *scenario.InputSpec, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	if !phonePattern.MatchString(v) {
		return nil, fail(spec, "not a valid phone number")
	}
	return v, nil
}

func validateButton(spec *scenario.InputSpec, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	for _, b := range spec.Buttons {
		if b == v {
			return v, nil
		}
	}
	return nil, fail(spec, "unrecognized button value")
}
