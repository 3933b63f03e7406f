package scenario

import (
	"fmt"
	"strings"
)

// escapeMarker is a placeholder substring unlikely to appear in rendered
// text, used to protect "{{{{" literal braces during a single substitution
// pass without a second parse.
const escapeMarker = "\x00DIALOGENGINE_BRACE\x00"

// Substitute replaces {{name}} placeholders in message with the string
// form of vars[name]. A literal "{{" is written by escaping it as "{{{{"
// in the scenario text. A variable absent from vars (or present but
// empty) resolves to its declared default in variables[name].Default if
// declared, else the empty string (spec.md §4.4.1).
func Substitute(message string, vars map[string]any, variables map[string]VarMeta) string {
	protected := strings.ReplaceAll(message, "{{{{", escapeMarker)

	var b strings.Builder
	b.Grow(len(protected))

	for {
		start := strings.Index(protected, "{{")
		if start < 0 {
			b.WriteString(protected)
			break
		}
		end := strings.Index(protected[start:], "}}")
		if end < 0 {
			b.WriteString(protected)
			break
		}
		end += start

		b.WriteString(protected[:start])
		name := strings.TrimSpace(protected[start+2 : end])
		if v, ok := vars[name]; ok && !isEmptyValue(v) {
			b.WriteString(stringify(v))
		} else if meta, ok := variables[name]; ok {
			b.WriteString(meta.Default)
		}
		protected = protected[end+2:]
	}

	return strings.ReplaceAll(b.String(), escapeMarker, "{{")
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
