package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactFields redacts each string in place and reports whether any changed.
func RedactFields(fields ...*string) bool {
	changed := false
	for _, f := range fields {
		if f == nil {
			continue
		}
		out, c := RedactPII(*f)
		if c {
			*f = out
			changed = true
		}
	}
	return changed
}

// RedactValue walks decoded JSON (maps, slices, strings) and redacts every string leaf.
func RedactValue(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return RedactPII(t)
	case []string:
		out := make([]string, len(t))
		changed := false
		for i, s := range t {
			r, c := RedactPII(s)
			out[i] = r
			changed = changed || c
		}
		return out, changed
	case []any:
		out := make([]any, len(t))
		changed := false
		for i, item := range t {
			r, c := RedactValue(item)
			out[i] = r
			changed = changed || c
		}
		return out, changed
	case map[string]any:
		out := make(map[string]any, len(t))
		changed := false
		for k, item := range t {
			r, c := RedactValue(item)
			out[k] = r
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}
