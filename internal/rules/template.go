package rules

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMissingPlaceholder = errors.New("missing template variable")

// Render substitutes {name} placeholders from vars. "{{" and "}}" produce
// literal braces. A placeholder with no value in vars, or an unbalanced
// brace, is an error and the caller decides what to send instead.
func Render(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed '{' at offset %d", i)
			}
			name := tmpl[i+1 : i+1+end]
			// Format specs and conversions ({name:>10}, {name!r}) are not
			// supported; only the field name is looked up.
			if j := strings.IndexAny(name, ":!"); j >= 0 {
				name = name[:j]
			}
			v, ok := vars[strings.TrimSpace(name)]
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrMissingPlaceholder, name)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
