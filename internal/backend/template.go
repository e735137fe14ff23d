package backend

import (
	"fmt"
	"net/url"
	"strings"
)

// Expand substitutes %(name)s placeholders in tmpl with the quote_plus encoded
// value of params[name]. "%%" yields a literal percent sign. Values are never
// re-scanned, so placeholder syntax inside message text is inert.
func Expand(tmpl string, params map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tmpl) + 64)

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c != '%' || i+1 >= len(tmpl) {
			b.WriteByte(c)
			i++
			continue
		}

		switch tmpl[i+1] {
		case '%':
			b.WriteByte('%')
			i += 2
		case '(':
			end := strings.IndexByte(tmpl[i+2:], ')')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder at offset %d in router url", i)
			}
			name := tmpl[i+2 : i+2+end]
			next := i + 2 + end + 1
			if next >= len(tmpl) || (tmpl[next] != 's' && tmpl[next] != 'd') {
				return "", fmt.Errorf("placeholder %q must end with 's' or 'd'", name)
			}
			value, ok := params[name]
			if !ok {
				return "", fmt.Errorf("router url references unknown parameter %q", name)
			}
			b.WriteString(QuotePlus(value))
			i = next + 1
		default:
			// not a placeholder, keep the percent sign as written
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// QuotePlus encodes s the way gateways configured for the router expect:
// letters, digits and "_.-" pass through, spaces become "+", everything else
// (including "~" and "/") is percent encoded from its UTF-8 bytes.
func QuotePlus(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "~", "%7E")
}
