package backend

import "strings"

// NormalizeIdentity strips everything that is not an ASCII letter or digit and
// lowercases the rest. Alphabetic short codes survive, so "+250-788" and
// "250788" collapse to the same identity while "MTN" becomes "mtn".
func NormalizeIdentity(address string) string {
	var b strings.Builder
	b.Grow(len(address))
	for i := 0; i < len(address); i++ {
		c := address[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		}
	}
	return b.String()
}
