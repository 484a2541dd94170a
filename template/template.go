// Package template interpolates caller-supplied values into stored text.
//
// A token is a well-formed "{{key}}". Keys present in the value map are replaced,
// every other token is copied through with its braces. When a second "{{" opens
// before the first one closes, the scan moves to the inner opener, so the innermost
// complete token wins and the scanner never revisits input.
package template

import "strings"

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Substitute replaces every {{key}} whose key exists in values.
func Substitute(text string, values map[string]string) string {
	if text == "" || len(values) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	i := 0
	for i < len(text) {
		start := strings.Index(text[i:], openDelim)
		if start < 0 {
			break
		}
		start += i

		key, end, ok := innermost(text, start)
		if !ok {
			// Unterminated: nothing after this point can form a token.
			break
		}

		b.WriteString(text[i:key.openAt])
		if v, found := values[key.name]; found {
			b.WriteString(v)
		} else {
			b.WriteString(text[key.openAt:end])
		}
		i = end
	}
	b.WriteString(text[i:])
	return b.String()
}

// Placeholders lists the keys of all well-formed tokens in order of appearance.
func Placeholders(text string) []string {
	var keys []string
	i := 0
	for i < len(text) {
		start := strings.Index(text[i:], openDelim)
		if start < 0 {
			break
		}
		key, end, ok := innermost(text, start+i)
		if !ok {
			break
		}
		if key.name != "" {
			keys = append(keys, key.name)
		}
		i = end
	}
	return keys
}

type token struct {
	openAt int
	name   string
}

// innermost finds the token that starts at the last "{{" before the first "}}"
// following start. end is the index just past the closing braces.
func innermost(text string, start int) (token, int, bool) {
	closeAt := strings.Index(text[start+len(openDelim):], closeDelim)
	if closeAt < 0 {
		return token{}, 0, false
	}
	closeAt += start + len(openDelim)

	openAt := start
	for {
		next := strings.Index(text[openAt+1:closeAt], openDelim)
		if next < 0 {
			break
		}
		openAt += 1 + next
	}
	return token{openAt: openAt, name: text[openAt+len(openDelim) : closeAt]}, closeAt + len(closeDelim), true
}
