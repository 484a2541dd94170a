package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		values map[string]string
		want   string
	}{
		{"partial match", "{{a}}-{{b}}", map[string]string{"a": "1"}, "1-{{b}}"},
		{"all matched", "{{a}}{{b}}", map[string]string{"a": "x", "b": "y"}, "xy"},
		{"nested innermost", "{{outer {{a}} tail}}", map[string]string{"a": "1"}, "{{outer 1 tail}}"},
		{"triple brace", "{{{a}}}", map[string]string{"a": "1"}, "{1}"},
		{"double opener", "{{{{a}}", map[string]string{"a": "1"}, "{{1"},
		{"unterminated", "hello {{a", map[string]string{"a": "1"}, "hello {{a"},
		{"terminated then unterminated", "{{a}} and {{b", map[string]string{"a": "1", "b": "2"}, "1 and {{b"},
		{"no tokens", "plain text", map[string]string{"a": "1"}, "plain text"},
		{"empty text", "", map[string]string{"a": "1"}, ""},
		{"value with braces is not rescanned", "{{a}}{{b}}", map[string]string{"a": "{{b}}", "b": "2"}, "{{b}}2"},
		{"keys are case sensitive", "{{Topic}}", map[string]string{"topic": "weather"}, "{{Topic}}"},
		{"closing without opening", "a}}b{{c}}", map[string]string{"c": "!"}, "a}}b!"},
		{"adjacent", "{{a}}{{a}}{{a}}", map[string]string{"a": "z"}, "zzz"},
		{"unicode", "héllo {{name}} ✓", map[string]string{"name": "wörld"}, "héllo wörld ✓"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.text, tt.values))
		})
	}
}

func TestSubstitute_EmptyMapIsIdentity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Draw(rt, "s")
		if got := Substitute(s, map[string]string{}); got != s {
			rt.Fatalf("Substitute(%q, {}) = %q", s, got)
		}
		if got := Substitute(s, nil); got != s {
			rt.Fatalf("Substitute(%q, nil) = %q", s, got)
		}
	})
}

func TestSubstitute_UnknownKeysAreIdentity(t *testing.T) {
	// Inputs built only from braces and letters stress the nested-opener path.
	alphabet := rapid.SampledFrom([]string{"{", "}", "{{", "}}", "a", "b", " "})
	rapid.Check(t, func(rt *rapid.T) {
		parts := rapid.SliceOf(alphabet).Draw(rt, "parts")
		s := strings.Join(parts, "")
		got := Substitute(s, map[string]string{"not-present": "x"})
		if got != s {
			rt.Fatalf("Substitute(%q) = %q, want identity", s, got)
		}
	})
}

func TestSubstitute_ReplacesEveryKnownToken(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,6}`), 1, 5).Draw(rt, "keys")
		values := make(map[string]string, len(keys))
		var b strings.Builder
		var want strings.Builder
		for i, k := range keys {
			v := rapid.StringMatching(`[A-Z0-9 ]{0,8}`).Draw(rt, "v")
			if prev, ok := values[k]; ok {
				v = prev
			}
			values[k] = v
			if i > 0 {
				b.WriteString("-")
				want.WriteString("-")
			}
			b.WriteString("{{" + k + "}}")
			want.WriteString(v)
		}
		assert.Equal(rt, want.String(), Substitute(b.String(), values))
	})
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Placeholders("{{a}} x {{ignored {{b}} }} {{c}}"))
	assert.Empty(t, Placeholders("no tokens {{ unterminated"))
	assert.Empty(t, Placeholders("{{}}"))
}
