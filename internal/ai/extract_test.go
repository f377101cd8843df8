package ai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"bare array", `[1,2,3]`, `[1,2,3]`},
		{"leading prose", `Here is the plan: {"a":1}`, `{"a":1}`},
		{"trailing prose", `{"a":1} — done.`, `{"a":1}`},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"brace inside string", `{"text":"use } carefully"}`, `{"text":"use } carefully"}`},
		{"bracket inside string", `{"text":"a ] b [ c"}`, `{"text":"a ] b [ c"}`},
		{"escaped quote inside string", `{"text":"she said \"}\" loudly"}`, `{"text":"she said \"}\" loudly"}`},
		{"nested mixed", `{"tasks":[{"name":"x","deps":["y"]}]}`, `{"tasks":[{"name":"x","deps":["y"]}]}`},
		{"unbalanced trailing opener is prose", `{"a":1} and then { nothing`, `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestExtractJSONErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "", ErrNoJSON},
		{"prose only", "no structure here", ErrNoJSON},
		{"unterminated object", `{"a":1`, ErrUnterminated},
		{"unterminated string", `{"a":"unclosed`, ErrUnterminated},
		{"mismatched closer", `[}`, ErrUnterminated},
		{"two objects", `{"a":1} {"b":2}`, ErrMultipleJSON},
		{"object then array", `{"a":1} and also [2]`, ErrMultipleJSON},
		{"balanced but invalid", `{invalid}`, ErrMalformedJSON},
		{"bare braces", `{,}`, ErrMalformedJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractJSON(tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

// stripBrackets makes arbitrary text safe to use as surrounding prose.
func stripBrackets(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '{', '}', '[', ']':
			return -1
		}
		return r
	}, s)
}

// genStructure draws a JSON-marshalable object or array.
func genStructure(t *rapid.T) []byte {
	var gen func(depth int) any
	gen = func(depth int) any {
		if depth <= 0 {
			switch rapid.IntRange(0, 2).Draw(t, "leaf") {
			case 0:
				return rapid.String().Draw(t, "str")
			case 1:
				return rapid.Int().Draw(t, "int")
			default:
				return rapid.Bool().Draw(t, "bool")
			}
		}
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			n := rapid.IntRange(0, 4).Draw(t, "fields")
			m := map[string]any{}
			for i := 0; i < n; i++ {
				m[rapid.String().Draw(t, "key")] = gen(depth - 1)
			}
			return m
		case 1:
			n := rapid.IntRange(0, 3).Draw(t, "len")
			l := make([]any, n)
			for i := range l {
				l[i] = gen(depth - 1)
			}
			return l
		default:
			return map[string]any{"v": gen(depth - 1)}
		}
	}

	var top any
	if rapid.Bool().Draw(t, "topIsObject") {
		top = map[string]any{"body": gen(2)}
	} else {
		top = []any{gen(2)}
	}
	raw, err := json.Marshal(top)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestExtractJSONPropertyRecoversStructure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		structure := genStructure(t)
		prefix := stripBrackets(rapid.String().Draw(t, "prefix"))
		suffix := stripBrackets(rapid.String().Draw(t, "suffix"))

		got, err := ExtractJSON(prefix + string(structure) + suffix)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if got != string(structure) {
			t.Fatalf("got %q want %q", got, structure)
		}
	})
}

func TestExtractJSONPropertyRejectsSecondStructure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		first := genStructure(t)
		second := genStructure(t)
		middle := stripBrackets(rapid.String().Draw(t, "middle"))

		_, err := ExtractJSON(string(first) + middle + " " + string(second))
		if err == nil {
			t.Fatalf("two structures accepted")
		}
	})
}
