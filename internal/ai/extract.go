package ai

import (
	"encoding/json"
	"errors"
	"strings"
)

// Extraction failures. Callers treat all of them as a non-retryable decode
// problem; the split exists for tests and log clarity.
var (
	ErrNoJSON        = errors.New("ai: no JSON structure in response")
	ErrUnterminated  = errors.New("ai: unterminated JSON structure in response")
	ErrMultipleJSON  = errors.New("ai: multiple JSON structures in response")
	ErrMalformedJSON = errors.New("ai: extracted structure is not valid JSON")
)

// ExtractJSON locates the single balanced {…} or […] structure in a model
// response and returns it verbatim. The scan is string- and escape-aware, so
// braces inside JSON strings never confuse the depth count. Prose around the
// structure (including code fences) is ignored, but a second balanced
// structure anywhere in the response is an error: a response that cannot
// commit to one answer is not trusted.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", ErrNoJSON
	}
	end := scanBalanced(s, start)
	if end == -1 {
		return "", ErrUnterminated
	}
	candidate := s[start:end]

	rest := s[end:]
	if next := strings.IndexAny(rest, "{["); next != -1 {
		if scanBalanced(rest, next) != -1 {
			return "", ErrMultipleJSON
		}
	}

	if !json.Valid([]byte(candidate)) {
		return "", ErrMalformedJSON
	}
	return candidate, nil
}

// scanBalanced walks s from the opener at start and returns the index just
// past the matching closer, or -1 when the structure never balances. A
// mismatched closer (e.g. "[}" ) also returns -1.
func scanBalanced(s string, start int) int {
	var stack []byte
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) == 0 || stack[len(stack)-1] != '{' {
				return -1
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return -1
			}
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			return i + 1
		}
	}
	return -1
}
