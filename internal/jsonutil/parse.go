// Package jsonutil extracts and decodes the JSON object embedded in a model
// response. Models often wrap structured output in markdown fences or add a
// sentence of prose before it.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when the text contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found")

// StripFences removes a leading ```json (or ```) line and the matching
// closing fence. Text without an opening fence is returned trimmed.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		return text
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

// ExtractObject returns the first balanced {...} span in text. Braces inside
// string literals are ignored.
func ExtractObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced braces", ErrNoJSON)
}

// ParseObject strips fences, extracts the object, and decodes it into T.
func ParseObject[T any](raw string) (T, error) {
	var zero T
	obj, err := ExtractObject(StripFences(raw))
	if err != nil {
		return zero, fmt.Errorf("%w (raw length: %d)", err, len(raw))
	}

	var out T
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		preview := obj
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return zero, fmt.Errorf("invalid JSON: %w (text: %s)", err, preview)
	}
	return out, nil
}
