package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MalformedResponseError reports oracle output that could not be parsed into
// the expected shape after every documented unwrapping rule was applied.
type MalformedResponseError struct {
	Shape Shape
	Raw   string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed oracle response (expected %s): %v", e.Shape, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

func NewMalformedResponseError(shape Shape, raw string, err error) *MalformedResponseError {
	return &MalformedResponseError{Shape: shape, Raw: raw, Err: err}
}

var fenceOpeners = []string{"```json", "```python", "```sparql", "```code", "```"}

// Unwrap strips one layer of decoration from raw oracle output: a leading
// code fence of one of the documented forms with its closing fence, or a
// single layer of surrounding quotes. Exactly one layer is removed per call.
func Unwrap(raw string) string {
	s := strings.TrimSpace(raw)

	for _, opener := range fenceOpeners {
		if strings.HasPrefix(s, opener) {
			s = s[len(opener):]
			s = strings.TrimSpace(s)
			if idx := strings.LastIndex(s, "```"); idx >= 0 {
				s = s[:idx]
			}
			return strings.TrimSpace(s)
		}
	}

	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}

	return s
}

// validate checks unwrapped output against the expected shape and returns the
// unwrapped text. FreeText always passes.
func validate(raw string, shape Shape) (string, error) {
	s := Unwrap(raw)

	switch shape {
	case FreeText:
		return s, nil
	case JSONObject:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return "", NewMalformedResponseError(shape, raw, err)
		}
		return s, nil
	case JSONList:
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return "", NewMalformedResponseError(shape, raw, err)
		}
		return s, nil
	default:
		return "", NewMalformedResponseError(shape, raw, fmt.Errorf("unsupported shape %d", shape))
	}
}

// DecodeObject binds an Infer(JSONObject) response to a typed struct.
func DecodeObject[T any](raw string) (T, error) {
	var out T
	s := Unwrap(raw)
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return out, NewMalformedResponseError(JSONObject, raw, err)
	}
	return out, nil
}

// DecodeList binds an Infer(JSONList) response to a typed slice.
func DecodeList[T any](raw string) ([]T, error) {
	var out []T
	s := Unwrap(raw)
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, NewMalformedResponseError(JSONList, raw, err)
	}
	return out, nil
}

// DecodeBool interprets a free-text True/False answer.
func DecodeBool(raw string) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(Unwrap(raw)))
	s = strings.TrimSuffix(s, ".")
	switch s {
	case "true", "yes":
		return true, nil
	case "false", "no":
		return false, nil
	default:
		return false, NewMalformedResponseError(FreeText, raw, fmt.Errorf("expected True or False, got %q", raw))
	}
}
