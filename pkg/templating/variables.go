package templating

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DecodeVariables parses the raw variable blob a caller supplies with a
// render request. Blank input yields nil, meaning "use the defaults".
// Anything other than a single JSON object is a KindInvalidVariables error.
func DecodeVariables(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var vars map[string]any
	if err := dec.Decode(&vars); err != nil {
		return nil, newError(KindInvalidVariables, "", fmt.Errorf("variables must be a JSON object: %w", err))
	}
	if vars == nil {
		return nil, newError(KindInvalidVariables, "", errors.New("variables must be a JSON object, got null"))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newError(KindInvalidVariables, "", errors.New("unexpected data after the variables object"))
	}
	return vars, nil
}

// DecodeVariablesJSON accepts either a JSON object or a JSON string that
// itself holds an object, which is how the HTTP API receives variables.
func DecodeVariablesJSON(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, newError(KindInvalidVariables, "", err)
		}
		return DecodeVariables(s)
	}
	return DecodeVariables(string(trimmed))
}

// ParsePairs parses the command line form "a=1,b=2" into a mapping of
// strings. Values are kept verbatim; a pair without "=" or with an empty key
// is a KindInvalidVariables error.
func ParsePairs(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	vars := make(map[string]any)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, newError(KindInvalidVariables, "", fmt.Errorf("malformed pair %q, expected key=value", pair))
		}
		vars[key] = value
	}
	return vars, nil
}
