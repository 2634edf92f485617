package masking

import (
	"bytes"
	"encoding/json"
	"strings"
)

// JSONFieldMaskerName references JSONFieldMasker from pattern groups.
const JSONFieldMaskerName = "json_secret_fields"

// MaskedFieldValue replaces the value of a sensitive JSON field.
const MaskedFieldValue = "__MASKED__"

// sensitiveKeyParts match a normalized key (lowercase, no '_' or '-').
var sensitiveKeyParts = []string{
	"password", "passwd", "secret", "token", "apikey", "accesskey",
	"privatekey", "authorization", "credential", "cookie",
}

// JSONFieldMasker masks the string values of sensitive-looking keys at any
// depth of a JSON document. Numbers, booleans and nested objects under such
// keys are walked, not replaced, so "max_tokens": 512 survives.
type JSONFieldMasker struct{}

func (m *JSONFieldMasker) Name() string { return JSONFieldMaskerName }

func (m *JSONFieldMasker) AppliesTo(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	// Keys like "api_key" only match once separators are dropped.
	return strings.Contains(lower, "key")
}

func (m *JSONFieldMasker) Mask(content string) string {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return content
	}
	if dec.More() {
		// Trailing data: not a single JSON document.
		return content
	}
	if !maskValue(doc) {
		return content
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return content
	}
	out := strings.TrimRight(buf.String(), "\n")
	if strings.HasSuffix(content, "\n") {
		out += "\n"
	}
	return out
}

// maskValue masks v in place and reports whether anything changed.
func maskValue(v any) bool {
	changed := false
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok {
				if isSensitiveKey(k) && s != "" && s != MaskedFieldValue {
					t[k] = MaskedFieldValue
					changed = true
				}
				continue
			}
			if maskValue(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range t {
			if maskValue(child) {
				changed = true
			}
		}
	}
	return changed
}

func isSensitiveKey(key string) bool {
	normalized := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(normalized, part) {
			return true
		}
	}
	return false
}
