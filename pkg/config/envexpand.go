package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands {{.VAR_NAME}} references in YAML content with values
// from the process environment. The template syntax leaves literal $ alone,
// which system prompts and URLs frequently contain:
//
//   - {{.OPENAI_API_KEY}} → value of OPENAI_API_KEY
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port
//   - "costs $5" → preserved literally
//
// Missing variables expand to the empty string. Content that is not a valid
// template is returned unchanged so the YAML parser reports the real error.
func ExpandEnv(data []byte) []byte {
	return expandWith(data, os.Environ())
}

func expandWith(data []byte, environ []string) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return data
	}
	return buf.Bytes()
}
