package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestExpandWith(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		environ []string
		want    string
	}{
		{
			name:    "simple substitution",
			input:   "api_key_env: {{.KEY_VAR}}",
			environ: []string{"KEY_VAR=OPENAI_API_KEY"},
			want:    "api_key_env: OPENAI_API_KEY",
		},
		{
			name:    "shell syntax is left alone",
			input:   "system_prompt: costs $5 or ${PRICE}",
			environ: []string{"PRICE=10"},
			want:    "system_prompt: costs $5 or ${PRICE}",
		},
		{
			name:    "host and port",
			input:   "grpc_addr: {{.BRIDGE_HOST}}:{{.BRIDGE_PORT}}",
			environ: []string{"BRIDGE_HOST=bridge", "BRIDGE_PORT=9090"},
			want:    "grpc_addr: bridge:9090",
		},
		{
			name:  "missing variable expands to empty",
			input: "base_url: {{.MISSING}}",
			want:  "base_url: ",
		},
		{
			name:    "value containing equals sign",
			input:   "token: {{.TOKEN}}",
			environ: []string{"TOKEN=a=b=c"},
			want:    "token: a=b=c",
		},
		{
			name:  "invalid template is returned unchanged",
			input: "broken: {{.UNCLOSED",
			want:  "broken: {{.UNCLOSED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandWith([]byte(tt.input), tt.environ)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestExpandEnvReadsProcessEnvironment(t *testing.T) {
	t.Setenv("CHATCORE_TEST_MODEL", "gpt-4o-mini")

	got := ExpandEnv([]byte("model: {{.CHATCORE_TEST_MODEL}}"))
	assert.Equal(t, "model: gpt-4o-mini", string(got))
}

func TestExpandEnvProducesValidYAML(t *testing.T) {
	t.Setenv("CHATCORE_TEST_PROMPT", "You are helpful.")

	input := `
defaults:
  provider: openai-default
  system_prompt: "{{.CHATCORE_TEST_PROMPT}}"
`
	var parsed ChatcoreYAMLConfig
	require.NoError(t, yaml.Unmarshal(ExpandEnv([]byte(input)), &parsed))
	require.NotNil(t, parsed.Defaults)
	assert.Equal(t, "You are helpful.", parsed.Defaults.SystemPrompt)
	assert.Equal(t, "openai-default", parsed.Defaults.Provider)
}
