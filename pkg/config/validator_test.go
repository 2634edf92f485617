package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Defaults:  &Defaults{Provider: "openai-default"},
		Storage:   DefaultStorageConfig(),
		Streaming: DefaultStreamingConfig(),
		Titles:    DefaultTitleConfig(),
		Branching: DefaultBranchingConfig(),
		Tools:     &ToolsConfig{DefaultEnabled: []string{"current_datetime"}},
		RateLimit: DefaultRateLimitConfig(),
		Logging:   DefaultLoggingConfig(),
		MCPServerRegistry: NewMCPServerRegistry(map[string]*MCPServerConfig{
			"search": {Transport: TransportConfig{Type: TransportTypeHTTP, URL: "http://search:8080/mcp"}},
		}),
		LLMProviderRegistry: NewLLMProviderRegistry(map[string]*LLMProviderConfig{
			"openai-default": {
				Type:      LLMProviderTypeOpenAI,
				Model:     "gpt-4o",
				APIKeyEnv: "OPENAI_API_KEY",
				BaseURL:   LLMProviderTypeOpenAI.DefaultBaseURL(),
			},
			"claude": {
				Type:     LLMProviderTypeAnthropic,
				Model:    "claude-sonnet",
				GRPCAddr: "bridge:9090",
			},
		}),
	}
}

func newTestValidator(cfg *Config) *ConfigValidator {
	v := NewValidator(cfg)
	v.getenv = func(k string) string {
		if k == "OPENAI_API_KEY" {
			return "sk-test"
		}
		return ""
	}
	return v
}

func TestValidateAllAcceptsValidConfig(t *testing.T) {
	require.NoError(t, newTestValidator(validConfig()).ValidateAll())
}

func TestValidateAllRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name: "mcp server id with dot",
			mutate: func(c *Config) {
				c.MCPServerRegistry = NewMCPServerRegistry(map[string]*MCPServerConfig{
					"web.search": {Transport: TransportConfig{Type: TransportTypeHTTP, URL: "http://x"}},
				})
			},
		},
		{
			name: "stdio without command",
			mutate: func(c *Config) {
				c.MCPServerRegistry = NewMCPServerRegistry(map[string]*MCPServerConfig{
					"files": {Transport: TransportConfig{Type: TransportTypeStdio}},
				})
			},
			field: "transport.command",
		},
		{
			name: "http without url",
			mutate: func(c *Config) {
				c.MCPServerRegistry = NewMCPServerRegistry(map[string]*MCPServerConfig{
					"search": {Transport: TransportConfig{Type: TransportTypeHTTP}},
				})
			},
			field: "transport.url",
		},
		{
			name: "invalid custom masking pattern",
			mutate: func(c *Config) {
				c.MCPServerRegistry = NewMCPServerRegistry(map[string]*MCPServerConfig{
					"search": {
						Transport: TransportConfig{Type: TransportTypeHTTP, URL: "http://x"},
						DataMasking: &MaskingConfig{
							Enabled:        true,
							CustomPatterns: []MaskingPattern{{Pattern: "([a-z", Replacement: "x"}},
						},
					},
				})
			},
			field: "data_masking.custom_patterns[0]",
		},
		{
			name: "api key env not set",
			mutate: func(c *Config) {
				p, _ := c.LLMProviderRegistry.Get("claude")
				p.APIKeyEnv = "ANTHROPIC_API_KEY"
			},
			field: "api_key_env",
		},
		{
			name: "bridge provider without grpc_addr",
			mutate: func(c *Config) {
				p, _ := c.LLMProviderRegistry.Get("claude")
				p.GRPCAddr = ""
			},
			field: "grpc_addr",
		},
		{
			name: "provider without model",
			mutate: func(c *Config) {
				p, _ := c.LLMProviderRegistry.Get("claude")
				p.Model = ""
			},
			field: "model",
		},
		{
			name:   "missing default provider",
			mutate: func(c *Config) { c.Defaults.Provider = "" },
			field:  "provider",
		},
		{
			name:   "unknown default provider",
			mutate: func(c *Config) { c.Defaults.Provider = "nope" },
			field:  "provider",
		},
		{
			name:   "unknown title provider",
			mutate: func(c *Config) { c.Titles.Provider = "nope" },
			field:  "provider",
		},
		{
			name:   "unknown storage backend",
			mutate: func(c *Config) { c.Storage.Backend = "redis" },
			field:  "backend",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendSQLite
				c.Storage.SQLitePath = ""
			},
			field: "sqlite_path",
		},
		{
			name:   "zero session timeout",
			mutate: func(c *Config) { c.Streaming.SessionTimeout = 0 },
			field:  "session_timeout",
		},
		{
			name:   "zero event buffer",
			mutate: func(c *Config) { c.Streaming.EventBufferSize = 0 },
			field:  "event_buffer_size",
		},
		{
			name:   "zero variant threshold",
			mutate: func(c *Config) { c.Branching.VariantWarnThreshold = 0 },
			field:  "variant_warn_threshold",
		},
		{
			name:   "rate limit without burst",
			mutate: func(c *Config) { c.RateLimit.Burst = 0 },
			field:  "burst",
		},
		{
			name:   "blank default tool",
			mutate: func(c *Config) { c.Tools.DefaultEnabled = []string{" "} },
			field:  "default_enabled[0]",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			field:  "level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := newTestValidator(cfg).ValidateAll()
			require.Error(t, err)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestValidateTitlesSkippedWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Titles.Enabled = false
	cfg.Titles.Provider = "nope"
	cfg.Titles.Timeout = 0

	assert.NoError(t, newTestValidator(cfg).ValidateAll())
}

func TestValidateRateLimitDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit = &RateLimitConfig{RequestsPerMinute: 0, Burst: 0}
	cfg.Streaming.ToolTimeout = time.Second

	assert.NoError(t, newTestValidator(cfg).ValidateAll())
}
