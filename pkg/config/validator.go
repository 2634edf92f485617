package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg    *Config
	getenv func(string) string
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg, getenv: os.Getenv}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Providers before defaults and titles, which reference them by name
	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}

	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validateTitles(); err != nil {
		return fmt.Errorf("titles validation failed: %w", err)
	}

	if err := v.validateRuntime(); err != nil {
		return fmt.Errorf("runtime validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateMCPServers() error {
	for serverID, server := range v.cfg.MCPServerRegistry.GetAll() {
		// Tool names are "<server>.<tool>", so a dot in the ID would be ambiguous
		if strings.Contains(serverID, ".") {
			return NewValidationError("mcp_server", serverID, "", fmt.Errorf("server ID must not contain '.'"))
		}

		if !server.Transport.Type.IsValid() {
			return NewValidationError("mcp_server", serverID, "transport.type", fmt.Errorf("invalid transport type: %s", server.Transport.Type))
		}

		switch server.Transport.Type {
		case TransportTypeStdio:
			if server.Transport.Command == "" {
				return NewValidationError("mcp_server", serverID, "transport.command", fmt.Errorf("command required for stdio transport"))
			}

		case TransportTypeHTTP, TransportTypeSSE:
			if server.Transport.URL == "" {
				return NewValidationError("mcp_server", serverID, "transport.url", fmt.Errorf("url required for %s transport", server.Transport.Type))
			}
		}

		if server.Transport.Timeout < 0 {
			return NewValidationError("mcp_server", serverID, "transport.timeout", fmt.Errorf("must not be negative"))
		}

		if m := server.DataMasking; m != nil && m.Enabled {
			for i, p := range m.CustomPatterns {
				if _, err := regexp.Compile(p.Pattern); err != nil {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d]", i), fmt.Errorf("%w: %w", ErrInvalidValue, err))
				}
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateLLMProviders() error {
	for name, provider := range v.cfg.LLMProviderRegistry.GetAll() {
		if !provider.Type.IsValid() {
			return NewValidationError("llm_provider", name, "type", fmt.Errorf("invalid provider type: %s", provider.Type))
		}

		if provider.Model == "" {
			return NewValidationError("llm_provider", name, "model", fmt.Errorf("model required"))
		}

		if provider.APIKeyEnv != "" {
			if value := v.getenv(provider.APIKeyEnv); value == "" {
				return NewValidationError("llm_provider", name, "api_key_env", fmt.Errorf("environment variable %s is not set", provider.APIKeyEnv))
			}
		}

		if provider.Type.OpenAICompatible() {
			if provider.BaseURL == "" {
				return NewValidationError("llm_provider", name, "base_url", ErrMissingRequiredField)
			}
		} else if provider.GRPCAddr == "" {
			return NewValidationError("llm_provider", name, "grpc_addr", fmt.Errorf("grpc_addr required for %s provider", provider.Type))
		}

		if provider.MaxContextTokens < 0 {
			return NewValidationError("llm_provider", name, "max_context_tokens", fmt.Errorf("must not be negative"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults
	if d == nil || d.Provider == "" {
		return NewValidationError("defaults", "", "provider", ErrMissingRequiredField)
	}
	if !v.cfg.LLMProviderRegistry.Has(d.Provider) {
		return NewValidationError("defaults", "", "provider", fmt.Errorf("%w: %s", ErrLLMProviderNotFound, d.Provider))
	}
	return nil
}

func (v *ConfigValidator) validateTitles() error {
	t := v.cfg.Titles
	if t == nil || !t.Enabled {
		return nil
	}
	if t.Provider != TitleProviderAuto && !v.cfg.LLMProviderRegistry.Has(t.Provider) {
		return NewValidationError("titles", "", "provider", fmt.Errorf("%w: %s", ErrLLMProviderNotFound, t.Provider))
	}
	if t.Timeout <= 0 {
		return NewValidationError("titles", "", "timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateRuntime() error {
	s := v.cfg.Storage
	if !s.Backend.IsValid() {
		return NewValidationError("storage", "", "backend", fmt.Errorf("%w: %s", ErrInvalidValue, s.Backend))
	}
	if s.Backend == StorageBackendSQLite && s.SQLitePath == "" {
		return NewValidationError("storage", "", "sqlite_path", ErrMissingRequiredField)
	}

	st := v.cfg.Streaming
	if st.SessionTimeout <= 0 {
		return NewValidationError("streaming", "", "session_timeout", fmt.Errorf("must be positive"))
	}
	if st.ToolTimeout <= 0 {
		return NewValidationError("streaming", "", "tool_timeout", fmt.Errorf("must be positive"))
	}
	if st.EventBufferSize < 1 {
		return NewValidationError("streaming", "", "event_buffer_size", fmt.Errorf("must be at least 1"))
	}

	if v.cfg.Branching.VariantWarnThreshold < 1 {
		return NewValidationError("branching", "", "variant_warn_threshold", fmt.Errorf("must be at least 1"))
	}

	rl := v.cfg.RateLimit
	if rl.RequestsPerMinute < 0 {
		return NewValidationError("rate_limit", "", "requests_per_minute", fmt.Errorf("must not be negative"))
	}
	if rl.RequestsPerMinute > 0 && rl.Burst < 1 {
		return NewValidationError("rate_limit", "", "burst", fmt.Errorf("must be at least 1"))
	}

	for i, name := range v.cfg.Tools.DefaultEnabled {
		if strings.TrimSpace(name) == "" {
			return NewValidationError("tools", "", fmt.Sprintf("default_enabled[%d]", i), ErrMissingRequiredField)
		}
	}

	switch strings.ToLower(v.cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("logging", "", "level", fmt.Errorf("%w: %s", ErrInvalidValue, v.cfg.Logging.Level))
	}
	switch v.cfg.Logging.Format {
	case "text", "json":
	default:
		return NewValidationError("logging", "", "format", fmt.Errorf("%w: %s", ErrInvalidValue, v.cfg.Logging.Format))
	}

	return nil
}
