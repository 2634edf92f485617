package config

import "time"

// TransportConfig defines MCP server transport configuration
type TransportConfig struct {
	Type TransportType `yaml:"type" validate:"required"`

	// For stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // Environment overrides for stdio subprocess

	// For http/sse transport
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	VerifySSL   *bool  `yaml:"verify_ssl,omitempty"`
	Timeout     int    `yaml:"timeout,omitempty"` // In seconds
}

// MaskingConfig selects the redaction applied to an MCP server's tool results.
type MaskingConfig struct {
	Enabled        bool             `yaml:"enabled"`
	PatternGroups  []string         `yaml:"pattern_groups,omitempty"`
	Patterns       []string         `yaml:"patterns,omitempty"`
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty"`
}

// MaskingPattern is a regex and the text that replaces each match.
type MaskingPattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Description string `yaml:"description,omitempty"`
}

// Defaults holds the provider/model used when a request does not name one.
type Defaults struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

// StorageConfig selects the history backend.
type StorageConfig struct {
	Backend    StorageBackend `yaml:"backend"`
	SQLitePath string         `yaml:"sqlite_path,omitempty"`
}

// StreamingConfig controls streaming sessions.
type StreamingConfig struct {
	// SessionTimeout bounds one streaming exchange including tool round-trips.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// EventBufferSize is the provider event channel capacity.
	EventBufferSize int `yaml:"event_buffer_size"`

	// GracefulShutdownTimeout is the max time to wait for active sessions on shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// TitleYAMLConfig is the titles section as written in YAML.
type TitleYAMLConfig struct {
	Enabled           *bool  `yaml:"enabled,omitempty"`
	UpdateOnExtension *bool  `yaml:"update_on_extension,omitempty"`
	Provider          string `yaml:"provider,omitempty"`
	Model             string `yaml:"model,omitempty"`
	Timeout           string `yaml:"timeout,omitempty"` // Parsed to time.Duration
}

// TitleConfig is the resolved title-generation configuration.
type TitleConfig struct {
	Enabled           bool
	UpdateOnExtension bool
	// Provider is a provider name or TitleProviderAuto.
	Provider string
	Model    string
	Timeout  time.Duration
}

// BranchingConfig holds branch tree settings.
type BranchingConfig struct {
	// VariantWarnThreshold logs a warning once a node holds more variants.
	VariantWarnThreshold int `yaml:"variant_warn_threshold"`
}

// ToolsConfig holds tool settings.
type ToolsConfig struct {
	// DefaultEnabled is the tool set used when a request does not list tools.
	DefaultEnabled []string `yaml:"default_enabled"`
}

// RateLimitConfig throttles send-type commands per user.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
