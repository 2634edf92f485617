package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ChatcoreYAMLConfig represents the complete chatcore.yaml file structure
type ChatcoreYAMLConfig struct {
	System     *SystemYAMLConfig          `yaml:"system"`
	Defaults   *Defaults                  `yaml:"defaults"`
	Storage    *StorageConfig             `yaml:"storage"`
	Streaming  *StreamingConfig           `yaml:"streaming"`
	Titles     *TitleYAMLConfig           `yaml:"titles"`
	Branching  *BranchingConfig           `yaml:"branching"`
	Tools      *ToolsConfig               `yaml:"tools"`
	RateLimit  *RateLimitConfig           `yaml:"rate_limit"`
	Logging    *LoggingConfig             `yaml:"logging"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
	DefaultUser      string   `yaml:"default_user"`
}

// LLMProvidersYAMLConfig represents the complete llm-providers.yaml file structure
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load chatcore.yaml and llm-providers.yaml from configDir
//  2. Expand {{.VAR}} environment references
//  3. Merge user sections over built-in defaults
//  4. Build in-memory registries
//  5. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders,
		"storage", cfg.Storage.Backend,
		"default_provider", cfg.Defaults.Provider)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	chatcoreConfig, err := loader.loadChatcoreYAML()
	if err != nil {
		return nil, NewLoadError("chatcore.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	providers := make(map[string]*LLMProviderConfig, len(llmProviders))
	for name, p := range llmProviders {
		p := p
		if p.BaseURL == "" {
			p.BaseURL = p.Type.DefaultBaseURL()
		}
		providers[name] = &p
	}

	servers := make(map[string]*MCPServerConfig, len(chatcoreConfig.MCPServers))
	for id, s := range chatcoreConfig.MCPServers {
		s := s
		servers[id] = &s
	}

	defaults := chatcoreConfig.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}

	storageCfg := DefaultStorageConfig()
	if chatcoreConfig.Storage != nil {
		if err := mergo.Merge(storageCfg, chatcoreConfig.Storage, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge storage config: %w", err)
		}
	}

	streamingCfg := DefaultStreamingConfig()
	if chatcoreConfig.Streaming != nil {
		if err := mergo.Merge(streamingCfg, chatcoreConfig.Streaming, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge streaming config: %w", err)
		}
	}

	rateLimitCfg := DefaultRateLimitConfig()
	if chatcoreConfig.RateLimit != nil {
		if err := mergo.Merge(rateLimitCfg, chatcoreConfig.RateLimit, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge rate_limit config: %w", err)
		}
	}

	branchingCfg := DefaultBranchingConfig()
	if chatcoreConfig.Branching != nil {
		if err := mergo.Merge(branchingCfg, chatcoreConfig.Branching, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge branching config: %w", err)
		}
	}

	loggingCfg := DefaultLoggingConfig()
	if chatcoreConfig.Logging != nil {
		if err := mergo.Merge(loggingCfg, chatcoreConfig.Logging, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge logging config: %w", err)
		}
	}

	toolsCfg := chatcoreConfig.Tools
	if toolsCfg == nil {
		toolsCfg = &ToolsConfig{}
	}

	return &Config{
		configDir:           configDir,
		Defaults:            defaults,
		DefaultUser:         resolveDefaultUser(chatcoreConfig.System),
		AllowedWSOrigins:    resolveAllowedWSOrigins(chatcoreConfig.System),
		Storage:             storageCfg,
		Streaming:           streamingCfg,
		Titles:              resolveTitleConfig(chatcoreConfig.Titles),
		Branching:           branchingCfg,
		Tools:               toolsCfg,
		RateLimit:           rateLimitCfg,
		Logging:             loggingCfg,
		MCPServerRegistry:   NewMCPServerRegistry(servers),
		LLMProviderRegistry: NewLLMProviderRegistry(providers),
	}, nil
}

func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// ExpandEnv passes through original data on template errors,
	// leaving the YAML parser to report the problem.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadChatcoreYAML() (*ChatcoreYAMLConfig, error) {
	var config ChatcoreYAMLConfig
	config.MCPServers = make(map[string]MCPServerConfig)

	if err := l.loadYAML("chatcore.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	var config LLMProvidersYAMLConfig
	config.LLMProviders = make(map[string]LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}

	return config.LLMProviders, nil
}

// resolveTitleConfig resolves title-generation settings, applying defaults.
func resolveTitleConfig(t *TitleYAMLConfig) *TitleConfig {
	cfg := DefaultTitleConfig()
	if t == nil {
		return cfg
	}

	if t.Enabled != nil {
		cfg.Enabled = *t.Enabled
	}
	if t.UpdateOnExtension != nil {
		cfg.UpdateOnExtension = *t.UpdateOnExtension
	}
	if t.Provider != "" {
		cfg.Provider = t.Provider
	}
	if t.Model != "" {
		cfg.Model = t.Model
	}
	if t.Timeout != "" {
		if d, err := time.ParseDuration(t.Timeout); err == nil {
			cfg.Timeout = d
		} else {
			slog.Warn("Invalid timeout in titles config, using default",
				"value", t.Timeout,
				"default", cfg.Timeout,
				"error", err)
		}
	}

	return cfg
}

func resolveDefaultUser(sys *SystemYAMLConfig) string {
	if sys != nil {
		return sys.DefaultUser
	}
	return ""
}

// resolveAllowedWSOrigins returns additional WebSocket origin patterns from system YAML.
func resolveAllowedWSOrigins(sys *SystemYAMLConfig) []string {
	if sys != nil {
		return sys.AllowedWSOrigins
	}
	return nil
}
