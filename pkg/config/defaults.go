package config

import "time"

// DefaultStreamingConfig returns the built-in streaming defaults.
func DefaultStreamingConfig() *StreamingConfig {
	return &StreamingConfig{
		SessionTimeout:          10 * time.Minute,
		ToolTimeout:             2 * time.Minute,
		EventBufferSize:         32,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// DefaultStorageConfig returns the built-in storage defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Backend:    StorageBackendPostgres,
		SQLitePath: "chatcore.db",
	}
}

// DefaultRateLimitConfig returns the built-in rate limit defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 30,
		Burst:             5,
	}
}

// DefaultBranchingConfig returns the built-in branching defaults.
func DefaultBranchingConfig() *BranchingConfig {
	return &BranchingConfig{VariantWarnThreshold: 32}
}

// DefaultLoggingConfig returns the built-in logging defaults.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{Level: "info", Format: "text"}
}

// DefaultTitleConfig returns the built-in title-generation defaults.
func DefaultTitleConfig() *TitleConfig {
	return &TitleConfig{
		Enabled:  true,
		Provider: TitleProviderAuto,
		Timeout:  30 * time.Second,
	}
}
