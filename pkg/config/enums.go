package config

// TransportType defines MCP server transport types
type TransportType string

const (
	// TransportTypeStdio uses subprocess communication via stdin/stdout
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP uses streamable HTTP JSON-RPC
	TransportTypeHTTP TransportType = "http"
	// TransportTypeSSE uses Server-Sent Events
	TransportTypeSSE TransportType = "sse"
)

// IsValid checks if the transport type is valid
func (t TransportType) IsValid() bool {
	return t == TransportTypeStdio || t == TransportTypeHTTP || t == TransportTypeSSE
}

// LLMProviderType defines supported LLM providers
type LLMProviderType string

const (
	LLMProviderTypeOpenAI     LLMProviderType = "openai"
	LLMProviderTypeOpenRouter LLMProviderType = "openrouter"
	LLMProviderTypeGoogle     LLMProviderType = "google"
	LLMProviderTypeAnthropic  LLMProviderType = "anthropic"
	LLMProviderTypeCohere     LLMProviderType = "cohere"
	LLMProviderTypePoe        LLMProviderType = "poe"
)

// IsValid checks if the LLM provider type is valid
func (t LLMProviderType) IsValid() bool {
	switch t {
	case LLMProviderTypeOpenAI,
		LLMProviderTypeOpenRouter,
		LLMProviderTypeGoogle,
		LLMProviderTypeAnthropic,
		LLMProviderTypeCohere,
		LLMProviderTypePoe:
		return true
	default:
		return false
	}
}

// OpenAICompatible reports whether the provider speaks the OpenAI chat
// completions streaming protocol directly. Other providers are reached
// through the gRPC provider bridge.
func (t LLMProviderType) OpenAICompatible() bool {
	return t == LLMProviderTypeOpenAI || t == LLMProviderTypeOpenRouter
}

// DefaultBaseURL returns the public API base URL of OpenAI-compatible providers.
func (t LLMProviderType) DefaultBaseURL() string {
	switch t {
	case LLMProviderTypeOpenAI:
		return "https://api.openai.com/v1"
	case LLMProviderTypeOpenRouter:
		return "https://openrouter.ai/api/v1"
	default:
		return ""
	}
}

// StorageBackend selects where chat histories are persisted
type StorageBackend string

const (
	StorageBackendPostgres StorageBackend = "postgres"
	StorageBackendSQLite   StorageBackend = "sqlite"
	StorageBackendMemory   StorageBackend = "memory"
)

// IsValid checks if the storage backend is valid
func (b StorageBackend) IsValid() bool {
	return b == StorageBackendPostgres || b == StorageBackendSQLite || b == StorageBackendMemory
}

// TitleProviderAuto makes title generation reuse the chat's own provider.
const TitleProviderAuto = "auto"
