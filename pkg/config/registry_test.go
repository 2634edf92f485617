package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLLMProviderRegistry(t *testing.T) {
	providers := map[string]*LLMProviderConfig{
		"openai-default": {Type: LLMProviderTypeOpenAI, Model: "gpt-4o"},
		"claude":         {Type: LLMProviderTypeAnthropic, Model: "claude-sonnet", GRPCAddr: "bridge:9090"},
	}
	registry := NewLLMProviderRegistry(providers)

	t.Run("Get existing provider", func(t *testing.T) {
		p, err := registry.Get("claude")
		require.NoError(t, err)
		assert.Equal(t, "bridge:9090", p.GRPCAddr)
	})

	t.Run("Get nonexistent provider", func(t *testing.T) {
		_, err := registry.Get("missing")
		assert.ErrorIs(t, err, ErrLLMProviderNotFound)
	})

	t.Run("Names are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"claude", "openai-default"}, registry.Names())
	})

	t.Run("constructor copies input map", func(t *testing.T) {
		providers["late"] = &LLMProviderConfig{}
		assert.False(t, registry.Has("late"))
		assert.Equal(t, 2, registry.Len())
	})

	t.Run("GetAll returns copy", func(t *testing.T) {
		all := registry.GetAll()
		all["extra"] = &LLMProviderConfig{}
		assert.False(t, registry.Has("extra"))
	})
}

func TestMCPServerRegistry(t *testing.T) {
	registry := NewMCPServerRegistry(map[string]*MCPServerConfig{
		"search": {Transport: TransportConfig{Type: TransportTypeHTTP, URL: "http://search"}},
		"files":  {Transport: TransportConfig{Type: TransportTypeStdio, Command: "files-mcp"}},
	})

	s, err := registry.Get("search")
	require.NoError(t, err)
	assert.Equal(t, "http://search", s.Transport.URL)

	_, err = registry.Get("nope")
	assert.ErrorIs(t, err, ErrMCPServerNotFound)

	assert.Equal(t, []string{"files", "search"}, registry.IDs())
	assert.Equal(t, 2, registry.Len())
}

func TestLLMProviderRegistryConcurrentAccess(_ *testing.T) {
	registry := NewLLMProviderRegistry(map[string]*LLMProviderConfig{
		"a": {Type: LLMProviderTypeOpenAI, Model: "m"},
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = registry.Get("a")
			_ = registry.Names()
			_ = registry.GetAll()
		}()
	}
	wg.Wait()
}

func TestLLMProviderConfigAPIKey(t *testing.T) {
	p := &LLMProviderConfig{APIKeyEnv: "MY_KEY"}
	env := map[string]string{"MY_KEY": "secret"}
	assert.Equal(t, "secret", p.APIKey(func(k string) string { return env[k] }))

	assert.Empty(t, (&LLMProviderConfig{}).APIKey(func(string) string { return "x" }))
}
