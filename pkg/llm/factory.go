package llm

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/codeready-toolchain/chatcore/pkg/config"
)

// NewProvider builds the provider implementation for cfg.Type.
func NewProvider(name string, cfg *config.LLMProviderConfig, bufferSize int) (Provider, error) {
	switch {
	case cfg.Type.OpenAICompatible():
		return NewOpenAIProvider(name, cfg, cfg.APIKey(os.Getenv), bufferSize, nil), nil
	case cfg.Type.IsValid():
		return NewGRPCProvider(name, cfg, bufferSize)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Type)
	}
}

// Registry holds the live provider for each configured provider name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewRegistryFromConfig instantiates every configured provider.
func NewRegistryFromConfig(providers *config.LLMProviderRegistry, bufferSize int) (*Registry, error) {
	r := NewRegistry()
	for name, cfg := range providers.GetAll() {
		p, err := NewProvider(name, cfg, bufferSize)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.Register(p)
	}
	return r, nil
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrLLMProviderNotFound, name)
	}
	return p, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
