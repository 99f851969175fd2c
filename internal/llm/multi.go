package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MultiClient dispatches each call to the provider registered for the
// model name. Models without a mapping, or mapped to a provider that was
// never registered, go to the fallback provider.
type MultiClient struct {
	mu        sync.RWMutex
	providers map[string]Client // provider name -> client
	models    map[string]string // model name -> provider name

	fallback     Client
	fallbackName string
}

// NewMultiClient creates a dispatcher. fallback may be nil, in which case
// unmapped models fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers:    make(map[string]Client),
		models:       make(map[string]string),
		fallback:     fallback,
		fallbackName: "fallback",
	}
}

// AddProvider registers a client under a provider name. Registering the
// fallback client itself names the fallback in ProviderFor.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = client
	if client == m.fallback {
		m.fallbackName = name
	}
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[modelName] = providerName
}

// ProviderFor names the provider that would serve model, or "" when no
// provider would.
func (m *MultiClient) ProviderFor(model string) string {
	name, _ := m.resolve(model)
	return name
}

// Providers lists the registered provider names in order.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for n := range m.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *MultiClient) resolve(model string) (string, Client) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.models[model]; ok {
		if c, ok := m.providers[p]; ok {
			return p, c
		}
	}
	if m.fallback == nil {
		return "", nil
	}
	return m.fallbackName, m.fallback
}

// Chat implements Client.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	name, c := m.resolve(model)
	if c == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	resp, err := c.Chat(ctx, model, messages, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return resp, nil
}

// ChatStream implements Client.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	name, c := m.resolve(model)
	if c == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	resp, err := c.ChatStream(ctx, model, messages, opts, callback)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return resp, nil
}

// Ping checks the fallback and every provider a model is mapped to.
// All failures are reported together.
func (m *MultiClient) Ping(ctx context.Context) error {
	m.mu.RLock()
	targets := make(map[string]Client)
	if m.fallback != nil {
		targets[m.fallbackName] = m.fallback
	}
	for _, p := range m.models {
		if c, ok := m.providers[p]; ok {
			targets[p] = c
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return errors.New("no providers configured")
	}
	var errs []error
	for name, c := range targets {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
