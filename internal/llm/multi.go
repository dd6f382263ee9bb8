package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MultiClient routes requests to a provider by model name. Models with
// no explicit mapping go to the fallback client.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderFor reports which provider serves model, or "" when the
// request would go to the fallback.
func (m *MultiClient) ProviderFor(model string) string {
	provider, ok := m.models[model]
	if !ok {
		return ""
	}
	if _, ok := m.clients[provider]; !ok {
		return ""
	}
	return provider
}

func (m *MultiClient) clientFor(model string) Client {
	if provider := m.ProviderFor(model); provider != "" {
		return m.clients[provider]
	}
	return m.fallback
}

// Chat sends a request to the provider that serves model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools)
}

// Ping checks every provider a mapped model can reach, plus the
// fallback. It reports all unreachable providers at once.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return errors.New("no model providers configured")
	}

	var errs []error
	pinged := make(map[Client]bool)
	if m.fallback != nil {
		pinged[m.fallback] = true
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	for _, name := range m.Providers() {
		c := m.clients[name]
		if pinged[c] {
			continue
		}
		pinged[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
