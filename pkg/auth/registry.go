package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderConfig selects a validator implementation and carries its settings.
type ProviderConfig struct {
	Type   string          `yaml:"type" json:"type"`
	Config json.RawMessage `yaml:"config" json:"config"`
}

// ValidatorFactory creates validators from configuration
type ValidatorFactory func(config json.RawMessage) (Validator, error)

var (
	registry = make(map[string]ValidatorFactory)
	mu       sync.RWMutex
)

// RegisterProvider registers a validator factory for a provider type.
// Registering the same type twice panics; providers register from init.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if providerType == "" || factory == nil {
		panic("auth: RegisterProvider requires a type and a factory")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[providerType]; dup {
		panic("auth: provider registered twice: " + providerType)
	}
	registry[providerType] = factory
}

// NewValidator creates a validator from provider configuration
func NewValidator(providerConfig ProviderConfig) (Validator, error) {
	mu.RLock()
	factory, ok := registry[strings.ToLower(strings.TrimSpace(providerConfig.Type))]
	mu.RUnlock()

	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("unknown auth provider type: %q", providerConfig.Type)}
	}

	return factory(providerConfig.Config)
}

// ListProviders returns registered provider types in lexical order.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
