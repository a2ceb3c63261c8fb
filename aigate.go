package aigate

import (
	"fmt"
	"time"
)

// ProviderIdentity names one external text-generation API in the failover chain.
type ProviderIdentity string

const (
	Primary   ProviderIdentity = "primary"
	Secondary ProviderIdentity = "secondary"
	Tertiary  ProviderIdentity = "tertiary"
)

// Priority is the fixed order in which providers are tried.
var Priority = []ProviderIdentity{Primary, Secondary, Tertiary}

func ParseProviderIdentity(name string) (ProviderIdentity, error) {
	for _, identity := range Priority {
		if string(identity) == name {
			return identity, nil
		}
	}
	return "", fmt.Errorf("unknown provider: %s", name)
}

// ProvidersConfig maps provider identities to their configuration.
type ProvidersConfig map[ProviderIdentity]*ProviderConfig

type ProviderConfig struct {
	// Base URL of the OpenAI-compatible API. E.g., "https://openrouter.ai/api/v1"
	// Empty means the provider's default.
	BaseUrl string `yaml:"base_url" json:"base_url"`

	// Environment variable holding the API key. E.g., "OPENROUTER_API_KEY"
	ApiKeyEnv string `yaml:"api_key_env" json:"api_key_env"`

	// Models tried in order within a single call. The first one that yields
	// usable text wins.
	Models []string `yaml:"models" json:"models"`

	// Sampling temperature sent with every request.
	Temperature float32 `yaml:"temperature" json:"temperature"`

	// Maximum number of output tokens.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// Timeout of a single model attempt. E.g., "30s"
	Timeout string `yaml:"timeout" json:"timeout"`
}

// AttemptTimeout parses Timeout, falling back to the given default when empty.
func (c *ProviderConfig) AttemptTimeout(fallback time.Duration) (time.Duration, error) {
	if c.Timeout == "" {
		return fallback, nil
	}
	timeout, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %v", c.Timeout, err)
	}
	return timeout, nil
}

/**
 * Iterates over the configured providers in priority order. Providers missing
 * from the map are skipped.
 *
 * @param callback - Called for each configured provider. Should return true to
 *   stop the iteration.
 * @returns true if the iteration was stopped by the callback, false otherwise.
 */
func (providers ProvidersConfig) ForEach(callback func(identity ProviderIdentity, config ProviderConfig) bool) bool {
	for _, identity := range Priority {
		config, ok := providers[identity]
		if !ok || config == nil {
			continue
		}
		if callback(identity, *config) {
			return true
		}
	}
	return false
}

// DispatchResult is the outcome of one end-to-end dispatch.
type DispatchResult struct {
	Success bool `json:"success"`

	// Generated text. Set only on success.
	Text string `json:"text,omitempty"`

	// Provider that served the text. Set only on success.
	ProviderUsed ProviderIdentity `json:"provider_used,omitempty"`

	// Failure description. Set only on failure.
	Error string `json:"error,omitempty"`
}
