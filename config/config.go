package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/rate"
	"github.com/essaytrainer/aigate/utils/env"
)

// Config represents the full application configuration
type Config struct {
	// Valkey (open-source version of Redis) endpoint shared by all instances.
	// E.g., localhost:6379
	// Empty selects the in-process store, which is only correct for a single instance.
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// API key required from callers in the Authorization header with the
	// Bearer scheme. Empty disables authentication.
	ApiKey string `yaml:"api_key"`

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Reverse proxies in front of the gateway. Their X-Forwarded-For entries
	// identify the client; zero ignores forwarding headers.
	TrustedProxyHops int `yaml:"trusted_proxy_hops"`

	// Configuration for each provider, keyed by "primary", "secondary" and "tertiary".
	Providers aigate.ProvidersConfig `yaml:"providers"`

	Circuit CircuitConfig `yaml:"circuit"`

	// How long parsed responses are cached. E.g., 24h
	CacheTtl string `yaml:"cache_ttl"`

	// How long a client is blocked after every provider failed. E.g., 60s
	BlockDuration string `yaml:"block_duration"`

	// Sliding windows applied per client. A request must fit in all of them.
	RateLimits []rate.Window `yaml:"rate_limits"`

	// OTLP/HTTP collector for traces. Empty disables tracing.
	// E.g., http://localhost:4318
	OtlpEndpoint string `yaml:"otlp_endpoint"`

	// Maximum memory used by the in-process store.
	MemoryCacheMaxBytes int64 `yaml:"memory_cache_max_bytes"`

	Prompts PromptsConfig `yaml:"prompts"`
}

type CircuitConfig struct {
	// Consecutive failures that open a provider's circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// How long failures are remembered; also the open circuit's cool-down. E.g., 60s
	FailureWindow string `yaml:"failure_window"`
}

// Text templates for provider prompts. Empty selects the built-in prompt.
type PromptsConfig struct {
	Evaluate string `yaml:"evaluate"`
	Topic    string `yaml:"topic"`
}

func defaultConfig() Config {
	return Config{
		ValkeyEndpoint: "",
		ApiKey:         "",
		Port:           8080,
		Providers: aigate.ProvidersConfig{
			aigate.Primary: {
				BaseUrl:     "https://api.openai.com/v1",
				ApiKeyEnv:   "PRIMARY_API_KEY",
				Models:      []string{"gpt-4o-mini"},
				Temperature: 0.3,
				MaxTokens:   2048,
				Timeout:     "30s",
			},
			aigate.Secondary: {
				ApiKeyEnv: "OPENROUTER_API_KEY",
				Models: []string{
					"meta-llama/llama-3.3-70b-instruct:free",
					"google/gemma-3-27b-it:free",
					"mistralai/mistral-small-3.1-24b-instruct:free",
				},
				Temperature: 0.3,
				MaxTokens:   2048,
				Timeout:     "30s",
			},
			aigate.Tertiary: {
				ApiKeyEnv:   "GITHUB_TOKEN",
				Models:      []string{"openai/gpt-4o-mini", "meta/Llama-3.3-70B-Instruct"},
				Temperature: 0.3,
				MaxTokens:   2048,
				Timeout:     "30s",
			},
		},
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			FailureWindow:    "60s",
		},
		CacheTtl:      "24h",
		BlockDuration: "60s",
		RateLimits:    rate.DefaultWindows,
		// Maximum memory usage of 512MB.
		MemoryCacheMaxBytes: 512 * 1024 * 1024,
	}
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := defaultConfig()

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		// Handle URL or local path
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		if !os.IsNotExist(err) || env.HasEnv("CONFIG_SOURCE") {
			return nil, fmt.Errorf("failed to get config data: %v", err)
		}
		logger.Infow("Config file not found, using defaults", "path", configSource)
		configData = nil
	}

	// Overrides config with the YAML data. A provider listed in the file
	// replaces the default for that provider entirely.
	if len(configData) > 0 {
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %v", err)
		}
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.ApiKey = env.OptionalStringVariable("AIGATE_API_KEY", config.ApiKey)
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.TrustedProxyHops = env.OptionalIntVariable("TRUSTED_PROXY_HOPS", config.TrustedProxyHops)
	config.OtlpEndpoint = env.OptionalStringVariable("OTLP_ENDPOINT", config.OtlpEndpoint)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that would otherwise only fail when first used.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.TrustedProxyHops < 0 {
		return fmt.Errorf("trusted proxy hops must not be negative: %d", c.TrustedProxyHops)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for identity, provider := range c.Providers {
		if _, err := aigate.ParseProviderIdentity(string(identity)); err != nil {
			return err
		}
		if provider == nil || len(provider.Models) == 0 {
			return fmt.Errorf("provider %s: at least one model is required", identity)
		}
		if _, err := provider.AttemptTimeout(0); err != nil {
			return fmt.Errorf("provider %s: %v", identity, err)
		}
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit failure threshold must be positive")
	}
	for name, value := range map[string]string{
		"circuit failure window": c.Circuit.FailureWindow,
		"cache ttl":              c.CacheTtl,
		"block duration":         c.BlockDuration,
	} {
		if _, err := parsePositiveDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %v", name, err)
		}
	}
	return nil
}

// Parsed durations are only meaningful after Validate succeeded.
func (c *Config) ParsedFailureWindow() time.Duration {
	window, _ := parsePositiveDuration(c.Circuit.FailureWindow)
	return window
}

func (c *Config) ParsedCacheTtl() time.Duration {
	ttl, _ := parsePositiveDuration(c.CacheTtl)
	return ttl
}

func (c *Config) ParsedBlockDuration() time.Duration {
	duration, _ := parsePositiveDuration(c.BlockDuration)
	return duration
}

func parsePositiveDuration(value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("must be positive: %s", value)
	}
	return duration, nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
