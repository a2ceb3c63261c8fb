package openrouter

import (
	"github.com/essaytrainer/aigate/provider/openai"
)

const DefaultBaseUrl = "https://openrouter.ai/api/v1"

const (
	appName = "Essay-Trainer"
	appUrl  = "https://github.com/essaytrainer/aigate"
)

// NewEndpoint returns an OpenAI-compatible endpoint carrying the attribution
// headers OpenRouter uses for app rankings.
func NewEndpoint(baseUrl string, apiKey string) (*openai.Endpoint, error) {
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	endpoint, err := openai.NewEndpoint("openrouter", baseUrl, apiKey)
	if err != nil {
		return nil, err
	}
	return endpoint.
		WithHeader("HTTP-Referer", appUrl).
		WithHeader("X-Title", appName), nil
}
