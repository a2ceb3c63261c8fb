package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/essaytrainer/aigate/provider"
)

// DefaultBaseUrl is the OpenAI-compatible inference API of GitHub Models.
const DefaultBaseUrl = "https://models.github.ai/inference"

type Endpoint struct {
	client *openai.Client
}

func NewEndpoint(baseUrl string, token string) (*Endpoint, error) {
	if token == "" {
		return nil, fmt.Errorf("github models token is required")
	}
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}

	config := openai.DefaultConfig(token)
	config.BaseURL = baseUrl
	config.HTTPClient = &http.Client{Timeout: 5 * time.Minute}

	return &Endpoint{client: openai.NewClientWithConfig(config)}, nil
}

func (p *Endpoint) Name() string {
	return "github"
}

func (p *Endpoint) Complete(ctx context.Context, request *provider.Request) (string, error) {
	response, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: request.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: request.Prompt},
		},
		Temperature: request.Temperature,
		MaxTokens:   request.MaxTokens,
	})
	if err != nil {
		return "", toStatusError(err)
	}
	if len(response.Choices) == 0 {
		return "", provider.ErrEmptyCompletion
	}
	return response.Choices[0].Message.Content, nil
}

// Maps SDK errors carrying an HTTP status onto provider.StatusError so the
// model fallback rules apply the same way as for the other endpoints.
func toStatusError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &provider.StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &provider.StatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("failed to send request: %w", err)
}
