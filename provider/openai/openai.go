package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/essaytrainer/aigate/provider"
	"github.com/essaytrainer/aigate/utils"
)

// Endpoint talks to any API implementing the OpenAI chat completions schema.
type Endpoint struct {
	name    string
	apiKey  string
	baseUrl *url.URL
	client  *http.Client

	// Extra headers sent with every request. E.g., attribution headers.
	headers map[string]string
}

type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionResponse struct {
	Id      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int32   `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

func NewEndpoint(name string, baseUrl string, apiKey string) (*Endpoint, error) {
	parsedBaseUrl, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %v", err)
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: URL must have a scheme and host")
	}

	return &Endpoint{
		name:    name,
		apiKey:  apiKey,
		baseUrl: parsedBaseUrl,
		// Per-attempt deadlines come from the context.
		client:  &http.Client{Timeout: 5 * time.Minute},
		headers: map[string]string{},
	}, nil
}

// WithHeader adds a header sent with every request.
func (p *Endpoint) WithHeader(key string, value string) *Endpoint {
	p.headers[key] = value
	return p
}

func (p *Endpoint) Name() string {
	return p.name
}

func (p *Endpoint) Complete(ctx context.Context, request *provider.Request) (string, error) {
	chatRequest := &ChatCompletionRequest{
		Model:       request.Model,
		Messages:    []Message{{Role: "user", Content: request.Prompt}},
		Temperature: utils.ToPtr(request.Temperature),
	}
	if request.MaxTokens > 0 {
		chatRequest.MaxTokens = utils.ToPtr(request.MaxTokens)
	}

	jsonData, err := json.Marshal(chatRequest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %v", err)
	}

	endpointPath, err := url.JoinPath(p.baseUrl.String(), "chat", "completions")
	if err != nil {
		return "", fmt.Errorf("failed to build endpoint path: %v", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointPath, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+p.apiKey)
	for key, value := range p.headers {
		httpRequest.Header.Set(key, value)
	}

	httpResponse, err := p.client.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return "", &provider.StatusError{StatusCode: httpResponse.StatusCode, Body: truncate(string(body), 512)}
	}

	var chatResponse ChatCompletionResponse
	if err := json.Unmarshal(body, &chatResponse); err != nil {
		return "", fmt.Errorf("failed to decode response: %v", err)
	}
	if len(chatResponse.Choices) == 0 {
		return "", provider.ErrEmptyCompletion
	}
	return chatResponse.Choices[0].Message.Content, nil
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
