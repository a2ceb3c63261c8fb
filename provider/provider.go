package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/essaytrainer/aigate"
)

const defaultAttemptTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/essaytrainer/aigate/provider")

// Endpoint sends one chat completion request to one model of an external API.
type Endpoint interface {
	Complete(ctx context.Context, request *Request) (string, error)

	// Name of the API family. E.g., "openrouter"
	Name() string
}

// Request is a single-turn chat completion: the prompt becomes one user message.
type Request struct {
	Model       string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// StatusError is returned by endpoints when the API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// ErrEmptyCompletion is returned when the API answers 200 without any text.
var ErrEmptyCompletion = errors.New("empty completion")

// Result of one provider call. Expected failures are reported here, never as errors.
type Result struct {
	Success bool

	Text string

	// Model that produced Text.
	Model string

	ErrorMessage string
}

// Client tries its ordered model list against one endpoint until a model
// yields usable text.
type Client struct {
	identity       aigate.ProviderIdentity
	endpoint       Endpoint
	models         []string
	temperature    float32
	maxTokens      int
	attemptTimeout time.Duration
	logger         *zap.SugaredLogger
}

func NewClient(identity aigate.ProviderIdentity, endpoint Endpoint, config aigate.ProviderConfig, logger *zap.SugaredLogger) (*Client, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("provider %s: endpoint is required", identity)
	}
	models := []string{}
	for _, model := range config.Models {
		if model = strings.TrimSpace(model); model != "" {
			models = append(models, model)
		}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("provider %s: at least one model is required", identity)
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("provider %s: max tokens must not be negative", identity)
	}
	attemptTimeout, err := config.AttemptTimeout(defaultAttemptTimeout)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %v", identity, err)
	}

	return &Client{
		identity:       identity,
		endpoint:       endpoint,
		models:         models,
		temperature:    config.Temperature,
		maxTokens:      config.MaxTokens,
		attemptTimeout: attemptTimeout,
		logger:         logger,
	}, nil
}

func (c *Client) Identity() aigate.ProviderIdentity {
	return c.identity
}

func (c *Client) Models() []string {
	return c.models
}

// Generate runs the prompt against each model in order. Any HTTP error status
// and empty completions move on to the next model. A transport error means the
// API is unreachable, so the remaining models are not tried.
func (c *Client) Generate(ctx context.Context, prompt string) Result {
	ctx, span := tracer.Start(ctx, "provider.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", string(c.identity)),
		attribute.String("endpoint", c.endpoint.Name()),
	)

	var lastError error
	for _, model := range c.models {
		text, err := c.attempt(ctx, model, prompt)
		if err == nil {
			span.SetAttributes(attribute.String("model", model))
			return Result{Success: true, Text: text, Model: model}
		}
		lastError = err

		if ctx.Err() != nil {
			c.logger.Warnw("Provider call canceled", "provider", c.identity, "model", model, "error", ctx.Err())
			break
		}
		if !NextModel(err) {
			c.logger.Warnw("Provider call failed", "provider", c.identity, "model", model, "error", err)
			break
		}
		if IsQuotaStatus(statusCode(err)) {
			c.logger.Infow("Model unavailable, trying next model", "provider", c.identity, "model", model, "error", err)
		} else {
			c.logger.Warnw("Model failed, trying next model", "provider", c.identity, "model", model, "error", err)
		}
	}

	span.SetStatus(codes.Error, lastError.Error())
	return Result{
		Success:      false,
		ErrorMessage: fmt.Sprintf("%s: %v", c.identity, lastError),
	}
}

func (c *Client) attempt(ctx context.Context, model string, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	text, err := c.endpoint.Complete(ctx, &Request{
		Model:       model,
		Prompt:      prompt,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// NextModel reports whether another model of the same API may still succeed
// after err: the API answered, but not usefully for this model.
func NextModel(err error) bool {
	if errors.Is(err, ErrEmptyCompletion) {
		return true
	}
	var statusError *StatusError
	return errors.As(err, &statusError)
}

func statusCode(err error) int {
	var statusError *StatusError
	if errors.As(err, &statusError) {
		return statusError.StatusCode
	}
	return 0
}

// IsQuotaStatus reports whether the status code means quota, auth or rate trouble.
func IsQuotaStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusUnauthorized,
		http.StatusPaymentRequired,
		http.StatusForbidden,
		http.StatusTooManyRequests:
		return true
	}
	return false
}
