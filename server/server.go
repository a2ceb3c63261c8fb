package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/breaker"
	"github.com/essaytrainer/aigate/cache"
	"github.com/essaytrainer/aigate/dispatch"
	"github.com/essaytrainer/aigate/evaluate"
	"github.com/essaytrainer/aigate/repair"
)

type (
	BadRequestError      struct{ error }
	InternalServerError  struct{ error }
	InvalidResponseError struct{ error }
	RequestTimeoutError  struct{ error }
	RateLimitError       struct {
		error
		RetryAfter time.Duration
	}
	UnavailableError struct {
		error
		RetryAfter time.Duration
	}
)

const (
	// Maximum size of a request body in bytes.
	maxBodyBytes = 64 * 1024

	// Maximum length of the essay and reference texts in runes.
	maxTextLength = 10_000

	defaultTopicKind = "essay"
)

type Evaluator interface {
	Evaluate(ctx context.Context, request *evaluate.Request) (*evaluate.Response, error)
}

type CircuitReader interface {
	Status(ctx context.Context, provider aigate.ProviderIdentity) (breaker.Status, error)
}

type Options struct {
	// Bearer key required on /v1 routes. Empty disables authentication.
	ApiKey string

	// Suggested wait when every provider is unavailable.
	UnavailableRetryAfter time.Duration

	// Reverse proxies in front of the gateway whose forwarding headers are
	// trusted. Zero uses the connection's peer address.
	TrustedProxyHops int
}

// Server is the HTTP surface of the gateway.
type Server struct {
	evaluator Evaluator
	circuits  CircuitReader
	providers []aigate.ProviderIdentity
	prompts   *Prompts
	options   Options
	logger    *zap.SugaredLogger
}

func NewServer(evaluator Evaluator, circuits CircuitReader, providers []aigate.ProviderIdentity, prompts *Prompts, options Options, logger *zap.SugaredLogger) *Server {
	if options.UnavailableRetryAfter <= 0 {
		options.UnavailableRetryAfter = time.Minute
	}
	return &Server{
		evaluator: evaluator,
		circuits:  circuits,
		providers: providers,
		prompts:   prompts,
		options:   options,
		logger:    logger,
	}
}

// RegisterRoutes adds the gateway routes. metrics may be nil.
func (s *Server) RegisterRoutes(router *mux.Router, metrics http.Handler) {
	router.HandleFunc("/healthz", s.HandleHealth).Methods("GET")
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods("GET")
	}

	router.HandleFunc("/v1/evaluate", s.HandleAuthentication(s.HandleEvaluate)).Methods("POST")
	router.HandleFunc("/v1/topics", s.HandleAuthentication(s.HandleTopics)).Methods("POST")
	router.HandleFunc("/v1/status", s.HandleAuthentication(s.HandleStatus)).Methods("GET")
}

type EvaluateRequest struct {
	// Essay written by the learner.
	Text string `json:"text"`

	// Model answer or source text the essay is compared against. Optional.
	Reference string `json:"reference"`

	// Learner profile the feedback is written for. E.g., "B1 English learner"
	Target string `json:"target"`
}

type TopicRequest struct {
	Target string `json:"target"`

	// Kind of writing task. E.g., "essay", "letter"
	Kind string `json:"kind"`
}

// HandleEvaluate handles POST /v1/evaluate
func (s *Server) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request EvaluateRequest
	if err := s.readJson(w, r, &request); err != nil {
		s.handleError(w, err)
		return
	}
	request.Text = strings.TrimSpace(request.Text)
	if request.Text == "" {
		s.handleError(w, BadRequestError{fmt.Errorf("text is required")})
		return
	}
	if len([]rune(request.Text)) > maxTextLength || len([]rune(request.Reference)) > maxTextLength {
		s.handleError(w, BadRequestError{fmt.Errorf("text must be at most %d characters", maxTextLength)})
		return
	}

	s.serve(w, r, &evaluate.Request{
		ClientIdentity: ClientIdentity(r, s.options.TrustedProxyHops),
		Fingerprint:    cache.Fingerprint(request.Text, request.Reference, request.Target),
		Compose:        func() (string, error) { return s.prompts.Evaluate(request) },
		Validators:     []repair.Validator{repair.RequireNumber("accuracy")},
	})
}

// HandleTopics handles POST /v1/topics
func (s *Server) HandleTopics(w http.ResponseWriter, r *http.Request) {
	var request TopicRequest
	if err := s.readJson(w, r, &request); err != nil {
		s.handleError(w, err)
		return
	}
	if strings.TrimSpace(request.Kind) == "" {
		request.Kind = defaultTopicKind
	}

	s.serve(w, r, &evaluate.Request{
		ClientIdentity: ClientIdentity(r, s.options.TrustedProxyHops),
		Fingerprint:    cache.Fingerprint(request.Target, request.Kind),
		Compose:        func() (string, error) { return s.prompts.Topic(request) },
		Validators:     []repair.Validator{repair.RequireString("topic")},
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, request *evaluate.Request) {
	response, err := s.evaluator.Evaluate(r.Context(), request)
	if err != nil {
		s.handleError(w, s.classify(err, request.ClientIdentity))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
		w.Header().Set("X-AI-Provider", string(response.ProviderUsed))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(response.Payload); err != nil {
		s.logger.Warnw("Failed to write response", "error", err)
	}
}

type providerStatus struct {
	breaker.Status
	Error string `json:"error,omitempty"`
}

// HandleStatus handles GET /v1/status
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := []providerStatus{}
	for _, provider := range s.providers {
		status, err := s.circuits.Status(r.Context(), provider)
		entry := providerStatus{Status: status}
		if err != nil {
			s.logger.Warnw("Failed to read circuit status", "provider", provider, "error", err)
			entry.Error = "circuit state unavailable"
		}
		statuses = append(statuses, entry)
	}
	s.writeJson(w, http.StatusOK, map[string]any{"providers": statuses})
}

// HandleHealth handles GET /healthz
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) HandleAuthentication(handler http.HandlerFunc) http.HandlerFunc {
	return func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		if s.options.ApiKey == "" {
			handler(httpResponse, httpRequest)
			return
		}

		headerSplit := strings.SplitN(httpRequest.Header.Get("Authorization"), " ", 2)
		if len(headerSplit) != 2 ||
			strings.ToLower(headerSplit[0]) != "bearer" ||
			subtle.ConstantTimeCompare([]byte(headerSplit[1]), []byte(s.options.ApiKey)) != 1 {
			s.writeError(httpResponse, http.StatusUnauthorized, "unauthorized", "Unauthorized")
			return
		}

		handler(httpResponse, httpRequest)
	}
}

func (s *Server) readJson(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		s.logger.Warnw("Invalid request body", "error", err)
		return BadRequestError{fmt.Errorf("invalid request body: %v", err)}
	}
	return nil
}

// Converts errors from the evaluation pipeline into the typed errors
// handleError understands.
func (s *Server) classify(err error, clientIdentity string) error {
	var rejected *evaluate.RejectedError
	switch {
	case errors.As(err, &rejected):
		return RateLimitError{err, rejected.RetryAfter}
	case errors.Is(err, dispatch.ErrAllProvidersExhausted):
		s.logger.Errorw("AI providers unavailable", "client", clientIdentity, "error", err)
		return UnavailableError{err, s.options.UnavailableRetryAfter}
	case errors.Is(err, repair.ErrParseFailure):
		return InvalidResponseError{err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return RequestTimeoutError{err}
	default:
		s.logger.Errorw("Failed to evaluate request", "client", clientIdentity, "error", err)
		return InternalServerError{err}
	}
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch err := err.(type) {
	case BadRequestError:
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case RateLimitError:
		setRetryAfter(w, err.RetryAfter)
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests, please wait before retrying")
	case UnavailableError:
		setRetryAfter(w, err.RetryAfter)
		s.writeError(w, http.StatusServiceUnavailable, "ai_unavailable", "AI service is temporarily unavailable")
	case InvalidResponseError:
		s.writeError(w, http.StatusInternalServerError, "invalid_ai_response", "AI service returned an invalid response")
	case RequestTimeoutError:
		s.writeError(w, http.StatusRequestTimeout, "request_timeout", "Request timed out")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// Retry-After in whole seconds, rounded up.
func setRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func (s *Server) writeJson(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errorType string, message string) {
	s.writeJson(w, status, map[string]any{
		"error": map[string]any{
			"type":    errorType,
			"message": message,
			"code":    status,
		},
	})
}
