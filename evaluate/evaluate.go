package evaluate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/rate"
	"github.com/essaytrainer/aigate/repair"
)

var (
	ErrUserBlocked = errors.New("client is temporarily blocked")
	ErrRateLimited = errors.New("rate limit exceeded")
)

const cacheWriteTimeout = 2 * time.Second

// RejectedError is returned when a request is refused before any provider is
// called. Err is ErrUserBlocked or ErrRateLimited.
type RejectedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v, retry after %s", e.Err, e.RetryAfter)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

type Dispatcher interface {
	Dispatch(ctx context.Context, prompt string, clientIdentity string) (*aigate.DispatchResult, error)
}

type Blocker interface {
	IsBlocked(ctx context.Context, clientIdentity string) bool
	Duration() time.Duration
}

type Cache interface {
	Lookup(ctx context.Context, fingerprint string) ([]byte, bool)
	Store(ctx context.Context, fingerprint string, payload []byte) error
}

// CacheObserver is told about every cache lookup.
type CacheObserver interface {
	CacheLookup(hit bool)
}

type Request struct {
	ClientIdentity string

	// Cache key of the request. See cache.Fingerprint.
	Fingerprint string

	// Builds the prompt. Only called on a cache miss.
	Compose func() (string, error)

	// Checks applied to the parsed response before it is cached.
	Validators []repair.Validator
}

type Response struct {
	// Parsed and re-serialized JSON object.
	Payload []byte

	// Empty on a cache hit.
	ProviderUsed aigate.ProviderIdentity

	Cached bool
}

// Service runs a request through the gates, the cache and the dispatcher.
type Service struct {
	limiter    rate.Limiter
	blocker    Blocker
	cache      Cache
	dispatcher Dispatcher
	observer   CacheObserver
	logger     *zap.SugaredLogger
}

func NewService(limiter rate.Limiter, blocker Blocker, cache Cache, dispatcher Dispatcher, logger *zap.SugaredLogger) *Service {
	return &Service{
		limiter:    limiter,
		blocker:    blocker,
		cache:      cache,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *Service) WithObserver(observer CacheObserver) *Service {
	s.observer = observer
	return s
}

// Evaluate answers a request from the cache or, on a miss, from the first
// healthy provider. A parsed response is cached; a response that cannot be
// parsed is returned as repair.ErrParseFailure and never cached.
func (s *Service) Evaluate(ctx context.Context, request *Request) (*Response, error) {
	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, request.ClientIdentity)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			s.logger.Infow("Rate limit exceeded", "client", request.ClientIdentity, "window", decision.Window, "retry_after", decision.RetryAfter)
			return nil, &RejectedError{Err: ErrRateLimited, RetryAfter: decision.RetryAfter}
		}
	}

	if s.blocker.IsBlocked(ctx, request.ClientIdentity) {
		s.logger.Infow("Rejecting blocked client", "client", request.ClientIdentity)
		return nil, &RejectedError{Err: ErrUserBlocked, RetryAfter: s.blocker.Duration()}
	}

	payload, hit := s.cache.Lookup(ctx, request.Fingerprint)
	if s.observer != nil {
		s.observer.CacheLookup(hit)
	}
	if hit {
		return &Response{Payload: payload, Cached: true}, nil
	}

	prompt, err := request.Compose()
	if err != nil {
		return nil, fmt.Errorf("failed to compose prompt: %w", err)
	}

	result, err := s.dispatcher.Dispatch(ctx, prompt, request.ClientIdentity)
	if err != nil {
		return nil, err
	}

	object, pass, err := repair.Parse(result.Text, request.Validators...)
	if err != nil {
		s.logger.Errorw("Provider returned an unparseable response", "provider", result.ProviderUsed, "client", request.ClientIdentity, "error", err)
		return nil, err
	}
	if pass != "" {
		s.logger.Infow("Repaired provider response", "provider", result.ProviderUsed, "pass", pass)
	}

	payload, err = json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize response: %v", err)
	}

	// Cache even if the caller has gone; the next identical request benefits.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()
	if err := s.cache.Store(storeCtx, request.Fingerprint, payload); err != nil {
		s.logger.Warnw("Failed to cache response", "fingerprint", request.Fingerprint, "error", err)
	}

	return &Response{Payload: payload, ProviderUsed: result.ProviderUsed}, nil
}
