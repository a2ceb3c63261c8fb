package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/provider"
)

var (
	// ErrAllProvidersExhausted means no provider produced text for this dispatch.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrAllCircuitsOpen is the variant of ErrAllProvidersExhausted where every
	// provider was skipped without a network call.
	ErrAllCircuitsOpen = fmt.Errorf("%w: all circuits open", ErrAllProvidersExhausted)
)

// How long bookkeeping writes may take once the caller has gone away.
const detachedWriteTimeout = 2 * time.Second

var tracer = otel.Tracer("github.com/essaytrainer/aigate/dispatch")

// Generator is one provider in the failover chain.
type Generator interface {
	Identity() aigate.ProviderIdentity
	Generate(ctx context.Context, prompt string) provider.Result
}

// CircuitBreaker gates and records provider attempts.
type CircuitBreaker interface {
	IsOpen(ctx context.Context, provider aigate.ProviderIdentity) bool
	RecordFailure(ctx context.Context, provider aigate.ProviderIdentity) int64
	RecordSuccess(ctx context.Context, provider aigate.ProviderIdentity)
}

// UserBlocker blocks clients after a dispatch exhausts every provider.
type UserBlocker interface {
	Block(ctx context.Context, clientIdentity string) error
}

// Outcome of a single provider within a dispatch.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "circuit_open"
)

// Observer receives dispatch events for metrics.
type Observer interface {
	ProviderAttempted(provider aigate.ProviderIdentity, outcome Outcome)
	DispatchFinished(err error, duration time.Duration)
	ClientBlocked()
}

// Dispatcher tries providers in priority order until one produces text.
// It holds no per-request state; all shared state lives behind the breaker
// and the blocker.
type Dispatcher struct {
	generators []Generator
	breaker    CircuitBreaker
	blocker    UserBlocker
	observer   Observer
	logger     *zap.SugaredLogger
}

// New orders the generators by provider priority. Duplicate identities are rejected.
func New(generators []Generator, breaker CircuitBreaker, blocker UserBlocker, logger *zap.SugaredLogger) (*Dispatcher, error) {
	byIdentity := map[aigate.ProviderIdentity]Generator{}
	for _, generator := range generators {
		identity := generator.Identity()
		if _, err := aigate.ParseProviderIdentity(string(identity)); err != nil {
			return nil, err
		}
		if _, exists := byIdentity[identity]; exists {
			return nil, fmt.Errorf("duplicate provider: %s", identity)
		}
		byIdentity[identity] = generator
	}
	if len(byIdentity) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}

	ordered := []Generator{}
	for _, identity := range aigate.Priority {
		if generator, ok := byIdentity[identity]; ok {
			ordered = append(ordered, generator)
		}
	}

	return &Dispatcher{
		generators: ordered,
		breaker:    breaker,
		blocker:    blocker,
		logger:     logger,
	}, nil
}

func (d *Dispatcher) WithObserver(observer Observer) *Dispatcher {
	d.observer = observer
	return d
}

// Providers returns the configured providers in dispatch order.
func (d *Dispatcher) Providers() []aigate.ProviderIdentity {
	identities := make([]aigate.ProviderIdentity, len(d.generators))
	for i, generator := range d.generators {
		identities[i] = generator.Identity()
	}
	return identities
}

// Dispatch gives every provider whose circuit is closed exactly one attempt,
// in priority order. When none succeeds the client is blocked and the
// returned error wraps ErrAllProvidersExhausted. A canceled context returns
// the context's error without blocking the client.
func (d *Dispatcher) Dispatch(ctx context.Context, prompt string, clientIdentity string) (*aigate.DispatchResult, error) {
	dispatchId := uuid.NewString()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.id", dispatchId),
		attribute.String("client", clientIdentity),
	)

	result, err := d.dispatch(ctx, prompt, clientIdentity, dispatchId)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("provider_used", string(result.ProviderUsed)))
	}
	if d.observer != nil {
		d.observer.DispatchFinished(err, time.Since(start))
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, prompt string, clientIdentity string, dispatchId string) (*aigate.DispatchResult, error) {
	attempted := 0
	var lastError string
	for _, generator := range d.generators {
		identity := generator.Identity()
		if ctx.Err() != nil {
			d.logger.Warnw("Dispatch canceled", "dispatch", dispatchId, "client", clientIdentity, "error", ctx.Err())
			return failure(ctx.Err()), ctx.Err()
		}

		if d.breaker.IsOpen(ctx, identity) {
			d.logger.Infow("Skipping provider with open circuit", "dispatch", dispatchId, "provider", identity, "client", clientIdentity)
			d.attempted(identity, OutcomeSkipped)
			continue
		}

		attempted++
		result := generator.Generate(ctx, prompt)
		if result.Success {
			d.breaker.RecordSuccess(ctx, identity)
			d.attempted(identity, OutcomeSuccess)
			d.logger.Infow("Provider succeeded", "dispatch", dispatchId, "provider", identity, "model", result.Model, "client", clientIdentity)
			return &aigate.DispatchResult{Success: true, Text: result.Text, ProviderUsed: identity}, nil
		}

		if ctx.Err() != nil {
			// The attempt was cut short by the caller, not by the provider.
			d.logger.Warnw("Dispatch canceled during provider call", "dispatch", dispatchId, "provider", identity, "client", clientIdentity)
			return failure(ctx.Err()), ctx.Err()
		}

		failures := d.breaker.RecordFailure(ctx, identity)
		d.attempted(identity, OutcomeFailure)
		lastError = result.ErrorMessage
		d.logger.Warnw("Provider failed, failing over", "dispatch", dispatchId, "provider", identity, "client", clientIdentity, "failures", failures, "error", result.ErrorMessage)
	}

	var err error
	if attempted == 0 {
		err = ErrAllCircuitsOpen
	} else {
		err = fmt.Errorf("%w: last error: %s", ErrAllProvidersExhausted, lastError)
	}
	d.logger.Errorw("No provider available", "dispatch", dispatchId, "client", clientIdentity, "attempted", attempted, "error", err)

	// The block must land even if the caller stops waiting now.
	blockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()
	if blockErr := d.blocker.Block(blockCtx, clientIdentity); blockErr != nil {
		d.logger.Warnw("Failed to block client", "dispatch", dispatchId, "client", clientIdentity, "error", blockErr)
	} else if d.observer != nil {
		d.observer.ClientBlocked()
	}
	return failure(err), err
}

func (d *Dispatcher) attempted(identity aigate.ProviderIdentity, outcome Outcome) {
	if d.observer != nil {
		d.observer.ProviderAttempted(identity, outcome)
	}
}

func failure(err error) *aigate.DispatchResult {
	return &aigate.DispatchResult{Success: false, Error: err.Error()}
}
