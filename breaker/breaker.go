package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/state"
)

const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 60 * time.Second
)

// State of one provider's circuit. It is never stored; it is derived from the
// failure count kept in the store.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Event changes a circuit's failure count.
type Event string

const (
	EventFailure       Event = "failure"
	EventSuccess       Event = "success"
	EventWindowExpired Event = "window_expired"
)

// StateFor is the canonical derivation of circuit state from a failure count.
func StateFor(failureCount int64, threshold int64) State {
	if failureCount >= threshold {
		return StateOpen
	}
	return StateClosed
}

// Transition returns the failure count and state after event, given the count
// before it. WindowExpired is applied by the store's TTL, never by this package;
// it is listed so the whole state machine is in one place.
func Transition(failureCount int64, event Event, threshold int64) (int64, State) {
	switch event {
	case EventFailure:
		failureCount++
	case EventSuccess, EventWindowExpired:
		failureCount = 0
	}
	return failureCount, StateFor(failureCount, threshold)
}

// Status is a point-in-time view of one provider's circuit.
type Status struct {
	Provider     aigate.ProviderIdentity `json:"provider"`
	State        State                   `json:"state"`
	FailureCount int64                   `json:"failure_count"`
}

// Observer is notified when a circuit opens.
type Observer interface {
	CircuitOpened(provider aigate.ProviderIdentity)
}

// Breaker tracks consecutive failures per provider in the shared store. A
// provider is open while its failure count is at or above the threshold; the
// count's TTL provides the cool-down, so no sweep is needed.
type Breaker struct {
	store     state.Store
	threshold int64
	window    time.Duration
	observer  Observer
	logger    *zap.SugaredLogger
}

func New(store state.Store, threshold int, window time.Duration, logger *zap.SugaredLogger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &Breaker{
		store:     store,
		threshold: int64(threshold),
		window:    window,
		logger:    logger,
	}
}

// WithObserver registers an observer for open transitions.
func (b *Breaker) WithObserver(observer Observer) *Breaker {
	b.observer = observer
	return b
}

func Key(provider aigate.ProviderIdentity) string {
	return fmt.Sprintf("aigate:circuit:%s", provider)
}

// IsOpen reports whether dispatch to the provider is blocked. Store failures
// count as closed so that an unhealthy store never stops the AI call path.
func (b *Breaker) IsOpen(ctx context.Context, provider aigate.ProviderIdentity) bool {
	status, err := b.Status(ctx, provider)
	if err != nil {
		b.logger.Warnw("Failed to read circuit state, treating as closed", "provider", provider, "error", err)
		return false
	}
	return status.State == StateOpen
}

// Status reads the provider's failure count from the store.
func (b *Breaker) Status(ctx context.Context, provider aigate.ProviderIdentity) (Status, error) {
	status := Status{Provider: provider, State: StateClosed}

	value, err := b.store.Get(ctx, Key(provider))
	if err != nil {
		return status, err
	}
	if value == nil {
		return status, nil
	}

	failureCount, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return status, fmt.Errorf("invalid failure count %q: %v", value, err)
	}
	status.FailureCount = failureCount
	status.State = StateFor(failureCount, b.threshold)
	return status, nil
}

// RecordFailure atomically increments the provider's failure count and
// refreshes its window. Returns the new count; zero if the store failed.
func (b *Breaker) RecordFailure(ctx context.Context, provider aigate.ProviderIdentity) int64 {
	failureCount, err := b.store.IncrementOrCreate(ctx, Key(provider), b.window)
	if err != nil {
		b.logger.Warnw("Failed to record provider failure", "provider", provider, "error", err)
		return 0
	}

	before := StateFor(failureCount-1, b.threshold)
	_, after := Transition(failureCount-1, EventFailure, b.threshold)
	if before == StateClosed && after == StateOpen {
		b.logger.Warnw("Circuit opened", "provider", provider, "failures", failureCount, "cooldown", b.window)
		if b.observer != nil {
			b.observer.CircuitOpened(provider)
		}
	} else {
		b.logger.Infow("Recorded provider failure", "provider", provider, "failures", failureCount, "state", after)
	}
	return failureCount
}

// RecordSuccess closes the provider's circuit regardless of its count.
func (b *Breaker) RecordSuccess(ctx context.Context, provider aigate.ProviderIdentity) {
	if err := b.store.Delete(ctx, Key(provider)); err != nil {
		b.logger.Warnw("Failed to reset circuit", "provider", provider, "error", err)
	}
}
