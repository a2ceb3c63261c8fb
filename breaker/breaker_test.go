package breaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/state"
)

type unavailableStore struct{}

func (unavailableStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("%w: connection refused", state.ErrStoreUnavailable)
}
func (unavailableStore) Set(context.Context, string, []byte, time.Duration) error {
	return state.ErrStoreUnavailable
}
func (unavailableStore) IncrementOrCreate(context.Context, string, time.Duration) (int64, error) {
	return 0, state.ErrStoreUnavailable
}
func (unavailableStore) Delete(context.Context, string) error { return state.ErrStoreUnavailable }
func (unavailableStore) Exists(context.Context, string) (bool, error) {
	return false, state.ErrStoreUnavailable
}

type recordingObserver struct {
	opened []aigate.ProviderIdentity
}

func (o *recordingObserver) CircuitOpened(provider aigate.ProviderIdentity) {
	o.opened = append(o.opened, provider)
}

func newTestBreaker(t *testing.T) (*Breaker, *clock.Mock) {
	mockClock := clock.NewMock()
	store, stop := state.NewMemoryStoreWithClock(0, mockClock)
	t.Cleanup(stop)
	return New(store, DefaultFailureThreshold, DefaultFailureWindow, zaptest.NewLogger(t).Sugar()), mockClock
}

func TestTransition(t *testing.T) {
	tests := []struct {
		before    int64
		event     Event
		wantCount int64
		wantState State
	}{
		{0, EventFailure, 1, StateClosed},
		{1, EventFailure, 2, StateClosed},
		{2, EventFailure, 3, StateOpen},
		{3, EventFailure, 4, StateOpen},
		{2, EventSuccess, 0, StateClosed},
		{7, EventSuccess, 0, StateClosed},
		{5, EventWindowExpired, 0, StateClosed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.before, tt.event), func(t *testing.T) {
			count, next := Transition(tt.before, tt.event, DefaultFailureThreshold)
			assert.Equal(t, tt.wantCount, count)
			assert.Equal(t, tt.wantState, next)
		})
	}
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after three consecutive failures", func(t *testing.T) {
		b, _ := newTestBreaker(t)
		observer := &recordingObserver{}
		b.WithObserver(observer)

		assert.False(t, b.IsOpen(ctx, aigate.Primary))
		assert.Equal(t, int64(1), b.RecordFailure(ctx, aigate.Primary))
		assert.Equal(t, int64(2), b.RecordFailure(ctx, aigate.Primary))
		assert.False(t, b.IsOpen(ctx, aigate.Primary))
		assert.Equal(t, int64(3), b.RecordFailure(ctx, aigate.Primary))
		assert.True(t, b.IsOpen(ctx, aigate.Primary))

		// Only the first crossing is a transition.
		b.RecordFailure(ctx, aigate.Primary)
		assert.Equal(t, []aigate.ProviderIdentity{aigate.Primary}, observer.opened)

		// Other providers are unaffected.
		assert.False(t, b.IsOpen(ctx, aigate.Secondary))
	})

	t.Run("success resets any count", func(t *testing.T) {
		b, _ := newTestBreaker(t)
		for i := 0; i < 5; i++ {
			b.RecordFailure(ctx, aigate.Secondary)
		}
		require.True(t, b.IsOpen(ctx, aigate.Secondary))

		b.RecordSuccess(ctx, aigate.Secondary)
		assert.False(t, b.IsOpen(ctx, aigate.Secondary))
		status, err := b.Status(ctx, aigate.Secondary)
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.FailureCount)

		// Idempotent.
		b.RecordSuccess(ctx, aigate.Secondary)
		assert.False(t, b.IsOpen(ctx, aigate.Secondary))
		assert.Equal(t, int64(1), b.RecordFailure(ctx, aigate.Secondary))
	})

	t.Run("closes when the failure window elapses", func(t *testing.T) {
		b, mockClock := newTestBreaker(t)
		for i := 0; i < 3; i++ {
			b.RecordFailure(ctx, aigate.Tertiary)
		}
		require.True(t, b.IsOpen(ctx, aigate.Tertiary))

		mockClock.Add(DefaultFailureWindow - time.Second)
		assert.True(t, b.IsOpen(ctx, aigate.Tertiary))

		mockClock.Add(time.Second)
		assert.False(t, b.IsOpen(ctx, aigate.Tertiary))
	})

	t.Run("each failure refreshes the window", func(t *testing.T) {
		b, mockClock := newTestBreaker(t)
		b.RecordFailure(ctx, aigate.Primary)
		mockClock.Add(40 * time.Second)
		b.RecordFailure(ctx, aigate.Primary)
		mockClock.Add(40 * time.Second)
		b.RecordFailure(ctx, aigate.Primary)

		assert.True(t, b.IsOpen(ctx, aigate.Primary))
	})

	t.Run("fails open when the store is unavailable", func(t *testing.T) {
		b := New(unavailableStore{}, 0, 0, zaptest.NewLogger(t).Sugar())

		assert.False(t, b.IsOpen(ctx, aigate.Primary))
		assert.Equal(t, int64(0), b.RecordFailure(ctx, aigate.Primary))
		b.RecordSuccess(ctx, aigate.Primary)

		_, err := b.Status(ctx, aigate.Primary)
		assert.True(t, state.IsUnavailable(err))
	})
}
