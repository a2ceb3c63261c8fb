package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/essaytrainer/aigate/state"
)

type brokenStore struct{ state.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("%w: timeout", state.ErrStoreUnavailable)
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: timeout", state.ErrStoreUnavailable)
}

func TestFingerprint(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := Fingerprint("I goes to school.", "Tôi đi học.", "ielts-6.5")
		b := Fingerprint("I goes to school.", "Tôi đi học.", "ielts-6.5")
		assert.Equal(t, a, b)
		assert.Len(t, a, 32)
	})

	t.Run("ignores surrounding and repeated whitespace", func(t *testing.T) {
		a := Fingerprint("  I goes   to\nschool. ", "ref", "target")
		b := Fingerprint("I goes to school.", "ref", "target")
		assert.Equal(t, a, b)
	})

	t.Run("part boundaries matter", func(t *testing.T) {
		assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	})

	t.Run("differs by target", func(t *testing.T) {
		assert.NotEqual(t,
			Fingerprint("text", "ref", "ielts-6.5"),
			Fingerprint("text", "ref", "toeic-800"))
	})
}

func TestCache(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip until ttl", func(t *testing.T) {
		mockClock := clock.NewMock()
		store, stop := state.NewMemoryStoreWithClock(0, mockClock)
		defer stop()
		c := New(store, 0, zaptest.NewLogger(t).Sugar())

		fingerprint := Fingerprint("text", "ref", "target")
		_, hit := c.Lookup(ctx, fingerprint)
		assert.False(t, hit)

		payload := []byte(`{"accuracy":90}`)
		require.NoError(t, c.Store(ctx, fingerprint, payload))

		cached, hit := c.Lookup(ctx, fingerprint)
		assert.True(t, hit)
		assert.Equal(t, payload, cached)

		mockClock.Add(DefaultTTL - time.Second)
		_, hit = c.Lookup(ctx, fingerprint)
		assert.True(t, hit)

		mockClock.Add(time.Second)
		_, hit = c.Lookup(ctx, fingerprint)
		assert.False(t, hit)
	})

	t.Run("rejects empty payload", func(t *testing.T) {
		store, stop := state.NewMemoryStoreWithClock(0, clock.NewMock())
		defer stop()
		c := New(store, time.Hour, zaptest.NewLogger(t).Sugar())

		assert.Error(t, c.Store(ctx, "fp", nil))
	})

	t.Run("store failure is a miss", func(t *testing.T) {
		c := New(brokenStore{}, time.Hour, zaptest.NewLogger(t).Sugar())

		_, hit := c.Lookup(ctx, "fp")
		assert.False(t, hit)
		err := c.Store(ctx, "fp", []byte("{}"))
		assert.True(t, state.IsUnavailable(err))
	})
}
