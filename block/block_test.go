package block

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/essaytrainer/aigate/state"
)

func TestBlocker(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock()
	store, stop := state.NewMemoryStoreWithClock(0, mockClock)
	defer stop()

	blocker := New(store, 0, zaptest.NewLogger(t).Sugar())
	blocker.clock = mockClock
	assert.Equal(t, DefaultDuration, blocker.Duration())

	assert.False(t, blocker.IsBlocked(ctx, "10.0.0.1:abcd"))
	require.NoError(t, blocker.Block(ctx, "10.0.0.1:abcd"))
	assert.True(t, blocker.IsBlocked(ctx, "10.0.0.1:abcd"))
	assert.False(t, blocker.IsBlocked(ctx, "10.0.0.2:abcd"))

	value, err := store.Get(ctx, Key("10.0.0.1:abcd"))
	require.NoError(t, err)
	assert.Equal(t, mockClock.Now().UTC().Format(time.RFC3339), string(value))

	mockClock.Add(59 * time.Second)
	assert.True(t, blocker.IsBlocked(ctx, "10.0.0.1:abcd"))
	mockClock.Add(time.Second)
	assert.False(t, blocker.IsBlocked(ctx, "10.0.0.1:abcd"))
}
