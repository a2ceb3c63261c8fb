package block

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/essaytrainer/aigate/state"
)

const DefaultDuration = 60 * time.Second

// Blocker temporarily rejects clients whose last request exhausted every
// provider. The key's existence is the block; its TTL is the duration.
type Blocker struct {
	store    state.Store
	duration time.Duration
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

func New(store state.Store, duration time.Duration, logger *zap.SugaredLogger) *Blocker {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Blocker{store: store, duration: duration, clock: clock.New(), logger: logger}
}

func Key(clientIdentity string) string {
	return fmt.Sprintf("aigate:blocked:%s", clientIdentity)
}

// Duration is how long a block lasts. Callers use it as the Retry-After hint.
func (b *Blocker) Duration() time.Duration {
	return b.duration
}

// Block marks the client as blocked. The stored value is the time of blocking.
func (b *Blocker) Block(ctx context.Context, clientIdentity string) error {
	blockedAt := b.clock.Now().UTC().Format(time.RFC3339)
	if err := b.store.Set(ctx, Key(clientIdentity), []byte(blockedAt), b.duration); err != nil {
		return fmt.Errorf("failed to block client: %w", err)
	}
	b.logger.Warnw("Client blocked", "client", clientIdentity, "duration", b.duration)
	return nil
}

// IsBlocked reports whether the client is currently blocked. A store failure
// is reported as not blocked.
func (b *Blocker) IsBlocked(ctx context.Context, clientIdentity string) bool {
	blocked, err := b.store.Exists(ctx, Key(clientIdentity))
	if err != nil {
		b.logger.Warnw("Failed to check client block, allowing", "client", clientIdentity, "error", err)
		return false
	}
	return blocked
}
