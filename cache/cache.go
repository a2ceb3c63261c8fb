package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/essaytrainer/aigate/state"
)

const DefaultTTL = 24 * time.Hour

// Separates the normalized parts so that ("ab", "c") and ("a", "bc") differ.
const partSeparator = "\x1f"

// Fingerprint returns the content address of a request made of the given
// parts. MD5 is used for addressing only; the digest carries no integrity or
// security guarantee.
func Fingerprint(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, part := range parts {
		normalized[i] = Normalize(part)
	}
	sum := md5.Sum([]byte(strings.Join(normalized, partSeparator)))
	return hex.EncodeToString(sum[:])
}

// Normalize trims the text and collapses every whitespace run to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Cache stores validated, serialized responses by request fingerprint.
type Cache struct {
	store  state.Store
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func New(store state.Store, ttl time.Duration, logger *zap.SugaredLogger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl, logger: logger}
}

func Key(fingerprint string) string {
	return state.CacheKeyPrefix + fingerprint
}

// Lookup returns the cached payload. Any store failure is a miss.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) ([]byte, bool) {
	payload, err := c.store.Get(ctx, Key(fingerprint))
	if err != nil {
		c.logger.Warnw("Failed to read cache, treating as miss", "fingerprint", fingerprint, "error", err)
		return nil, false
	}
	if payload == nil {
		return nil, false
	}
	return payload, true
}

// Store saves the payload. Concurrent stores of the same fingerprint write the
// same payload, so the last write winning is harmless.
func (c *Cache) Store(ctx context.Context, fingerprint string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("refusing to cache empty payload")
	}
	if err := c.store.Set(ctx, Key(fingerprint), payload, c.ttl); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}
