package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

// Window allows at most Limit requests per client within any Period.
type Window struct {
	Name   string        `yaml:"name" json:"name"`
	Limit  int           `yaml:"limit" json:"limit"`
	Period time.Duration `yaml:"period" json:"period"`
}

// DefaultWindows: 10 requests per minute, with bursts capped at 3 per 10 seconds.
var DefaultWindows = []Window{
	{Name: "main", Limit: 10, Period: time.Minute},
	{Name: "burst", Limit: 3, Period: 10 * time.Second},
}

// Decision of a single Allow call.
type Decision struct {
	Allowed bool

	// When the request would be allowed again. Zero if allowed.
	RetryAfter time.Duration

	// Name of the window that rejected the request.
	Window string
}

// Limiter decides whether a client may send another request. A rejected
// request is not counted against any window.
type Limiter interface {
	Allow(ctx context.Context, clientIdentity string) (Decision, error)
}

// Key is the sorted set of one window for one client. The client identity is
// a hash tag, so all windows of a client map to one cluster slot and the
// limiter script may touch them together.
func Key(window string, clientIdentity string) string {
	return fmt.Sprintf("aigate:rate:{%s}:%s", clientIdentity, window)
}

func validateWindows(windows []Window) error {
	if len(windows) == 0 {
		return fmt.Errorf("at least one rate limit window is required")
	}
	names := map[string]bool{}
	for _, window := range windows {
		if window.Name == "" {
			return fmt.Errorf("rate limit window name is required")
		}
		if names[window.Name] {
			return fmt.Errorf("duplicate rate limit window: %s", window.Name)
		}
		names[window.Name] = true
		if window.Limit <= 0 {
			return fmt.Errorf("rate limit window %s: limit must be positive", window.Name)
		}
		if window.Period < time.Millisecond {
			return fmt.Errorf("rate limit window %s: period must be at least 1ms", window.Name)
		}
	}
	return nil
}

// Sliding window over sorted sets scored by request time in milliseconds.
// All windows are checked before any is updated, so a rejection does not
// consume quota. ARGV[1] is the member to add; then limit and period (ms)
// for each key.
const slidingWindowScript = `
local redis_time = redis.call('TIME')
local now = tonumber(redis_time[1]) * 1000 + math.floor(tonumber(redis_time[2]) / 1000)

for i, key in ipairs(KEYS) do
	local limit = tonumber(ARGV[i * 2])
	local period = tonumber(ARGV[i * 2 + 1])
	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - period)
	if redis.call('ZCARD', key) >= limit then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {0, tonumber(oldest[2]) + period - now, i}
	end
end

for i, key in ipairs(KEYS) do
	redis.call('ZADD', key, now, ARGV[1])
	redis.call('PEXPIRE', key, ARGV[i * 2 + 1])
end
return {1, 0, 0}
`

// ValkeyLimiter keeps request timestamps in valkey so that every instance
// sees the same counts.
type ValkeyLimiter struct {
	valkeyClient valkey.Client
	windows      []Window
	member       func() string
	logger       *zap.SugaredLogger
}

func NewValkeyLimiter(valkeyClient valkey.Client, windows []Window, logger *zap.SugaredLogger) (*ValkeyLimiter, error) {
	if err := validateWindows(windows); err != nil {
		return nil, err
	}
	return &ValkeyLimiter{
		valkeyClient: valkeyClient,
		windows:      windows,
		member:       uuid.NewString,
		logger:       logger,
	}, nil
}

// Allow lets the request through when the store cannot be reached.
func (l *ValkeyLimiter) Allow(ctx context.Context, clientIdentity string) (Decision, error) {
	keys := make([]string, len(l.windows))
	args := []string{l.member()}
	for i, window := range l.windows {
		keys[i] = Key(window.Name, clientIdentity)
		args = append(args,
			strconv.Itoa(window.Limit),
			strconv.FormatInt(window.Period.Milliseconds(), 10),
		)
	}

	resp := l.valkeyClient.Do(ctx, l.valkeyClient.B().Eval().Script(slidingWindowScript).Numkeys(int64(len(keys))).Key(keys...).Arg(args...).Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		l.logger.Warnw("Failed to check rate limit, allowing", "client", clientIdentity, "error", err)
		return Decision{Allowed: true}, nil
	}
	if len(result) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	if result[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	index := int(result[2]) - 1
	if index < 0 || index >= len(l.windows) {
		return Decision{}, fmt.Errorf("unexpected rate limit window index: %d", result[2])
	}
	return Decision{
		Allowed:    false,
		RetryAfter: time.Duration(result[1]) * time.Millisecond,
		Window:     l.windows[index].Name,
	}, nil
}
