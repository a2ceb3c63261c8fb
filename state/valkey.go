package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

const defaultOperationTimeout = 2 * time.Second

// Increments and refreshes the expiry in one step so that concurrent
// failures from several instances are never lost.
const incrementScript = `
	local count = redis.call('INCR', KEYS[1])
	if tonumber(ARGV[1]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`

type ValkeyStore struct {
	client valkey.Client

	// Upper bound for a single store round trip. A slow store must not hold
	// the request; it surfaces as ErrStoreUnavailable instead.
	timeout time.Duration
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client, timeout: defaultOperationTimeout}
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	valkeyResponse := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := valkeyResponse.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	value, err := valkeyResponse.AsBytes()
	if err != nil {
		return nil, unavailable(err)
	}
	return value, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var command valkey.Completed
	if ttl > 0 {
		command = s.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Px(ttl).
			Build()
	} else {
		command = s.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Build()
	}
	if err := s.client.Do(ctx, command).Error(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *ValkeyStore) IncrementOrCreate(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp := s.client.Do(ctx, s.client.B().Eval().Script(incrementScript).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", ttl.Milliseconds()),
	).Build())

	count, err := resp.AsInt64()
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *ValkeyStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, unavailable(err)
	}
	return count > 0, nil
}

func (s *ValkeyStore) Close() {
	s.client.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
