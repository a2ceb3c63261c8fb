package state

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyStore(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		t.Run("returns stored value", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), valkeymock.Match("GET", "test-key")).
				Return(valkeymock.Result(valkeymock.ValkeyBlobString("test-value")))

			value, err := store.Get(context.Background(), "test-key")
			assert.NoError(t, err)
			assert.Equal(t, []byte("test-value"), value)
		})

		t.Run("returns nil for missing key", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), valkeymock.Match("GET", "test-key")).
				Return(valkeymock.Result(valkeymock.ValkeyNil()))

			value, err := store.Get(context.Background(), "test-key")
			assert.NoError(t, err)
			assert.Nil(t, value)
		})

		t.Run("wraps connection errors", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), gomock.Any()).
				Return(valkeymock.ErrorResult(fmt.Errorf("connection refused")))

			value, err := store.Get(context.Background(), "test-key")
			assert.Nil(t, value)
			assert.True(t, IsUnavailable(err))
		})
	})

	t.Run("Set", func(t *testing.T) {
		t.Run("with ttl", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), valkeymock.Match("SET", "test-key", "test-value", "PX", "60000")).
				Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

			err := store.Set(context.Background(), "test-key", []byte("test-value"), time.Minute)
			assert.NoError(t, err)
		})

		t.Run("without ttl", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), valkeymock.Match("SET", "test-key", "test-value")).
				Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

			err := store.Set(context.Background(), "test-key", []byte("test-value"), 0)
			assert.NoError(t, err)
		})

		t.Run("wraps errors", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), gomock.Any()).
				Return(valkeymock.ErrorResult(context.DeadlineExceeded))

			err := store.Set(context.Background(), "test-key", []byte("test-value"), time.Minute)
			assert.True(t, IsUnavailable(err))
			assert.True(t, errors.Is(err, context.DeadlineExceeded))
		})
	})

	t.Run("IncrementOrCreate", func(t *testing.T) {
		t.Run("runs script with key and ttl", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), valkeymock.MatchFn(func(cmd []string) bool {
					return cmd[0] == "EVAL" &&
						cmd[len(cmd)-2] == "aigate:circuit:primary" &&
						cmd[len(cmd)-1] == "60000"
				}, "EVAL script with correct key and ttl")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(3)))

			count, err := store.IncrementOrCreate(context.Background(), "aigate:circuit:primary", time.Minute)
			assert.NoError(t, err)
			assert.Equal(t, int64(3), count)
		})

		t.Run("wraps errors", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), gomock.Any()).
				Return(valkeymock.ErrorResult(fmt.Errorf("valkey error")))

			count, err := store.IncrementOrCreate(context.Background(), "aigate:circuit:primary", time.Minute)
			assert.Equal(t, int64(0), count)
			assert.True(t, IsUnavailable(err))
		})
	})

	t.Run("Delete", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		store := NewValkeyStore(mockClient)

		mockClient.EXPECT().
			Do(gomock.Any(), valkeymock.Match("DEL", "test-key")).
			Return(valkeymock.Result(valkeymock.ValkeyInt64(0)))

		assert.NoError(t, store.Delete(context.Background(), "test-key"))
	})

	t.Run("Exists", func(t *testing.T) {
		t.Run("present", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), valkeymock.Match("EXISTS", "test-key")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(1)))

			exists, err := store.Exists(context.Background(), "test-key")
			assert.NoError(t, err)
			assert.True(t, exists)
		})

		t.Run("absent", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)

			mockClient.EXPECT().
				Do(gomock.Any(), valkeymock.Match("EXISTS", "test-key")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(0)))

			exists, err := store.Exists(context.Background(), "test-key")
			assert.NoError(t, err)
			assert.False(t, exists)
		})
	})
}
