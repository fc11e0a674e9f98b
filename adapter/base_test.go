package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

func TestBaseHandleAllocation(t *testing.T) {
	b := NewBase(nil)
	h1 := b.NextHandle()
	h2 := b.NextHandle()

	assert.NotEqual(t, tile.InvalidHandle, h1)
	assert.NotEqual(t, h1, h2)
}

func TestBaseSinkDefaultsToNop(t *testing.T) {
	b := NewBase(nil)
	require.NotNil(t, b.Sink())
	b.Sink().OnScan(nil) // must not panic

	b.SetEventSink(nil)
	require.NotNil(t, b.Sink())
}

func TestRPCBusyRetryEventuallySucceeds(t *testing.T) {
	policy := DefaultRPCBusyRetry()
	policy.Gap = 0

	attempts := 0
	err := policy.Do(context.Background(), func(int) error {
		attempts++
		if attempts < 5 {
			return ErrTileBusy
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, attempts)
}

func TestRPCBusyRetryExhausts(t *testing.T) {
	policy := DefaultRPCBusyRetry()
	policy.Gap = 0

	attempts := 0
	err := policy.Do(context.Background(), func(int) error {
		attempts++
		return ErrTileBusy
	})

	assert.True(t, errors.Is(err, gwerr.ErrTileBusy))
	assert.Equal(t, 5, attempts)
}

func TestRetryNeverRetriesTimeout(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(error) bool { return true },
	}

	attempts := 0
	err := policy.Do(context.Background(), func(int) error {
		attempts++
		return ErrTimeout
	})

	assert.True(t, errors.Is(err, gwerr.ErrTimeout))
	assert.Equal(t, 1, attempts, "Timeout is never retried")
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	policy := DefaultConnectRetry()

	attempts := 0
	err := policy.Do(context.Background(), func(int) error {
		attempts++
		return ErrDeviceNotFound
	})

	assert.True(t, errors.Is(err, gwerr.ErrDeviceNotFound))
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := DefaultConnectRetry()
	err := policy.Do(ctx, func(int) error { return ErrDisconnected })
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestConnectRetryMatchesEarlyDisconnectBudget(t *testing.T) {
	policy := DefaultConnectRetry()

	attempts := 0
	err := policy.Do(context.Background(), func(int) error {
		attempts++
		if attempts <= 3 {
			return ErrDisconnected
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
}
