package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/tile"
)

// Base is embedded by concrete adapters to supply the callback dispatch
// and handle-allocation plumbing common to all of them.
type Base struct {
	Logger *zap.Logger
	sink   atomic.Value // sinkBox
	nextH  uint64
}

// sinkBox gives every Store call on Base.sink the same concrete type,
// since atomic.Value panics if the concrete type changes between calls.
type sinkBox struct {
	sink EventSink
}

// NewBase constructs a Base with the given logger, defaulting to a no-op
// logger if nil is supplied.
func NewBase(logger *zap.Logger) Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := Base{Logger: logger}
	b.sink.Store(sinkBox{NopEventSink{}})
	return b
}

// SetEventSink installs the sink atomically so adapter-loop goroutines
// reading it concurrently never observe a torn value.
func (b *Base) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = NopEventSink{}
	}
	b.sink.Store(sinkBox{sink})
}

func (b *Base) Sink() EventSink {
	return b.sink.Load().(sinkBox).sink
}

// NextHandle allocates a fresh, never-reused-while-live ConnectionHandle.
// Handles start at 1 so the zero value remains reserved as InvalidHandle.
func (b *Base) NextHandle() tile.ConnectionHandle {
	return tile.ConnectionHandle(atomic.AddUint64(&b.nextH, 1))
}

// RetryPolicy is the retry wheel shared by the adapters: every fallible
// operation is modeled as a result carrying a gwerr.Kind, and the policy
// dispatches on that kind.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Gap is the delay between attempts.
	Gap time.Duration
	// Retryable reports whether the given error should trigger another
	// attempt.
	Retryable func(error) bool
	// OnRetry, if set, observes each failed attempt that will be retried,
	// before the gap elapses. Callers use it for logging and counters.
	OnRetry func(attempt int, err error)
}

// DefaultRPCBusyRetry is the TileBusy retry policy: up to 4 retries with a
// 10ms gap (5 attempts total), never retrying Timeout.
func DefaultRPCBusyRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Gap:         10 * time.Millisecond,
		Retryable: func(err error) bool {
			return errors.Is(err, ErrTileBusy)
		},
	}
}

// DefaultConnectRetry is the early-disconnect-on-connect retry policy: up
// to 5 retries (6 attempts total), sized for BLE links that drop 1-2% of
// connect attempts early.
func DefaultConnectRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		Gap:         0,
		Retryable: func(err error) bool {
			return errors.Is(err, ErrDisconnected)
		},
	}
}

// Do runs fn up to MaxAttempts times, waiting Gap between attempts, as long
// as the returned error is Retryable. It never retries once ctx is done.
// Timeout errors are, by policy, never retryable regardless of what
// Retryable says.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTimeout) {
			return err
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt < p.MaxAttempts-1 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err)
			}
			if p.Gap > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.Gap):
				}
			}
		}
	}
	return err
}
