package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// fakeAdapter is a hand-rolled adapter.Interface for aggregator tests.
type fakeAdapter struct {
	adapter.Base

	capabilities tile.Capabilities
	connectFn    func(ctx context.Context, cs tile.ConnectionString) (tile.ConnectionHandle, error)
	connectCalls int
	disconnects  []tile.ConnectionHandle
}

func newFakeAdapter() *fakeAdapter {
	f := &fakeAdapter{Base: adapter.NewBase(nil)}
	f.connectFn = func(context.Context, tile.ConnectionString) (tile.ConnectionHandle, error) {
		return f.NextHandle(), nil
	}
	return f
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }
func (f *fakeAdapter) Probe(context.Context) error { return nil }

func (f *fakeAdapter) Connect(ctx context.Context, cs tile.ConnectionString) (tile.ConnectionHandle, error) {
	f.connectCalls++
	return f.connectFn(ctx, cs)
}

func (f *fakeAdapter) Disconnect(_ context.Context, handle tile.ConnectionHandle) error {
	f.disconnects = append(f.disconnects, handle)
	return nil
}

func (f *fakeAdapter) OpenInterface(context.Context, tile.ConnectionHandle, tile.InterfaceKind) error {
	return nil
}
func (f *fakeAdapter) CloseInterface(context.Context, tile.ConnectionHandle, tile.InterfaceKind) error {
	return nil
}
func (f *fakeAdapter) SendRPC(context.Context, tile.ConnectionHandle, uint8, uint16, []byte, time.Duration) (tile.RPCResponse, error) {
	return tile.RPCResponse{Status: tile.StatusHasPayload, Payload: []byte{1}}, nil
}
func (f *fakeAdapter) SendScript(context.Context, tile.ConnectionHandle, []byte, adapter.ProgressFunc) error {
	return nil
}
func (f *fakeAdapter) SendHighspeed(context.Context, tile.ConnectionHandle, []byte) error {
	return nil
}
func (f *fakeAdapter) Capabilities() tile.Capabilities { return f.capabilities }

// announce feeds one scan entry through the fake's installed sink, the way
// a real adapter's scan sweep would.
func (f *fakeAdapter) announce(deviceID tile.DeviceID, signal int, cs tile.ConnectionString, ttl time.Duration) {
	f.Sink().OnScan([]tile.ScanResult{{
		DeviceID:         deviceID,
		ConnectionString: cs,
		SignalStrength:   signal,
		Expiration:       time.Now().Add(ttl),
	}})
}

func TestScanMergesDuplicateDevices(t *testing.T) {
	a, b := newFakeAdapter(), newFakeAdapter()
	agg := New(Options{Adapters: []adapter.Interface{a, b}})

	a.announce(5, -40, "ble:AA", time.Minute)
	b.announce(5, -80, "ble:BB", time.Minute)
	b.announce(9, -60, "ble:CC", time.Minute)

	results := agg.Scan()
	require.Len(t, results, 2)

	byID := map[tile.DeviceID]tile.ScanResult{}
	for _, r := range results {
		byID[r.DeviceID] = r
	}

	// device 5 appears once, attributed to the best-signal adapter
	merged := byID[5]
	assert.Equal(t, -40, merged.SignalStrength)
	assert.Equal(t, 0, merged.AdapterIndex)
	assert.Equal(t, tile.ConnectionString("ble:AA"), merged.ConnectionString)

	contribs := agg.Contributions(5)
	require.Len(t, contribs, 2)
	assert.Equal(t, 0, contribs[0].AdapterIndex, "sorted by descending signal")
	assert.Equal(t, 1, contribs[1].AdapterIndex)
}

func TestScanExpiresStaleEntries(t *testing.T) {
	a, b := newFakeAdapter(), newFakeAdapter()
	agg := New(Options{Adapters: []adapter.Interface{a, b}})

	a.announce(5, -40, "ble:AA", 10*time.Millisecond)
	b.announce(5, -80, "ble:BB", time.Minute)

	// both contributions live: entry present
	require.Len(t, agg.Scan(), 1)

	time.Sleep(20 * time.Millisecond)

	// a's contribution expired; the entry survives on b's
	results := agg.Scan()
	require.Len(t, results, 1)
}

func TestScanDropsFullyExpiredEntries(t *testing.T) {
	a := newFakeAdapter()
	agg := New(Options{Adapters: []adapter.Interface{a}})

	a.announce(5, -40, "ble:AA", 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	assert.Empty(t, agg.Scan(), "expired entries must not be returned")
}

// Adapter A (best signal) suffers early disconnects
// on its first 3 attempts and succeeds on the 4th, all inside its own
// connect-retry policy; the aggregator never needs the fallback, so B is
// never tried.
func TestConnectRetriesWithinBestAdapterBeforeFallback(t *testing.T) {
	a, b := newFakeAdapter(), newFakeAdapter()

	failures := 3
	a.connectFn = func(ctx context.Context, cs tile.ConnectionString) (tile.ConnectionHandle, error) {
		var handle tile.ConnectionHandle
		err := adapter.DefaultConnectRetry().Do(ctx, func(int) error {
			if failures > 0 {
				failures--
				return adapter.ErrDisconnected
			}
			handle = a.NextHandle()
			return nil
		})
		return handle, err
	}

	agg := New(Options{Adapters: []adapter.Interface{a, b}})
	a.announce(5, -40, "ble:AA", time.Minute)
	b.announce(5, -80, "ble:BB", time.Minute)

	handle, err := agg.Connect(context.Background(), 5)
	require.NoError(t, err)
	assert.NotEqual(t, tile.InvalidHandle, handle)
	assert.Equal(t, 1, a.connectCalls)
	assert.Zero(t, b.connectCalls, "B must never be tried while A succeeds")
}

func TestConnectFallsBackAcrossAdapters(t *testing.T) {
	a, b := newFakeAdapter(), newFakeAdapter()
	a.connectFn = func(context.Context, tile.ConnectionString) (tile.ConnectionHandle, error) {
		return tile.InvalidHandle, adapter.ErrTransportUnavailable
	}

	agg := New(Options{Adapters: []adapter.Interface{a, b}})
	a.announce(5, -40, "ble:AA", time.Minute)
	b.announce(5, -80, "ble:BB", time.Minute)

	handle, err := agg.Connect(context.Background(), 5)
	require.NoError(t, err)
	assert.NotEqual(t, tile.InvalidHandle, handle)
	assert.Equal(t, 1, a.connectCalls)
	assert.Equal(t, 1, b.connectCalls)
}

func TestConnectSkipsAdaptersAtCapacity(t *testing.T) {
	a, b := newFakeAdapter(), newFakeAdapter()
	a.capabilities.MaxConcurrentConnections = 1

	agg := New(Options{Adapters: []adapter.Interface{a, b}})
	a.announce(4, -40, "ble:D4", time.Minute)
	a.announce(5, -40, "ble:AA", time.Minute)
	b.announce(5, -80, "ble:BB", time.Minute)

	// consume a's only slot
	_, err := agg.Connect(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, 1, a.connectCalls)

	// a is full; device 5 must route to b without an attempt on a
	_, err = agg.Connect(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, a.connectCalls)
	assert.Equal(t, 1, b.connectCalls)
}

func TestConnectUnknownDevice(t *testing.T) {
	agg := New(Options{Adapters: []adapter.Interface{newFakeAdapter()}})
	_, err := agg.Connect(context.Background(), 42)
	assert.True(t, errors.Is(err, gwerr.ErrDeviceNotFound))
}

func TestDisconnectReleasesCapacity(t *testing.T) {
	a := newFakeAdapter()
	a.capabilities.MaxConcurrentConnections = 1

	agg := New(Options{Adapters: []adapter.Interface{a}})
	a.announce(5, -40, "ble:AA", time.Minute)

	handle, err := agg.Connect(context.Background(), 5)
	require.NoError(t, err)

	require.NoError(t, agg.Disconnect(context.Background(), handle))
	require.Len(t, a.disconnects, 1)

	// slot is free again
	_, err = agg.Connect(context.Background(), 5)
	assert.NoError(t, err)
}

func TestOperationsOnUnknownHandle(t *testing.T) {
	agg := New(Options{Adapters: []adapter.Interface{newFakeAdapter()}})

	assert.NoError(t, agg.Disconnect(context.Background(), 99), "disconnect is idempotent")

	_, err := agg.SendRPC(context.Background(), 99, 8, 4, nil, time.Second)
	assert.True(t, errors.Is(err, gwerr.ErrDisconnected))

	err = agg.OpenInterface(context.Background(), 99, tile.InterfaceStreaming)
	assert.True(t, errors.Is(err, gwerr.ErrDisconnected))
}

func TestCapabilitiesUnion(t *testing.T) {
	a, b := newFakeAdapter(), newFakeAdapter()
	a.capabilities = tile.Capabilities{SupportsRPC: true, SupportsStreaming: true}
	b.capabilities = tile.Capabilities{SupportsBroadcast: true, RequiresProbe: true}

	agg := New(Options{Adapters: []adapter.Interface{a, b}})
	caps := agg.Capabilities()

	assert.True(t, caps.SupportsRPC)
	assert.True(t, caps.SupportsStreaming)
	assert.True(t, caps.SupportsBroadcast)
	assert.True(t, caps.RequiresProbe)
	assert.False(t, caps.SupportsDebug)
}

func TestEventFanInRetagsAdapterIndex(t *testing.T) {
	a, b := newFakeAdapter(), newFakeAdapter()
	agg := New(Options{Adapters: []adapter.Interface{a, b}})

	var got []tile.ScanResult
	agg.SetEventSink(&captureSink{onScan: func(results []tile.ScanResult) {
		got = append(got, results...)
	}})

	b.announce(9, -60, "ble:CC", time.Minute)

	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].AdapterIndex)
}

type captureSink struct {
	adapter.NopEventSink
	onScan func([]tile.ScanResult)
}

func (c *captureSink) OnScan(results []tile.ScanResult) {
	if c.onScan != nil {
		c.onScan(results)
	}
}
