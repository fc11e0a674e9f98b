package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/report/auth"
	"github.com/tilegw/gateway/tile"
)

// fakeAdapter satisfies the session.Adapter contract directly, without an
// aggregator in between.
type fakeAdapter struct {
	mu         sync.Mutex
	sink       adapter.EventSink
	nextHandle uint64
	handles    map[tile.ConnectionHandle]tile.DeviceID

	rpcFn     func(handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte) (tile.RPCResponse, error)
	connectFn func(deviceID tile.DeviceID) error
}

func newFake() *fakeAdapter {
	return &fakeAdapter{handles: make(map[tile.ConnectionHandle]tile.DeviceID)}
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }
func (f *fakeAdapter) Probe(context.Context) error { return nil }
func (f *fakeAdapter) Scan() []tile.ScanResult {
	return []tile.ScanResult{{DeviceID: 7, SignalStrength: -40, Expiration: time.Now().Add(time.Minute)}}
}

func (f *fakeAdapter) Connect(_ context.Context, deviceID tile.DeviceID) (tile.ConnectionHandle, error) {
	if f.connectFn != nil {
		if err := f.connectFn(deviceID); err != nil {
			return tile.InvalidHandle, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	handle := tile.ConnectionHandle(f.nextHandle)
	f.handles[handle] = deviceID
	return handle, nil
}

func (f *fakeAdapter) Disconnect(_ context.Context, handle tile.ConnectionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, handle)
	return nil
}

func (f *fakeAdapter) OpenInterface(context.Context, tile.ConnectionHandle, tile.InterfaceKind) error {
	return nil
}
func (f *fakeAdapter) CloseInterface(context.Context, tile.ConnectionHandle, tile.InterfaceKind) error {
	return nil
}

func (f *fakeAdapter) SendRPC(_ context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, _ time.Duration) (tile.RPCResponse, error) {
	if f.rpcFn != nil {
		return f.rpcFn(handle, address, rpcID, payload)
	}
	return tile.RPCResponse{Status: tile.StatusHasPayload, Payload: []byte{0x01}}, nil
}

func (f *fakeAdapter) SendScript(context.Context, tile.ConnectionHandle, []byte, adapter.ProgressFunc) error {
	return nil
}
func (f *fakeAdapter) SendHighspeed(context.Context, tile.ConnectionHandle, []byte) error {
	return nil
}
func (f *fakeAdapter) Capabilities() tile.Capabilities {
	return tile.Capabilities{SupportsRPC: true, SupportsStreaming: true, SupportsTracing: true}
}
func (f *fakeAdapter) SetEventSink(sink adapter.EventSink) { f.sink = sink }

func newTestManager(t *testing.T) (*Manager, *fakeAdapter) {
	t.Helper()
	fake := newFake()
	mgr := NewManager(Options{
		Adapter: fake,
		Codec:   report.AuthCodec{Provider: auth.Chain{}},
	})
	return mgr, fake
}

func signedFrame(t *testing.T, deviceID tile.DeviceID, selector uint16, readingID uint32) []byte {
	t.Helper()
	buf, err := report.EncodeSignedList(&tile.SignedListReport{
		DeviceID: deviceID,
		ReportID: readingID,
		Flags:    tile.ReportFlags{Selector: selector},
		Readings: []tile.Reading{{StreamID: 0x1000, ReadingID: readingID, Value: 42}},
	}, report.AuthCodec{Provider: auth.Chain{}}, nil)
	require.NoError(t, err)
	return buf
}

// At most one connection per device across all sessions.
func TestDeviceInUseArbitration(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	sessA := mgr.SessionOpen()
	sessB := mgr.SessionOpen()

	require.NoError(t, sessA.Connect(ctx, 7))

	err := sessB.Connect(ctx, 7)
	assert.True(t, errors.Is(err, gwerr.ErrDeviceInUse))

	require.NoError(t, sessA.Disconnect(ctx, 7))
	assert.NoError(t, sessB.Connect(ctx, 7))
}

func TestSendRPCRequiresConnection(t *testing.T) {
	mgr, _ := newTestManager(t)
	sess := mgr.SessionOpen()

	_, err := sess.SendRPC(context.Background(), 7, 8, 4, nil, time.Second)
	assert.True(t, errors.Is(err, gwerr.ErrNotConnected))
}

func TestSendRPCRoundTrip(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sess.Connect(ctx, 7))

	fake.rpcFn = func(_ tile.ConnectionHandle, address uint8, rpcID uint16, _ []byte) (tile.RPCResponse, error) {
		assert.Equal(t, uint8(8), address)
		assert.Equal(t, tile.RPCTileIdentify, rpcID)
		return tile.RPCResponse{Status: tile.StatusHasPayload, Payload: []byte{0xaa}}, nil
	}

	resp, err := sess.SendRPC(ctx, 7, 8, tile.RPCTileIdentify, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa}, resp.Payload)
}

func TestReportFanOutToSubscriber(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sess.Connect(ctx, 7))
	raw, err := sess.Subscribe(ctx, 7, tile.InterfaceStreaming)
	require.NoError(t, err)
	sub, ok := raw.(*report.Subscription)
	require.True(t, ok)

	handle := tile.ConnectionHandle(1)
	fake.sink.OnReport(handle, signedFrame(t, 7, 0x0100, 1), tile.InterfaceStreaming)

	select {
	case decoded := <-sub.C:
		require.NotNil(t, decoded.SignedList)
		assert.Equal(t, tile.DeviceID(7), decoded.DeviceID)
		assert.Equal(t, uint16(0x0100), decoded.Selector)
	case <-time.After(time.Second):
		t.Fatal("report not delivered to subscriber")
	}
}

func TestTraceFanOut(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sess.Connect(ctx, 7))
	raw, err := sess.Subscribe(ctx, 7, tile.InterfaceTracing)
	require.NoError(t, err)
	sub, ok := raw.(*TraceSubscription)
	require.True(t, ok)

	fake.sink.OnTrace(1, []byte("debug output"))

	select {
	case data := <-sub.C:
		assert.Equal(t, []byte("debug output"), data)
	case <-time.After(time.Second):
		t.Fatal("trace bytes not delivered")
	}
}

func TestMalformedReportClosesInterface(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sess.Connect(ctx, 7))
	_, err := sess.Subscribe(ctx, 7, tile.InterfaceStreaming)
	require.NoError(t, err)

	// tampered signature
	frame := signedFrame(t, 7, 0x0100, 1)
	frame[tile.SignedListHeaderSize+12] = 99
	fake.sink.OnReport(1, frame, tile.InterfaceStreaming)

	// a clean reopen works afterward
	assert.NoError(t, sess.OpenInterface(ctx, 7, tile.InterfaceStreaming))
}

func TestAdapterDisconnectCancelsConnection(t *testing.T) {
	mgr, fake := newTestManager(t)
	sessA := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sessA.Connect(ctx, 7))

	fake.sink.OnDisconnect(1, gwerr.ErrDisconnected)

	// the device slot is free: another session may now connect
	sessB := mgr.SessionOpen()
	assert.NoError(t, sessB.Connect(ctx, 7))

	// the disconnected session's RPCs fail locally
	_, err := sessA.SendRPC(ctx, 7, 8, 4, nil, time.Second)
	assert.True(t, errors.Is(err, gwerr.ErrNotConnected))
}

// A disconnect that lands while an RPC is in flight triggers a silent
// reconnect and a retry of the call, invisible to the caller.
func TestMidFlightDisconnectSilentlyReconnects(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sess.Connect(ctx, 7))

	connects := 0
	fake.connectFn = func(tile.DeviceID) error {
		connects++
		return nil
	}

	calls := 0
	fake.rpcFn = func(handle tile.ConnectionHandle, _ uint8, _ uint16, _ []byte) (tile.RPCResponse, error) {
		calls++
		if calls == 1 {
			fake.sink.OnDisconnect(handle, gwerr.ErrDisconnected)
			return tile.RPCResponse{}, gwerr.ErrDisconnected
		}
		return tile.RPCResponse{Status: tile.StatusHasPayload, Payload: []byte{0x5a}}, nil
	}

	resp, err := sess.SendRPC(ctx, 7, 8, 0x8000, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x5a}, resp.Payload)
	assert.Equal(t, 2, calls, "the rpc is retried once after reconnect")
	assert.Equal(t, 1, connects, "exactly one silent reconnect")
}

// Once the reconnect budget is exhausted, the Disconnected error surfaces.
func TestSilentReconnectBudgetExhausts(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sess.Connect(ctx, 7))

	fake.rpcFn = func(handle tile.ConnectionHandle, _ uint8, _ uint16, _ []byte) (tile.RPCResponse, error) {
		fake.sink.OnDisconnect(handle, gwerr.ErrDisconnected)
		return tile.RPCResponse{}, gwerr.ErrDisconnected
	}

	_, err := sess.SendRPC(ctx, 7, 8, 0x8000, nil, time.Second)
	assert.True(t, errors.Is(err, gwerr.ErrDisconnected))
}

func TestSessionCloseReleasesEverything(t *testing.T) {
	mgr, _ := newTestManager(t)
	sessA := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sessA.Connect(ctx, 7))
	require.NoError(t, sessA.Close(ctx))

	// closed sessions reject further operations
	assert.Error(t, sessA.Connect(ctx, 7))

	// and the device is released for other sessions
	sessB := mgr.SessionOpen()
	assert.NoError(t, sessB.Connect(ctx, 7))
	assert.Equal(t, 1, mgr.SessionCount())
}

func TestScanHonorsCancellation(t *testing.T) {
	mgr, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := mgr.Scan(ctx, time.Minute)
	assert.True(t, errors.Is(err, gwerr.ErrCancelled))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "cancellation liveness")
}

func TestScanReturnsAdapterResults(t *testing.T) {
	mgr, _ := newTestManager(t)

	results, err := mgr.Scan(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, tile.DeviceID(7), results[0].DeviceID)
}

func TestBroadcastMonitorPatterns(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()

	type event struct {
		deviceID tile.DeviceID
		selector uint16
	}

	all := make(chan event, 4)
	sess.BroadcastMonitor(BroadcastPattern{Kind: PatternAll}, func(deviceID tile.DeviceID, selector uint16, _ []byte) {
		all <- event{deviceID, selector}
	})

	only5 := make(chan event, 4)
	sess.BroadcastMonitor(BroadcastPattern{Kind: PatternDevice, DeviceID: 5}, func(deviceID tile.DeviceID, selector uint16, _ []byte) {
		only5 <- event{deviceID, selector}
	})

	fake.sink.OnBroadcast(5, []byte{1})
	fake.sink.OnBroadcast(9, []byte{2})

	assert.Len(t, all, 2)
	require.Len(t, only5, 1)
	got := <-only5
	assert.Equal(t, tile.DeviceID(5), got.deviceID)
}

func TestBroadcastMonitorCancel(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()

	events := make(chan struct{}, 4)
	handle := sess.BroadcastMonitor(BroadcastPattern{Kind: PatternAll}, func(tile.DeviceID, uint16, []byte) {
		events <- struct{}{}
	})

	fake.sink.OnBroadcast(5, nil)
	require.Len(t, events, 1)

	handle.Cancel()
	fake.sink.OnBroadcast(5, nil)
	assert.Len(t, events, 1, "cancelled monitor receives nothing")
}

func TestReplayFromJournal(t *testing.T) {
	mgr, fake := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	require.NoError(t, sess.Connect(ctx, 7))
	_, err := sess.Subscribe(ctx, 7, tile.InterfaceStreaming)
	require.NoError(t, err)

	fake.sink.OnReport(1, signedFrame(t, 7, 0x0100, 1), tile.InterfaceStreaming)
	fake.sink.OnReport(1, signedFrame(t, 7, 0x0100, 2), tile.InterfaceStreaming)
	fake.sink.OnReport(1, signedFrame(t, 7, 0x0100, 3), tile.InterfaceStreaming)

	entries, err := sess.Replay(ctx, 7, 0x0100, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// resume after the first sequence number
	entries, err = sess.Replay(ctx, 7, 0x0100, entries[0].Seq)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConnectedDevicesSnapshot(t *testing.T) {
	mgr, _ := newTestManager(t)
	sess := mgr.SessionOpen()
	ctx := context.Background()

	assert.Empty(t, mgr.ConnectedDevices())

	require.NoError(t, sess.Connect(ctx, 7))
	assert.Equal(t, []tile.DeviceID{7}, mgr.ConnectedDevices())
}
