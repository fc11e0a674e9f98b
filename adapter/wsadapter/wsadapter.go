// Package wsadapter implements a device adapter over websocket connections
// that the gateway dials out to tile devices: a low-level connection
// wrapper with idle-deadline refresh and a background ping loop, and a read
// pump goroutine per connection feeding the shared EventSink. One byte of
// tile.InterfaceKind is framed ahead of each binary message so a single
// socket can multiplex RPC, streaming, tracing, script and debug traffic.
package wsadapter

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// DefaultDeviceHeader names the HTTP header carrying the device identifier
// on dial.
const DefaultDeviceHeader = "X-Tile-Device-Id"

const (
	defaultSignalStrength = -50
	defaultScanTTL        = 30 * time.Second
	defaultIdlePeriod     = 60 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultPingPeriod     = 20 * time.Second
	defaultScriptChunk    = 512

	// asyncRPCUpperBound is the hard ceiling on how long one RPC may wait
	// for its final reply, whatever timeout the caller passed.
	asyncRPCUpperBound = 60 * time.Second
)

// websocketDialer is the low-level dial contract, matching gorilla's
// websocket.Dialer so tests can substitute a fake.
type websocketDialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures an Adapter.
type Options struct {
	Logger *zap.Logger

	// Devices maps a known device_id to the websocket URL the gateway
	// dials to reach it. Unlike a BLE adapter, this transport has no
	// broadcast discovery: the device set is whatever the configuration
	// document names.
	Devices map[tile.DeviceID]string

	DeviceHeader string
	Dialer       websocketDialer

	SignalStrength int
	ScanTTL        time.Duration
	IdlePeriod     time.Duration
	WriteTimeout   time.Duration
	PingPeriod     time.Duration
}

// Adapter is a DeviceAdapter backed by websocket connections to
// individually-configured tile devices.
type Adapter struct {
	adapter.Base

	deviceHeader string
	dialer       websocketDialer

	signalStrength int
	scanTTL        time.Duration
	idlePeriod     time.Duration
	writeTimeout   time.Duration
	pingPeriod     time.Duration

	devices     map[tile.DeviceID]string
	deviceByURL map[string]tile.DeviceID

	mu    sync.Mutex
	conns map[tile.ConnectionHandle]*wsConn
}

// New constructs a wsadapter.Adapter.
func New(o Options) *Adapter {
	header := o.DeviceHeader
	if header == "" {
		header = DefaultDeviceHeader
	}
	dialer := o.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	signal := o.SignalStrength
	if signal == 0 {
		signal = defaultSignalStrength
	}
	scanTTL := o.ScanTTL
	if scanTTL <= 0 {
		scanTTL = defaultScanTTL
	}
	idle := o.IdlePeriod
	if idle <= 0 {
		idle = defaultIdlePeriod
	}
	writeTimeout := o.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ping := o.PingPeriod
	if ping <= 0 {
		ping = defaultPingPeriod
	}

	devices := make(map[tile.DeviceID]string, len(o.Devices))
	byURL := make(map[string]tile.DeviceID, len(o.Devices))
	for id, url := range o.Devices {
		devices[id] = url
		byURL[url] = id
	}

	return &Adapter{
		Base:           adapter.NewBase(o.Logger),
		deviceHeader:   header,
		dialer:         dialer,
		signalStrength: signal,
		scanTTL:        scanTTL,
		idlePeriod:     idle,
		writeTimeout:   writeTimeout,
		pingPeriod:     ping,
		devices:        devices,
		deviceByURL:    byURL,
		conns:          make(map[tile.ConnectionHandle]*wsConn),
	}
}

// Start is a no-op: there is no shared transport resource to acquire until
// a specific device is connected.
func (a *Adapter) Start(ctx context.Context) error { return nil }

// Stop disconnects every live connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	conns := make([]*wsConn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, c := range conns {
		_ = a.Disconnect(ctx, c.handle)
	}
	return nil
}

// Probe publishes the configured device set to the event sink. The set is
// static rather than discovered by a broadcast sweep, but the aggregator's
// merged table is fed exclusively through OnScan, so Probe is where fresh
// entries (with renewed expirations) enter it.
func (a *Adapter) Probe(ctx context.Context) error {
	a.Sink().OnScan(a.Scan())
	return nil
}

// Scan returns the statically configured device set, each entry fresh for
// ScanTTL from the call; the transport has no real advertisement aging, so
// the TTL is the only expiry.
func (a *Adapter) Scan() []tile.ScanResult {
	now := time.Now()
	out := make([]tile.ScanResult, 0, len(a.devices))
	for id, url := range a.devices {
		out = append(out, tile.ScanResult{
			DeviceID:         id,
			ConnectionString: tile.ConnectionString(url),
			SignalStrength:   a.signalStrength,
			Expiration:       now.Add(a.scanTTL),
		})
	}
	return out
}

// Connect dials the device addressed by cs and starts its read pump.
func (a *Adapter) Connect(ctx context.Context, cs tile.ConnectionString) (tile.ConnectionHandle, error) {
	url := string(cs)
	deviceID, known := a.deviceByURL[url]
	if !known {
		return tile.InvalidHandle, gwerr.ErrDeviceNotFound
	}

	header := http.Header{}
	header.Set(a.deviceHeader, deviceID.String())

	ws, resp, err := a.dialer.Dial(url, header)
	if err != nil {
		// A dial that got far enough to produce an HTTP response but still
		// failed is the early-disconnect case: the device was reachable and
		// hung up mid-handshake. That is retryable by the aggregator's
		// per-candidate connect policy; a dial that never reached the
		// device is not.
		if resp != nil {
			return tile.InvalidHandle, gwerr.Wrap(gwerr.KindDisconnected, err)
		}
		return tile.InvalidHandle, gwerr.Wrap(gwerr.KindTransportUnavailable, err)
	}

	handle := a.NextHandle()
	c := &wsConn{
		handle:   handle,
		deviceID: deviceID,
		ws:       ws,
		closed:   make(chan struct{}),
		open:     make(map[tile.InterfaceKind]bool),
	}
	c.open[tile.InterfaceRPC] = true

	a.mu.Lock()
	a.conns[handle] = c
	a.mu.Unlock()

	go a.readPump(c)
	go a.pingLoop(c)

	return handle, nil
}

func (a *Adapter) getConn(handle tile.ConnectionHandle) (*wsConn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[handle]
	return c, ok
}

// Disconnect closes handle's socket. Explicit disconnects never fire
// OnDisconnect; that event is reserved for connection loss the read pump
// observes on its own (mirrors adapter/virtual's Disconnect).
func (a *Adapter) Disconnect(ctx context.Context, handle tile.ConnectionHandle) error {
	c, ok := a.getConn(handle)
	if !ok {
		return nil
	}

	c.explicit.Store(true)
	err := c.ws.Close()

	a.mu.Lock()
	delete(a.conns, handle)
	a.mu.Unlock()

	return err
}

func (a *Adapter) OpenInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error {
	c, ok := a.getConn(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	c.mu.Lock()
	c.open[kind] = true
	c.mu.Unlock()
	return nil
}

func (a *Adapter) CloseInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error {
	c, ok := a.getConn(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	c.mu.Lock()
	delete(c.open, kind)
	c.mu.Unlock()
	return nil
}

// SendRPC issues the RPC under the tile-busy retry wheel: a busy pending
// slot or a reply carrying the busy status bit is retried with a short gap
// before TileBusy surfaces to the caller.
func (a *Adapter) SendRPC(ctx context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error) {
	policy := adapter.DefaultRPCBusyRetry()
	policy.OnRetry = func(attempt int, err error) {
		a.Logger.Debug("tile busy, retrying rpc",
			zap.Uint64("handle", uint64(handle)), zap.Uint16("rpcID", rpcID), zap.Int("attempt", attempt+1))
	}

	var resp tile.RPCResponse
	err := policy.Do(ctx, func(int) error {
		r, err := a.sendRPCOnce(ctx, handle, address, rpcID, payload, timeout)
		if err != nil {
			return err
		}
		if r.Busy() {
			return gwerr.ErrTileBusy
		}
		resp = r
		return nil
	})
	if err != nil {
		return tile.RPCResponse{}, err
	}
	return resp, nil
}

// sendRPCOnce writes the wire RPC frame and suspends for the
// matching response, re-suspending once more if the tile replies
// async_pending: the first frame only acknowledges the call is in flight,
// the second carries the final status and payload.
func (a *Adapter) sendRPCOnce(ctx context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error) {
	c, ok := a.getConn(handle)
	if !ok {
		return tile.RPCResponse{}, gwerr.ErrDisconnected
	}
	if len(payload) > tile.MaxRPCPayload {
		return tile.RPCResponse{}, gwerr.ErrRPCInvalidArgs
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = address
	frame[1] = byte(rpcID)
	frame[2] = byte(rpcID >> 8)
	frame[3] = byte(len(payload))
	copy(frame[4:], payload)

	wait := &rpcWait{ch: make(chan tile.RPCResponse, 2)}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return tile.RPCResponse{}, gwerr.ErrTileBusy
	}
	c.pending = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending == wait {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	if err := a.writeFrame(c, tile.InterfaceRPC, frame); err != nil {
		return tile.RPCResponse{}, gwerr.ErrDisconnected
	}

	if timeout <= 0 || timeout > asyncRPCUpperBound {
		timeout = asyncRPCUpperBound
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		var timeoutC <-chan time.Time
		if timer != nil {
			timeoutC = timer.C
		}
		select {
		case resp := <-wait.ch:
			if resp.AsyncPending() {
				continue
			}
			return resp, nil
		case <-c.closed:
			return tile.RPCResponse{}, gwerr.ErrDisconnected
		case <-timeoutC:
			return tile.RPCResponse{}, gwerr.ErrTimeout
		case <-ctx.Done():
			return tile.RPCResponse{}, gwerr.ErrCancelled
		}
	}
}

// SendScript streams data in fixed chunks tagged InterfaceScript,
// reporting monotonically non-decreasing progress.
func (a *Adapter) SendScript(ctx context.Context, handle tile.ConnectionHandle, data []byte, progress adapter.ProgressFunc) error {
	return a.sendChunked(ctx, handle, tile.InterfaceScript, data, progress)
}

// SendHighspeed streams data tagged InterfaceDebug, for reflash/debug use
// only.
func (a *Adapter) SendHighspeed(ctx context.Context, handle tile.ConnectionHandle, data []byte) error {
	return a.sendChunked(ctx, handle, tile.InterfaceDebug, data, nil)
}

func (a *Adapter) sendChunked(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind, data []byte, progress adapter.ProgressFunc) error {
	c, ok := a.getConn(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}

	total := len(data)
	sent := 0
	for sent < total {
		if ctx.Err() != nil {
			return gwerr.ErrCancelled
		}
		end := sent + defaultScriptChunk
		if end > total {
			end = total
		}
		if err := a.writeFrame(c, kind, data[sent:end]); err != nil {
			return gwerr.ErrDisconnected
		}
		sent = end
		if progress != nil {
			progress(sent, total)
		}
	}
	return nil
}

// Capabilities reports full transport support; this adapter never sees
// broadcast advertisements.
func (a *Adapter) Capabilities() tile.Capabilities {
	return tile.Capabilities{
		SupportsStreaming: true,
		SupportsTracing:   true,
		SupportsScript:    true,
		SupportsDebug:     true,
		SupportsRPC:       true,
	}
}

func (a *Adapter) writeFrame(c *wsConn, kind tile.InterfaceKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if a.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	}
	w, err := c.ws.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(kind)}); err != nil {
		w.Close()
		return err
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (a *Adapter) readPump(c *wsConn) {
	defer close(c.closed)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(a.idlePeriod))
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			a.handleDisconnect(c, err)
			return
		}
		if messageType != websocket.BinaryMessage || len(data) < 1 {
			continue
		}

		kind := tile.InterfaceKind(data[0])
		payload := data[1:]

		switch kind {
		case tile.InterfaceRPC:
			a.handleRPCFrame(c, payload)
		case tile.InterfaceStreaming:
			a.Sink().OnReport(c.handle, payload, tile.InterfaceStreaming)
		case tile.InterfaceTracing:
			a.Sink().OnTrace(c.handle, payload)
		default:
			a.Logger.Debug("dropping frame on unsupported inbound interface",
				zap.Stringer("kind", kind), zap.Uint64("handle", uint64(c.handle)))
		}
	}
}

func (a *Adapter) handleRPCFrame(c *wsConn, payload []byte) {
	if len(payload) < 2 {
		a.Logger.Warn("malformed rpc response frame, discarding", zap.Uint64("handle", uint64(c.handle)))
		return
	}
	status := payload[0]
	payloadLen := int(payload[1])
	if 2+payloadLen > len(payload) {
		a.Logger.Warn("rpc response payload_len overruns frame, discarding", zap.Uint64("handle", uint64(c.handle)))
		return
	}
	resp := tile.RPCResponse{Status: status, Payload: payload[2 : 2+payloadLen]}

	c.mu.Lock()
	wait := c.pending
	c.mu.Unlock()

	if wait == nil {
		a.Logger.Warn("unsolicited rpc response, discarding per cancellation-discard policy",
			zap.Uint64("handle", uint64(c.handle)))
		return
	}
	select {
	case wait.ch <- resp:
	default:
	}
}

func (a *Adapter) handleDisconnect(c *wsConn, err error) {
	a.mu.Lock()
	delete(a.conns, c.handle)
	a.mu.Unlock()

	if c.explicit.Load() {
		return
	}

	reason := gwerr.ErrDisconnected
	a.Logger.Warn("websocket connection lost", zap.Uint64("handle", uint64(c.handle)), zap.Error(err))
	a.Sink().OnDisconnect(c.handle, reason)
}

func (a *Adapter) pingLoop(c *wsConn) {
	ticker := time.NewTicker(a.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			deadline := time.Now().Add(a.writeTimeout)
			err := c.ws.WriteControl(websocket.PingMessage, nil, deadline)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// rpcWait is the promise a single in-flight RPC suspends on, keyed
// implicitly by its owning connection; the connection's
// single-in-flight-RPC serialization stands in for an explicit token since
// only one call is ever pending.
type rpcWait struct {
	ch chan tile.RPCResponse
}

type wsConn struct {
	handle   tile.ConnectionHandle
	deviceID tile.DeviceID
	ws       *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	open    map[tile.InterfaceKind]bool
	pending *rpcWait

	explicit atomic.Bool
	closed   chan struct{}
}
