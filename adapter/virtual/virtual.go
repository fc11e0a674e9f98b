// Package virtual implements the virtual device host: in-process synthetic
// devices that implement the same adapter.Interface contract as a real
// transport, with a per-tile RPC handler table, a format-descriptor-driven
// argument/result size validator, and an async-RPC completion model built
// as a promise keyed by (connection, token) rather than a callback chain.
package virtual

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// asyncRPCUpperBound is the hard ceiling on how long an async RPC may stay
// pending before it fails with Timeout, covering tiles that never deliver a
// finish event.
const asyncRPCUpperBound = 60 * time.Second

// TileState is the per-tile status exposed via the 0x0004 identify RPC's
// status byte.
type TileState struct {
	Configured bool
	Running    bool
	Trapped    bool
	DebugMode  bool
}

// Byte packs the four state bits in the order the identify RPC exposes them.
func (s TileState) Byte() uint8 {
	var b uint8
	if s.Configured {
		b |= 1 << 0
	}
	if s.Running {
		b |= 1 << 1
	}
	if s.Trapped {
		b |= 1 << 2
	}
	if s.DebugMode {
		b |= 1 << 3
	}
	return b
}

// Call is one in-flight RPC dispatched to a tile handler. A handler replies
// synchronously by calling Reply before returning, or stores Call and calls
// Reply later from another goroutine to model the async_pending path.
type Call struct {
	Ctx     context.Context
	Address uint8
	RPCID   uint16
	Args    []byte

	mu      sync.Mutex
	replied bool
	resp    tile.RPCResponse
	done    chan struct{}
}

func newCall(ctx context.Context, address uint8, rpcID uint16, args []byte) *Call {
	return &Call{Ctx: ctx, Address: address, RPCID: rpcID, Args: args, done: make(chan struct{})}
}

// Reply completes the call. Only the first call wins; later calls are
// no-ops, since a tile must not reply twice to the same RPC.
func (c *Call) Reply(payload []byte, status uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replied {
		return
	}
	c.replied = true
	c.resp = tile.RPCResponse{Status: status, Payload: payload}
	close(c.done)
}

func (c *Call) isReplied() (tile.RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp, c.replied
}

// TileHandler implements one RPC on one tile.
type TileHandler func(call *Call)

type registeredHandler struct {
	argFormat    string
	resultFormat string
	handler      TileHandler
}

// Tile is one addressable submodule within a VirtualDevice.
type Tile struct {
	Address uint8

	mu       sync.Mutex
	state    TileState
	hardware string
	handlers map[uint16]registeredHandler
}

// SetHardwareVersion replaces the string the 0x0008 RPC reports, truncated
// to its 10-byte wire field.
func (t *Tile) SetHardwareVersion(hw string) {
	t.mu.Lock()
	t.hardware = hw
	t.mu.Unlock()
}

// NewTile constructs a tile at address and auto-registers the reserved
// RPCs: 0x0004 identify (status byte reflects the tile's live state),
// 0x0008 hardware version, and 0x1002 reset (clears the Running and
// Trapped bits, keeping the tile Configured).
func NewTile(address uint8, name string, version [3]uint8) *Tile {
	t := &Tile{Address: address, hardware: "virtual", handlers: make(map[uint16]registeredHandler)}
	t.RegisterHandler(tile.RPCTileIdentify, "", "H6sBBBB", func(call *Call) {
		t.mu.Lock()
		status := t.state.Byte()
		t.mu.Unlock()
		call.Reply(identifyPayload(name, version, status), tile.StatusHasPayload)
	})
	t.RegisterHandler(tile.RPCHardwareVers, "", "10s", func(call *Call) {
		t.mu.Lock()
		hw := t.hardware
		t.mu.Unlock()
		buf := make([]byte, 10)
		copy(buf, hw)
		call.Reply(buf, tile.StatusHasPayload)
	})
	t.RegisterHandler(tile.RPCReset, "", "", func(call *Call) {
		t.mu.Lock()
		t.state.Running = false
		t.state.Trapped = false
		t.mu.Unlock()
		call.Reply(nil, 0)
	})
	return t
}

func identifyPayload(name string, version [3]uint8, status uint8) []byte {
	buf := make([]byte, 12)
	buf[0], buf[1] = 0xff, 0xff
	copy(buf[2:8], []byte(name))
	buf[8], buf[9], buf[10] = version[0], version[1], version[2]
	buf[11] = status
	return buf
}

// State returns a snapshot of the tile's current state flags.
func (t *Tile) State() TileState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState replaces the tile's state flags, e.g. after a configure or reset
// RPC handler runs.
func (t *Tile) SetState(s TileState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// RegisterHandler installs the handler for rpcID, along with the format
// descriptors the dispatcher uses to validate argument and result sizes
// before and after invoking it. Either descriptor may be empty to skip that
// validation (e.g. a reset RPC with no payload in either direction).
func (t *Tile) RegisterHandler(rpcID uint16, argFormat, resultFormat string, handler TileHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[rpcID] = registeredHandler{argFormat: argFormat, resultFormat: resultFormat, handler: handler}
}

func (t *Tile) lookup(rpcID uint16) (registeredHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handlers[rpcID]
	return h, ok
}

type virtualConn struct {
	handle tile.ConnectionHandle
	open   map[tile.InterfaceKind]bool
	mu     sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *virtualConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *virtualConn) isOpen(kind tile.InterfaceKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[kind]
}

// Options configures a VirtualDevice.
type Options struct {
	DeviceID tile.DeviceID
	Logger   *zap.Logger
	Tiles    []*Tile
}

// VirtualDevice is an in-process adapter.Interface implementation hosting
// one synthetic device and its tiles.
type VirtualDevice struct {
	adapter.Base

	deviceID tile.DeviceID
	tiles    map[uint8]*Tile

	connMu sync.Mutex
	conns  map[tile.ConnectionHandle]*virtualConn
}

// New constructs a VirtualDevice from Options.
func New(o Options) *VirtualDevice {
	vd := &VirtualDevice{
		Base:     adapter.NewBase(o.Logger),
		deviceID: o.DeviceID,
		tiles:    make(map[uint8]*Tile, len(o.Tiles)),
		conns:    make(map[tile.ConnectionHandle]*virtualConn),
	}
	for _, t := range o.Tiles {
		vd.tiles[t.Address] = t
	}
	return vd
}

// Channel returns a DeviceChannel handlers can use to emit streaming reports
// and trace bytes into the report pipeline for every currently connected,
// interface-open handle.
func (vd *VirtualDevice) Channel() *DeviceChannel {
	return &DeviceChannel{vd: vd}
}

func (vd *VirtualDevice) Start(ctx context.Context) error { return nil }
func (vd *VirtualDevice) Stop(ctx context.Context) error  { return nil }

// Probe publishes this device to the event sink so the aggregator's merged
// scan table sees it. A virtual device is always "in range".
func (vd *VirtualDevice) Probe(ctx context.Context) error {
	vd.Sink().OnScan(vd.Scan())
	return nil
}

// Scan reports the one hosted device, fresh for an hour per call.
func (vd *VirtualDevice) Scan() []tile.ScanResult {
	return []tile.ScanResult{{
		DeviceID:         vd.deviceID,
		ConnectionString: "virtual",
		SignalStrength:   0,
		Expiration:       time.Now().Add(time.Hour),
	}}
}

// Connect always succeeds: a virtual device has no real transport to fail
// against. cs is accepted but ignored, since one VirtualDevice instance
// represents exactly one device_id.
func (vd *VirtualDevice) Connect(ctx context.Context, cs tile.ConnectionString) (tile.ConnectionHandle, error) {
	handle := vd.NextHandle()
	vd.connMu.Lock()
	vd.conns[handle] = &virtualConn{
		handle: handle,
		open:   map[tile.InterfaceKind]bool{tile.InterfaceRPC: true},
		closed: make(chan struct{}),
	}
	vd.connMu.Unlock()
	return handle, nil
}

// Disconnect is always idempotent. Any RPC still suspended on this handle
// observes the closure and fails with Disconnected rather than waiting out
// its timeout.
func (vd *VirtualDevice) Disconnect(ctx context.Context, handle tile.ConnectionHandle) error {
	vd.connMu.Lock()
	c, ok := vd.conns[handle]
	delete(vd.conns, handle)
	vd.connMu.Unlock()
	if ok {
		c.markClosed()
	}
	return nil
}

func (vd *VirtualDevice) getConn(handle tile.ConnectionHandle) (*virtualConn, bool) {
	vd.connMu.Lock()
	defer vd.connMu.Unlock()
	c, ok := vd.conns[handle]
	return c, ok
}

func (vd *VirtualDevice) OpenInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error {
	c, ok := vd.getConn(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	c.mu.Lock()
	c.open[kind] = true
	c.mu.Unlock()
	return nil
}

func (vd *VirtualDevice) CloseInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error {
	c, ok := vd.getConn(handle)
	if !ok {
		return nil
	}
	c.mu.Lock()
	delete(c.open, kind)
	c.mu.Unlock()
	return nil
}

// SendRPC dispatches to the tile at address, validating argument size,
// invoking the handler, and -- if the handler did not reply synchronously --
// suspending until it does, the connection disconnects, or timeout elapses.
func (vd *VirtualDevice) SendRPC(ctx context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error) {
	conn, ok := vd.getConn(handle)
	if !ok {
		return tile.RPCResponse{}, gwerr.ErrDisconnected
	}

	t, ok := vd.tiles[address]
	if !ok {
		return tile.RPCResponse{}, adapter.ErrTileNotFound
	}
	reg, ok := t.lookup(rpcID)
	if !ok {
		return tile.RPCResponse{}, gwerr.ErrRPCNotFound
	}

	if reg.argFormat != "" {
		size, err := formatSize(reg.argFormat)
		if err != nil {
			return tile.RPCResponse{}, err
		}
		if len(payload) != size {
			return tile.RPCResponse{}, gwerr.ErrRPCInvalidArgs
		}
	}

	// An async handler that never completes is bounded at asyncRPCUpperBound
	// regardless of what the caller asked for, failing with Timeout.
	if timeout <= 0 || timeout > asyncRPCUpperBound {
		timeout = asyncRPCUpperBound
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := newCall(callCtx, address, rpcID, payload)
	reg.handler(call)

	resp, replied := call.isReplied()
	if !replied {
		select {
		case <-call.done:
			resp, _ = call.isReplied()
		case <-conn.closed:
			return tile.RPCResponse{}, gwerr.ErrDisconnected
		case <-callCtx.Done():
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return tile.RPCResponse{}, gwerr.ErrTimeout
			}
			return tile.RPCResponse{}, gwerr.ErrCancelled
		}
	}

	if reg.resultFormat != "" && resp.HasPayload() {
		size, err := formatSize(reg.resultFormat)
		if err != nil {
			return tile.RPCResponse{}, err
		}
		if len(resp.Payload) != size {
			return tile.RPCResponse{}, gwerr.New(gwerr.KindRPCInvalidResponse, "handler result size mismatch", nil)
		}
	}

	return resp, nil
}

// SendScript simulates an instantaneous transfer: a virtual device has no
// real flash to write to, so it reports full progress immediately.
func (vd *VirtualDevice) SendScript(ctx context.Context, handle tile.ConnectionHandle, data []byte, progress adapter.ProgressFunc) error {
	if _, ok := vd.getConn(handle); !ok {
		return gwerr.ErrDisconnected
	}
	if progress != nil {
		progress(len(data), len(data))
	}
	return nil
}

// SendHighspeed accepts and discards the blob; virtual devices have no
// debug-link hardware to reflash.
func (vd *VirtualDevice) SendHighspeed(ctx context.Context, handle tile.ConnectionHandle, data []byte) error {
	if _, ok := vd.getConn(handle); !ok {
		return gwerr.ErrDisconnected
	}
	return nil
}

// Capabilities reports a virtual device as fully RPC/streaming/tracing
// capable and script/debug capable, with unlimited concurrent connections.
func (vd *VirtualDevice) Capabilities() tile.Capabilities {
	return tile.Capabilities{
		SupportsRPC:       true,
		SupportsStreaming: true,
		SupportsTracing:   true,
		SupportsScript:    true,
		SupportsDebug:     true,
	}
}

// DeviceChannel lets tile handlers push streaming reports and trace bytes
// into the same report-assembler pipeline a real transport's read loop
// feeds.
type DeviceChannel struct {
	vd *VirtualDevice
}

// EmitReport delivers frame to every connected handle with kind currently
// open, exactly as a real adapter's read loop would call EventSink.OnReport.
func (dc *DeviceChannel) EmitReport(kind tile.InterfaceKind, frame []byte) {
	sink := dc.vd.Sink()
	dc.vd.connMu.Lock()
	handles := make([]tile.ConnectionHandle, 0, len(dc.vd.conns))
	for h, c := range dc.vd.conns {
		if c.isOpen(kind) {
			handles = append(handles, h)
		}
	}
	dc.vd.connMu.Unlock()

	for _, h := range handles {
		sink.OnReport(h, frame, kind)
	}
}

// EmitTrace delivers raw trace bytes the same way EmitReport delivers
// framed reports.
func (dc *DeviceChannel) EmitTrace(data []byte) {
	sink := dc.vd.Sink()
	dc.vd.connMu.Lock()
	handles := make([]tile.ConnectionHandle, 0, len(dc.vd.conns))
	for h, c := range dc.vd.conns {
		if c.isOpen(tile.InterfaceTracing) {
			handles = append(handles, h)
		}
	}
	dc.vd.connMu.Unlock()

	for _, h := range handles {
		sink.OnTrace(h, data)
	}
}
