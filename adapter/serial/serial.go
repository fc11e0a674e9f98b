// Package serial implements a DeviceAdapter over a plain
// byte-stream transport -- a serial debug link to a single tile device.
// It reuses the same tag-byte interface framing as adapter/wsadapter (one
// tile.InterfaceKind byte ahead of every chunk) since the link is just
// another full-duplex byte stream once opened, but has no scan/discovery
// concept at all: a serial port is either the one configured device or
// nothing, so Scan always reports exactly one entry, whether or not the
// port has been opened.
package serial

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// Port abstracts the byte stream a real serial library (e.g. a cgo
// wrapper around termios) would provide, kept minimal so this adapter has
// no direct OS dependency.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the configured port on demand; Connect calls it exactly
// once per successful connection.
type Opener func() (Port, error)

// Options configures an Adapter.
type Options struct {
	Logger   *zap.Logger
	DeviceID tile.DeviceID
	Open     Opener
}

// Adapter is a DeviceAdapter for a single serial-attached device. It
// supports at most one connection at a time, matching the physical
// constraint of a serial link.
type Adapter struct {
	adapter.Base

	deviceID tile.DeviceID
	open     Opener

	mu      sync.Mutex
	current *serialConn
}

// New constructs a serial.Adapter.
func New(o Options) *Adapter {
	return &Adapter{
		Base:     adapter.NewBase(o.Logger),
		deviceID: o.DeviceID,
		open:     o.Open,
	}
}

func (a *Adapter) Start(ctx context.Context) error { return nil }

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	c := a.current
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	return a.Disconnect(ctx, c.handle)
}

// Probe publishes the single configured device to the event sink; there is
// no real sweep, but the aggregator's merged table is fed exclusively
// through OnScan, so even a static transport must report what it has.
func (a *Adapter) Probe(ctx context.Context) error {
	a.Sink().OnScan(a.Scan())
	return nil
}

// Scan reports the single configured device as always present; whether it
// is actually reachable is only known once Connect is attempted, same as
// a serial port that may or may not have a device plugged in.
func (a *Adapter) Scan() []tile.ScanResult {
	return []tile.ScanResult{{
		DeviceID:         a.deviceID,
		ConnectionString: "serial",
		SignalStrength:   0,
		Expiration:       time.Now().Add(time.Hour),
	}}
}

func (a *Adapter) Connect(ctx context.Context, cs tile.ConnectionString) (tile.ConnectionHandle, error) {
	a.mu.Lock()
	if a.current != nil {
		a.mu.Unlock()
		return tile.InvalidHandle, gwerr.ErrDeviceInUse
	}
	a.mu.Unlock()

	port, err := a.open()
	if err != nil {
		return tile.InvalidHandle, gwerr.Wrap(gwerr.KindTransportUnavailable, err)
	}

	handle := a.NextHandle()
	c := &serialConn{handle: handle, port: port, closed: make(chan struct{}), open: map[tile.InterfaceKind]bool{tile.InterfaceRPC: true}}

	a.mu.Lock()
	a.current = c
	a.mu.Unlock()

	go a.readLoop(c)
	return handle, nil
}

func (a *Adapter) getConn(handle tile.ConnectionHandle) (*serialConn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.handle != handle {
		return nil, false
	}
	return a.current, true
}

func (a *Adapter) Disconnect(ctx context.Context, handle tile.ConnectionHandle) error {
	c, ok := a.getConn(handle)
	if !ok {
		return nil
	}
	c.explicit = true
	err := c.port.Close()

	a.mu.Lock()
	if a.current == c {
		a.current = nil
	}
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

// SendRPC writes the wire RPC frame and blocks for the single reply frame
// the read loop delivers; a serial debug link has no async_pending
// convention in practice, but the dispatch still honors it if seen.
func (a *Adapter) SendRPC(ctx context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error) {
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

	ch := make(chan tile.RPCResponse, 2)
	c.mu.Lock()
	c.pending = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	if err := a.writeFrame(c, tile.InterfaceRPC, frame); err != nil {
		return tile.RPCResponse{}, gwerr.ErrDisconnected
	}

	// async_pending replies never extend the wait past this ceiling.
	const asyncRPCUpperBound = 60 * time.Second
	if timeout <= 0 || timeout > asyncRPCUpperBound {
		timeout = asyncRPCUpperBound
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	timeoutC := t.C

	for {
		select {
		case resp := <-ch:
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

// SendScript streams data whole; a debug link has no practical size limit
// beyond what the physical port can buffer.
func (a *Adapter) SendScript(ctx context.Context, handle tile.ConnectionHandle, data []byte, progress adapter.ProgressFunc) error {
	c, ok := a.getConn(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	if err := a.writeFrame(c, tile.InterfaceScript, data); err != nil {
		return gwerr.ErrDisconnected
	}
	if progress != nil {
		progress(len(data), len(data))
	}
	return nil
}

func (a *Adapter) SendHighspeed(ctx context.Context, handle tile.ConnectionHandle, data []byte) error {
	c, ok := a.getConn(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	return a.writeFrame(c, tile.InterfaceDebug, data)
}

func (a *Adapter) Capabilities() tile.Capabilities {
	return tile.Capabilities{
		SupportsStreaming:        true,
		SupportsTracing:          true,
		SupportsScript:           true,
		SupportsDebug:            true,
		SupportsRPC:              true,
		MaxConcurrentConnections: 1,
	}
}

func (a *Adapter) writeFrame(c *serialConn, kind tile.InterfaceKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(kind)
	copy(buf[1:], payload)
	_, err := c.port.Write(buf)
	return err
}

func (a *Adapter) readLoop(c *serialConn) {
	defer close(c.closed)
	buf := make([]byte, 4096)

	for {
		n, err := c.port.Read(buf)
		if err != nil {
			a.handleDisconnect(c, err)
			return
		}
		if n < 1 {
			continue
		}

		kind := tile.InterfaceKind(buf[0])
		payload := append([]byte(nil), buf[1:n]...)

		switch kind {
		case tile.InterfaceRPC:
			a.handleRPCFrame(c, payload)
		case tile.InterfaceStreaming:
			a.Sink().OnReport(c.handle, payload, tile.InterfaceStreaming)
		case tile.InterfaceTracing:
			a.Sink().OnTrace(c.handle, payload)
		default:
			a.Logger.Debug("dropping frame on unsupported inbound interface", zap.Stringer("kind", kind))
		}
	}
}

func (a *Adapter) handleRPCFrame(c *serialConn, payload []byte) {
	if len(payload) < 2 {
		return
	}
	status := payload[0]
	payloadLen := int(payload[1])
	if 2+payloadLen > len(payload) {
		return
	}
	resp := tile.RPCResponse{Status: status, Payload: payload[2 : 2+payloadLen]}

	c.mu.Lock()
	ch := c.pending
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (a *Adapter) handleDisconnect(c *serialConn, err error) {
	a.mu.Lock()
	if a.current == c {
		a.current = nil
	}
	a.mu.Unlock()

	if c.explicit {
		return
	}
	a.Logger.Warn("serial link lost", zap.Error(err))
	a.Sink().OnDisconnect(c.handle, gwerr.ErrDisconnected)
}

type serialConn struct {
	handle tile.ConnectionHandle
	port   Port

	writeMu sync.Mutex

	mu      sync.Mutex
	open    map[tile.InterfaceKind]bool
	pending chan tile.RPCResponse

	explicit bool
	closed   chan struct{}
}
