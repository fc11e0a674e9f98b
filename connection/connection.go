// Package connection implements the per-device connection and interface
// state machine, NEW -> CONNECTED -> DISCONNECTED with a set of open
// interfaces in between, plus RPC serialization and
// reconnect-on-mid-flight-disconnect bookkeeping.
package connection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// State is one of the three connection lifecycle states.
type State uint8

const (
	StateNew State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultReconnectAttempts is the number of silent reconnects an adapter may
// attempt before raising, when a disconnect occurs mid-RPC.
const DefaultReconnectAttempts = 3

// Connection tracks the FSM for one ConnectionHandle: which interfaces are
// open, whether an RPC is in flight, and the disconnect/reconnect history.
// A Connection is safe for concurrent use.
type Connection struct {
	mu       sync.Mutex
	handle   tile.ConnectionHandle
	deviceID tile.DeviceID
	state    State
	open     map[tile.InterfaceKind]bool
	logger   *zap.Logger

	rpcSlot chan struct{} // 1-buffered semaphore serializing RPCs

	inFlightMu     sync.Mutex
	inFlightCancel context.CancelFunc

	reconnectAttempts int
	maxReconnects     int
}

// New creates a Connection in StateNew for the given handle/device pair.
func New(handle tile.ConnectionHandle, deviceID tile.DeviceID, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		handle:        handle,
		deviceID:      deviceID,
		state:         StateNew,
		open:          make(map[tile.InterfaceKind]bool, 5),
		logger:        logger.With(zap.Stringer("deviceID", deviceID), zap.Uint64("handle", uint64(handle))),
		rpcSlot:       make(chan struct{}, 1),
		maxReconnects: DefaultReconnectAttempts,
	}
	c.rpcSlot <- struct{}{}
	return c
}

func (c *Connection) Handle() tile.ConnectionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Connection) DeviceID() tile.DeviceID { return c.deviceID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkConnected transitions NEW -> CONNECTED. Calling it from any other
// state is an error; a failed connect discards the Connection and frees
// its handle rather than reusing either.
func (c *Connection) MarkConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNew {
		return gwerr.New(gwerr.KindBadArgument, "connection not in NEW state", nil)
	}
	c.state = StateConnected
	return nil
}

// OpenInterface opens kind on this connection. It requires CONNECTED and
// enforces the mutual-exclusion rule between {script,debug} and
// {streaming,tracing}.
func (c *Connection) OpenInterface(kind tile.InterfaceKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return gwerr.ErrNotConnected
	}

	for open := range c.open {
		if open == kind {
			return nil // already open; opening is idempotent
		}
		if tile.MutuallyExclusive(kind, open) {
			return gwerr.New(gwerr.KindBadArgument,
				kind.String()+" is mutually exclusive with open interface "+open.String(), nil)
		}
	}

	c.open[kind] = true
	return nil
}

// CloseInterface closes kind; closing an interface that isn't open is not
// an error.
func (c *Connection) CloseInterface(kind tile.InterfaceKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, kind)
	return nil
}

// IsOpen reports whether kind is currently open on this connection.
func (c *Connection) IsOpen(kind tile.InterfaceKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[kind]
}

// acquireRPCSlot blocks until no other RPC is in flight on this connection,
// honoring ctx cancellation. This is what gives RPCs on a single connection
// their strict request-order serialization.
func (c *Connection) acquireRPCSlot(ctx context.Context) error {
	select {
	case <-c.rpcSlot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) releaseRPCSlot() {
	c.rpcSlot <- struct{}{}
}

// WithRPC serializes fn against any other in-flight RPC on this connection,
// requires the rpc interface to be open, and arranges for fn's context to
// be cancelled if HandleDisconnect fires while fn is running, which is how
// a mid-flight disconnect surfaces to the waiting caller.
func (c *Connection) WithRPC(ctx context.Context, fn func(ctx context.Context) (tile.RPCResponse, error)) (tile.RPCResponse, error) {
	if c.State() != StateConnected {
		return tile.RPCResponse{}, gwerr.ErrNotConnected
	}
	if !c.IsOpen(tile.InterfaceRPC) {
		return tile.RPCResponse{}, gwerr.ErrInterfaceNotOpen
	}

	if err := c.acquireRPCSlot(ctx); err != nil {
		return tile.RPCResponse{}, err
	}
	defer c.releaseRPCSlot()

	rpcCtx, cancel := context.WithCancel(ctx)
	c.inFlightMu.Lock()
	c.inFlightCancel = cancel
	c.inFlightMu.Unlock()

	defer func() {
		c.inFlightMu.Lock()
		c.inFlightCancel = nil
		c.inFlightMu.Unlock()
		cancel()
	}()

	resp, err := fn(rpcCtx)
	if err != nil && c.State() == StateDisconnected {
		// the disconnect cancelled the in-flight call; whatever the
		// transport reported, the caller sees Disconnected.
		return tile.RPCResponse{}, gwerr.ErrDisconnected
	}
	return resp, err
}

// MarkReconnected transitions DISCONNECTED -> CONNECTED after a silent
// reconnect, rebinding the connection to the freshly issued handle and
// reopening the rpc interface. The reconnect-attempt count is retained, so
// the budget spans the whole episode rather than resetting per handle.
func (c *Connection) MarkReconnected(handle tile.ConnectionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return gwerr.New(gwerr.KindBadArgument, "connection is not disconnected", nil)
	}
	c.state = StateConnected
	c.handle = handle
	c.open[tile.InterfaceRPC] = true
	return nil
}

// HandleDisconnect transitions the connection directly to DISCONNECTED from
// any state, cancels any in-flight RPC (which surfaces as Disconnected to
// the waiting caller), and closes every open interface.
func (c *Connection) HandleDisconnect(reason error) {
	c.mu.Lock()
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	for k := range c.open {
		delete(c.open, k)
	}
	c.mu.Unlock()

	c.inFlightMu.Lock()
	cancel := c.inFlightCancel
	c.inFlightMu.Unlock()
	if cancel != nil {
		cancel()
	}

	if wasConnected {
		c.logger.Info("connection disconnected", zap.Error(reason))
	}
}

// AttemptReconnect records one silent reconnect attempt and reports whether
// the caller is still within the reconnect budget. Once exhausted, the
// caller must raise rather than attempt again.
func (c *Connection) AttemptReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectAttempts >= c.maxReconnects {
		return false
	}
	c.reconnectAttempts++
	return true
}
