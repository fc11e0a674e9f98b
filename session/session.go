package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/connection"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/internal/journal"
	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/tile"
)

// Session is one external client of the gateway. All public
// methods are safe for concurrent use.
type Session struct {
	id  SessionID
	mgr *Manager

	mu     sync.Mutex
	closed bool
	bound  map[tile.DeviceID]*connEntry
	subs   map[report.DemuxKey]*report.Subscription
	traces map[tile.DeviceID]*TraceSubscription
}

// ID returns the session's identifier.
func (s *Session) ID() SessionID { return s.id }

// Connect binds this session to deviceID, creating a new ConnectionHandle
// through the adapter. Fails with DeviceInUse if another session currently
// holds this device, or whatever error the adapter's Connect
// returns (DeviceNotFound, TransportUnavailable, ...).
func (s *Session) Connect(ctx context.Context, deviceID tile.DeviceID) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	m := s.mgr

	m.mu.Lock()
	if existing, ok := m.byDevice[deviceID]; ok {
		if existing.conn.State() != connection.StateDisconnected {
			m.mu.Unlock()
			m.metrics.DeviceInUse.Add(1)
			return gwerr.ErrDeviceInUse
		}
		// stale disconnected entry; forget it and proceed to reconnect.
		delete(m.byDevice, deviceID)
		delete(m.byHandle, existing.handle)
	}
	m.mu.Unlock()

	handle, err := m.adapter.Connect(ctx, deviceID)
	if err != nil {
		m.metrics.ConnectErrors.Add(1)
		return err
	}

	conn := connection.New(handle, deviceID, m.logger)
	if err := conn.MarkConnected(); err != nil {
		_ = m.adapter.Disconnect(ctx, handle)
		return err
	}
	if err := conn.OpenInterface(tile.InterfaceRPC); err != nil {
		_ = m.adapter.Disconnect(ctx, handle)
		return err
	}
	if err := m.adapter.OpenInterface(ctx, handle, tile.InterfaceRPC); err != nil {
		_ = m.adapter.Disconnect(ctx, handle)
		return err
	}

	entry := &connEntry{deviceID: deviceID, handle: handle, conn: conn, owner: s.id}

	m.mu.Lock()
	if other, ok := m.byDevice[deviceID]; ok && other.conn.State() != connection.StateDisconnected {
		m.mu.Unlock()
		_ = m.adapter.Disconnect(ctx, handle)
		m.metrics.DeviceInUse.Add(1)
		return gwerr.ErrDeviceInUse
	}
	m.byDevice[deviceID] = entry
	m.byHandle[handle] = entry
	m.mu.Unlock()

	s.mu.Lock()
	s.bound[deviceID] = entry
	s.mu.Unlock()

	m.metrics.Connects.Add(1)
	m.metrics.ActiveConns.Add(1)
	return nil
}

// Disconnect releases this session's binding to deviceID. Idempotent.
func (s *Session) Disconnect(ctx context.Context, deviceID tile.DeviceID) error {
	s.mu.Lock()
	entry, ok := s.bound[deviceID]
	if ok {
		delete(s.bound, deviceID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	m := s.mgr
	m.mu.Lock()
	if m.byDevice[deviceID] == entry {
		delete(m.byDevice, deviceID)
	}
	delete(m.byHandle, entry.handle)
	m.mu.Unlock()

	err := m.adapter.Disconnect(ctx, entry.handle)
	entry.conn.HandleDisconnect(gwerr.ErrDisconnected)
	m.metrics.ActiveConns.Add(-1)
	return err
}

func (s *Session) binding(deviceID tile.DeviceID) (*connEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.bound[deviceID]
	if !ok {
		return nil, gwerr.ErrNotConnected
	}
	return entry, nil
}

// SendRPC issues an RPC on deviceID's connection, routed through the
// Connection FSM's serialization. The adapter is expected to apply
// adapter.DefaultRPCBusyRetry internally; Session enforces that the
// connection and rpc interface are valid before dispatching, and drives
// the silent-reconnect budget when a disconnect lands mid-flight.
func (s *Session) SendRPC(ctx context.Context, deviceID tile.DeviceID, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error) {
	for {
		entry, err := s.binding(deviceID)
		if err != nil {
			return tile.RPCResponse{}, err
		}

		resp, err := entry.conn.WithRPC(ctx, func(rpcCtx context.Context) (tile.RPCResponse, error) {
			return s.mgr.adapter.SendRPC(rpcCtx, entry.handle, address, rpcID, payload, timeout)
		})
		if err == nil || !errors.Is(err, gwerr.ErrDisconnected) {
			return resp, err
		}

		if rerr := s.silentReconnect(ctx, deviceID, entry); rerr != nil {
			return tile.RPCResponse{}, err
		}
	}
}

// silentReconnect tries to restore entry's connection after a mid-flight
// disconnect, consuming one unit of the connection's reconnect budget. The
// caller retries the RPC only on nil return; any failure surfaces the
// original Disconnected instead.
func (s *Session) silentReconnect(ctx context.Context, deviceID tile.DeviceID, entry *connEntry) error {
	if !entry.conn.AttemptReconnect() {
		return gwerr.ErrDisconnected
	}

	m := s.mgr
	m.logger.Info("attempting silent reconnect after mid-flight disconnect",
		zap.Stringer("deviceID", deviceID), zap.String("session", string(s.id)))

	handle, err := m.adapter.Connect(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := m.adapter.OpenInterface(ctx, handle, tile.InterfaceRPC); err != nil {
		_ = m.adapter.Disconnect(ctx, handle)
		return err
	}

	m.mu.Lock()
	if other, ok := m.byDevice[deviceID]; ok && other != entry && other.conn.State() != connection.StateDisconnected {
		m.mu.Unlock()
		_ = m.adapter.Disconnect(ctx, handle)
		return gwerr.ErrDeviceInUse
	}
	m.mu.Unlock()

	if err := entry.conn.MarkReconnected(handle); err != nil {
		_ = m.adapter.Disconnect(ctx, handle)
		return err
	}

	m.mu.Lock()
	delete(m.byHandle, entry.handle)
	entry.handle = handle
	m.byHandle[handle] = entry
	m.byDevice[deviceID] = entry
	m.mu.Unlock()

	m.metrics.Connects.Add(1)
	m.metrics.ActiveConns.Add(1)
	return nil
}

// SendScript streams a script blob to deviceID's connection.
func (s *Session) SendScript(ctx context.Context, deviceID tile.DeviceID, data []byte, progress adapter.ProgressFunc) error {
	entry, err := s.binding(deviceID)
	if err != nil {
		return err
	}
	return s.mgr.adapter.SendScript(ctx, entry.handle, data, progress)
}

// OpenInterface opens an additional interface kind on deviceID's connection,
// enforcing the FSM's mutual-exclusion rules before touching the adapter.
func (s *Session) OpenInterface(ctx context.Context, deviceID tile.DeviceID, kind tile.InterfaceKind) error {
	entry, err := s.binding(deviceID)
	if err != nil {
		return err
	}
	if err := entry.conn.OpenInterface(kind); err != nil {
		return err
	}
	return s.mgr.adapter.OpenInterface(ctx, entry.handle, kind)
}

// CloseInterface closes kind on deviceID's connection.
func (s *Session) CloseInterface(ctx context.Context, deviceID tile.DeviceID, kind tile.InterfaceKind) error {
	entry, err := s.binding(deviceID)
	if err != nil {
		return err
	}
	entry.conn.CloseInterface(kind)
	s.mgr.assembler.Reset(entry.handle, kind)
	return s.mgr.adapter.CloseInterface(ctx, entry.handle, kind)
}

// Subscribe enrolls this session as a report subscriber for deviceID's
// streaming interface, receiving every selector emitted on
// that device via the report demultiplexer's wildcard routing, or as a raw
// tracing subscriber when kind is InterfaceTracing.
func (s *Session) Subscribe(ctx context.Context, deviceID tile.DeviceID, kind tile.InterfaceKind) (interface{}, error) {
	if err := s.OpenInterface(ctx, deviceID, kind); err != nil {
		return nil, err
	}

	if kind == tile.InterfaceTracing {
		sub := s.mgr.traces.subscribe(deviceID)
		s.mu.Lock()
		s.traces[deviceID] = sub
		s.mu.Unlock()
		return sub, nil
	}

	key := report.DemuxKey{DeviceID: deviceID, Selector: report.SelectorAny}
	sub := s.mgr.demux.Subscribe(key)
	s.mu.Lock()
	s.subs[key] = sub
	s.mu.Unlock()
	return sub, nil
}

// Replay returns journaled reports for deviceID's selector emitted after
// afterSeq, letting a subscriber that briefly dropped its subscription
// catch up instead of losing everything in between.
func (s *Session) Replay(ctx context.Context, deviceID tile.DeviceID, selector uint16, afterSeq uint64) ([]journal.Entry, error) {
	if _, err := s.binding(deviceID); err != nil {
		return nil, err
	}
	return s.mgr.Replay(deviceID, selector, afterSeq)
}

// BroadcastMonitor is defined in broadcast.go.

// Close closes every connection this session owns, cancels its
// subscriptions, and removes it from the manager, delivering a final
// disconnect on each owned connection.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bound := s.bound
	s.bound = nil
	subs := s.subs
	s.subs = nil
	traces := s.traces
	s.traces = nil
	s.mu.Unlock()

	for deviceID, entry := range bound {
		m := s.mgr
		m.mu.Lock()
		if m.byDevice[deviceID] == entry {
			delete(m.byDevice, deviceID)
		}
		delete(m.byHandle, entry.handle)
		m.mu.Unlock()

		_ = m.adapter.Disconnect(ctx, entry.handle)
		entry.conn.HandleDisconnect(gwerr.ErrDisconnected)
		m.metrics.ActiveConns.Add(-1)
	}

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, sub := range traces {
		sub.Unsubscribe()
	}

	m := s.mgr
	m.mu.Lock()
	delete(m.sessions, s.id)
	delete(m.broadcastMonitors, s.id)
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(-1)
	m.logger.Info("session closed", zap.String("session", string(s.id)))
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
