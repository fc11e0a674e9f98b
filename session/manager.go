// Package session implements the device manager: multi-client,
// multi-device arbitration over an Adapter, with per-device connection
// ownership, report/trace fan-out via the report package, broadcast
// monitors, and cancellable suspending operations. Lock ordering is fixed:
// Manager before Adapter before Connection, and callbacks are never
// invoked while any of those locks is held.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/connection"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/internal/journal"
	"github.com/tilegw/gateway/internal/metrics"
	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/tile"
)

// Adapter is the method set the session layer needs from whatever sits
// beneath it -- normally an *aggregate.AggregatingAdapter, but any type
// implementing this (a single adapter.Interface plus device-keyed Connect
// and Scan) works, which keeps the session layer usable in tests without an
// aggregator at all.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Probe(ctx context.Context) error
	Scan() []tile.ScanResult
	Connect(ctx context.Context, deviceID tile.DeviceID) (tile.ConnectionHandle, error)
	Disconnect(ctx context.Context, handle tile.ConnectionHandle) error
	OpenInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error
	CloseInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error
	SendRPC(ctx context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error)
	SendScript(ctx context.Context, handle tile.ConnectionHandle, data []byte, progress adapter.ProgressFunc) error
	SendHighspeed(ctx context.Context, handle tile.ConnectionHandle, data []byte) error
	Capabilities() tile.Capabilities
	SetEventSink(sink adapter.EventSink)
}

// SessionID identifies one external client of the gateway.
type SessionID string

func newSessionID() SessionID {
	return SessionID(ksuid.New().String())
}

type connEntry struct {
	deviceID tile.DeviceID
	handle   tile.ConnectionHandle
	conn     *connection.Connection
	owner    SessionID
}

// Options configures a Manager.
type Options struct {
	Adapter Adapter
	Logger  *zap.Logger
	Codec   report.AuthCodec
	Metrics *metrics.Measures

	MaxReportBytes      int
	SubscriberBufferLen int
	JournalCapacity     int
}

// Manager arbitrates devices across sessions: at most one active
// connection per device process-wide.
type Manager struct {
	logger  *zap.Logger
	adapter Adapter
	codec   report.AuthCodec
	metrics *metrics.Measures

	demux     *report.Demultiplexer
	assembler *report.Assembler
	traces    *traceHub
	journal   *journal.Journal

	mu                sync.Mutex
	sessions          map[SessionID]*Session
	byDevice          map[tile.DeviceID]*connEntry
	byHandle          map[tile.ConnectionHandle]*connEntry
	broadcastMonitors map[SessionID][]*broadcastMonitor
}

// NewManager constructs a Manager wired as the adapter's event sink.
func NewManager(o Options) *Manager {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := o.Metrics
	if m == nil {
		m = metrics.NewMeasures()
	}

	mgr := &Manager{
		logger:            logger,
		adapter:           o.Adapter,
		codec:             o.Codec,
		metrics:           m,
		traces:            newTraceHub(),
		journal:           journal.New(o.JournalCapacity),
		sessions:          make(map[SessionID]*Session),
		byDevice:          make(map[tile.DeviceID]*connEntry),
		byHandle:          make(map[tile.ConnectionHandle]*connEntry),
		broadcastMonitors: make(map[SessionID][]*broadcastMonitor),
	}

	mgr.demux = report.NewDemultiplexer(logger, o.SubscriberBufferLen)
	mgr.assembler = report.NewAssembler(logger, mgr.demux, o.MaxReportBytes)
	mgr.assembler.OnDecoded = mgr.onDecoded

	o.Adapter.SetEventSink(mgr)
	return mgr
}

// Start starts the underlying adapter.
func (m *Manager) Start(ctx context.Context) error { return m.adapter.Start(ctx) }

// Stop stops the underlying adapter, closing every open session first.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(ctx)
	}
	return m.adapter.Stop(ctx)
}

// SessionOpen allocates a new Session. The external transport that owns
// this session (WebSocket connection, HTTP long-poll, in-process channel)
// is the gateway façade's concern, not the Manager's.
func (m *Manager) SessionOpen() *Session {
	s := &Session{
		id:     newSessionID(),
		mgr:    m,
		bound:  make(map[tile.DeviceID]*connEntry),
		subs:   make(map[report.DemuxKey]*report.Subscription),
		traces: make(map[tile.DeviceID]*TraceSubscription),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(1)
	return s
}

// Scan forces a probe and returns the merged scan table, honoring ctx
// cancellation as a suspending operation. A zero timeout skips
// the probe-settle wait and returns whatever is already known.
func (m *Manager) Scan(ctx context.Context, timeout time.Duration) ([]tile.ScanResult, error) {
	if err := m.adapter.Probe(ctx); err != nil {
		m.logger.Warn("probe failed before scan", zap.Error(err))
	}

	if timeout > 0 {
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
			return nil, gwerr.ErrCancelled
		}
	}

	return m.adapter.Scan(), nil
}

// ConnectedDevices returns a sorted snapshot of every device that currently
// has an active connection, for status endpoints and logging.
func (m *Manager) ConnectedDevices() []tile.DeviceID {
	m.mu.Lock()
	ids := maps.Keys(m.byDevice)
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SessionCount reports how many sessions are currently open.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) lookupByHandle(handle tile.ConnectionHandle) (*connEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byHandle[handle]
	return e, ok
}

// --- adapter.EventSink ---

// OnScan is informational only: the adapter/aggregator layer already
// maintains the continuously-updated scan table that Scan reads from.
func (m *Manager) OnScan(results []tile.ScanResult) {}

func (m *Manager) OnReport(handle tile.ConnectionHandle, fragment []byte, kind tile.InterfaceKind) {
	entry, ok := m.lookupByHandle(handle)
	if !ok {
		return
	}

	if err := m.assembler.Feed(handle, kind, entry.deviceID, fragment, m.codec); err != nil {
		m.logger.Error("malformed report, closing interface",
			zap.Stringer("deviceID", entry.deviceID), zap.Stringer("kind", kind), zap.Error(err))
		_ = m.adapter.CloseInterface(context.Background(), handle, kind)
		entry.conn.CloseInterface(kind)
		m.assembler.Reset(handle, kind)
		return
	}

	m.metrics.ReportsDecoded.Add(1)
}

func (m *Manager) OnTrace(handle tile.ConnectionHandle, data []byte) {
	entry, ok := m.lookupByHandle(handle)
	if !ok {
		return
	}
	m.traces.dispatch(entry.deviceID, data)
}

func (m *Manager) OnDisconnect(handle tile.ConnectionHandle, reason error) {
	m.mu.Lock()
	entry, ok := m.byHandle[handle]
	if ok {
		delete(m.byHandle, handle)
		if m.byDevice[entry.deviceID] == entry {
			delete(m.byDevice, entry.deviceID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	entry.conn.HandleDisconnect(reason)
	m.assembler.Reset(handle, tile.InterfaceStreaming)
	m.assembler.Reset(handle, tile.InterfaceTracing)
	m.journal.Forget(entry.deviceID)
	m.metrics.Disconnects.Add(1)
	m.metrics.ActiveConns.Add(-1)
}

func (m *Manager) OnProgress(handle tile.ConnectionHandle, sent, total int) {
	m.logger.Debug("script transfer progress", zap.Uint64("handle", uint64(handle)), zap.Int("sent", sent), zap.Int("total", total))
}

func (m *Manager) OnBroadcast(deviceID tile.DeviceID, payload []byte) {
	m.dispatchBroadcast(deviceID, payload)
}

// onDecoded runs on every report the assembler successfully validates: it
// journals the report for the retransmission window and, independently,
// routes broadcast-keyed SignedList reports to stream-mask broadcast
// monitors (broadcast.go).
func (m *Manager) onDecoded(decoded report.Decoded) {
	m.journal.Record(journal.Key{DeviceID: decoded.DeviceID, Selector: decoded.Selector}, decoded)
	m.dispatchBroadcastReport(decoded)
}

// Replay returns every journaled report for (deviceID, selector) with a
// sequence number greater than afterSeq, for a subscriber resuming after a
// brief disconnect rather than replaying from the beginning.
func (m *Manager) Replay(deviceID tile.DeviceID, selector uint16, afterSeq uint64) ([]journal.Entry, error) {
	return m.journal.Since(journal.Key{DeviceID: deviceID, Selector: selector}, afterSeq)
}
