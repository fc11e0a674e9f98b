// Package aggregate implements AggregatingAdapter: a single
// logical adapter backed by an ordered list of real adapter.Interface
// instances. It merges scan tables, routes connect attempts to the
// best-signal adapter with free capacity, falls back across adapters on
// failure, and re-tags every adapter event with (adapter_index, device_id)
// before forwarding it to the session layer's EventSink.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// DefaultMaxConnectRetries is the number of distinct candidate adapters the
// aggregator will fall back across before giving up with DeviceNotFound.
const DefaultMaxConnectRetries = 5

// Contribution is one adapter's view of a device in the merged scan table.
type Contribution struct {
	AdapterIndex     int
	SignalStrength   int
	ConnectionString tile.ConnectionString
	Expiration       time.Time
}

type mergedEntry struct {
	deviceID         tile.DeviceID
	contributions    map[int]Contribution
	userConnected    bool
	pendingData      bool
	lowVoltage       bool
	rawAdvertisement []byte
}

func (e *mergedEntry) expired(now time.Time) bool {
	for _, c := range e.contributions {
		if now.Before(c.Expiration) {
			return false
		}
	}
	return true
}

func (e *mergedEntry) sortedContributions() []Contribution {
	out := make([]Contribution, 0, len(e.contributions))
	for _, c := range e.contributions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SignalStrength > out[j].SignalStrength
	})
	return out
}

func (e *mergedEntry) toScanResult(now time.Time) tile.ScanResult {
	var best Contribution
	for _, c := range e.sortedContributions() {
		if now.Before(c.Expiration) {
			best = c
			break
		}
	}
	return tile.ScanResult{
		DeviceID:         e.deviceID,
		ConnectionString: best.ConnectionString,
		SignalStrength:   best.SignalStrength,
		Expiration:       e.latestExpiration(),
		UserConnected:    e.userConnected,
		PendingData:      e.pendingData,
		LowVoltage:       e.lowVoltage,
		AdapterIndex:     best.AdapterIndex,
		RawAdvertisement: e.rawAdvertisement,
	}
}

func (e *mergedEntry) latestExpiration() time.Time {
	var latest time.Time
	for _, c := range e.contributions {
		if c.Expiration.After(latest) {
			latest = c.Expiration
		}
	}
	return latest
}

type connRecord struct {
	deviceID     tile.DeviceID
	adapterIndex int
}

// Options configures an AggregatingAdapter.
type Options struct {
	Adapters          []adapter.Interface
	Logger            *zap.Logger
	MaxConnectRetries int
	Now               func() time.Time
}

// AggregatingAdapter presents many real adapters as one logical device
// space. It is itself not an adapter.Interface: its Connect/Scan operations
// are keyed by DeviceID rather than a single adapter's ConnectionString,
// since routing across adapters is exactly the problem it solves.
type AggregatingAdapter struct {
	adapters          []adapter.Interface
	logger            *zap.Logger
	maxConnectRetries int
	now               func() time.Time

	sink atomicSink

	scanMu sync.RWMutex
	scan   map[tile.DeviceID]*mergedEntry

	connMu   sync.Mutex
	conns    map[tile.ConnectionHandle]connRecord
	inFlight map[int]int // adapterIndex -> active connection count
}

// New constructs an AggregatingAdapter over the given ordered adapter list.
// Adapter order establishes no routing priority by itself; priority comes
// entirely from reported signal strength in each adapter's scan results.
func New(o Options) *AggregatingAdapter {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := o.MaxConnectRetries
	if retries <= 0 {
		retries = DefaultMaxConnectRetries
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}

	a := &AggregatingAdapter{
		adapters:          o.Adapters,
		logger:            logger,
		maxConnectRetries: retries,
		now:               now,
		scan:              make(map[tile.DeviceID]*mergedEntry),
		conns:             make(map[tile.ConnectionHandle]connRecord),
		inFlight:          make(map[int]int),
	}
	a.sink.store(adapter.NopEventSink{})

	for i, underlying := range a.adapters {
		underlying.SetEventSink(&taggedSink{index: i, agg: a})
	}

	return a
}

// SetEventSink installs the receiver for events re-tagged with
// (adapter_index, device_id). This is normally the session layer.
func (a *AggregatingAdapter) SetEventSink(sink adapter.EventSink) {
	if sink == nil {
		sink = adapter.NopEventSink{}
	}
	a.sink.store(sink)
}

// Start starts every underlying adapter. If any fails, the ones already
// started are stopped before returning the error, so a partial start never
// leaks transport resources.
func (a *AggregatingAdapter) Start(ctx context.Context) error {
	for i, underlying := range a.adapters {
		if err := underlying.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = a.adapters[j].Stop(ctx)
			}
			return fmt.Errorf("starting adapter %d: %w", i, err)
		}
	}
	return nil
}

// Stop stops every underlying adapter, collecting (not short-circuiting on)
// errors so one adapter's failure to stop cleanly doesn't leak another's
// resources.
func (a *AggregatingAdapter) Stop(ctx context.Context) error {
	var first error
	for i, underlying := range a.adapters {
		if err := underlying.Stop(ctx); err != nil && first == nil {
			first = fmt.Errorf("stopping adapter %d: %w", i, err)
		}
	}
	return first
}

// Probe forces a fresh scan sweep on every underlying adapter.
func (a *AggregatingAdapter) Probe(ctx context.Context) error {
	var first error
	for i, underlying := range a.adapters {
		if err := underlying.Probe(ctx); err != nil && first == nil {
			first = fmt.Errorf("probing adapter %d: %w", i, err)
		}
	}
	return first
}

// Scan returns the merged scan table: one entry per device_id visible on
// any adapter, with expired contributions (and entries whose last
// contribution has expired) excluded.
func (a *AggregatingAdapter) Scan() []tile.ScanResult {
	now := a.now()
	a.scanMu.RLock()
	defer a.scanMu.RUnlock()

	out := make([]tile.ScanResult, 0, len(a.scan))
	for _, entry := range a.scan {
		if entry.expired(now) {
			continue
		}
		out = append(out, entry.toScanResult(now))
	}
	return out
}

// Contributions returns the sorted-by-signal list of adapters that
// currently see deviceID, for callers that want routing detail beyond the
// single merged ScanResult (e.g. diagnostics).
func (a *AggregatingAdapter) Contributions(deviceID tile.DeviceID) []Contribution {
	a.scanMu.RLock()
	defer a.scanMu.RUnlock()
	entry, ok := a.scan[deviceID]
	if !ok {
		return nil
	}
	return entry.sortedContributions()
}

func (a *AggregatingAdapter) mergeScan(adapterIndex int, results []tile.ScanResult) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	for _, r := range results {
		entry, ok := a.scan[r.DeviceID]
		if !ok {
			entry = &mergedEntry{
				deviceID:      r.DeviceID,
				contributions: make(map[int]Contribution, len(a.adapters)),
			}
			a.scan[r.DeviceID] = entry
		}

		entry.contributions[adapterIndex] = Contribution{
			AdapterIndex:     adapterIndex,
			SignalStrength:   r.SignalStrength,
			ConnectionString: r.ConnectionString,
			Expiration:       r.Expiration,
		}
		entry.userConnected = r.UserConnected
		entry.pendingData = r.PendingData
		entry.lowVoltage = r.LowVoltage
		if len(r.RawAdvertisement) > 0 {
			entry.rawAdvertisement = r.RawAdvertisement
		}
	}
}

func (a *AggregatingAdapter) capacityFree(adapterIndex int) bool {
	max := a.adapters[adapterIndex].Capabilities().MaxConcurrentConnections
	if max <= 0 {
		return true
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.inFlight[adapterIndex] < max
}

// Connect routes a connection attempt for deviceID to the highest-signal
// adapter with free capacity, falling back to the next candidate on
// failure, up to maxConnectRetries distinct candidates. An early disconnect
// during a candidate's connect is retried against that same candidate via
// adapter.DefaultConnectRetry before the aggregator falls back to the next
// one, so a flaky link on the best adapter doesn't immediately push traffic
// onto a weaker adapter.
func (a *AggregatingAdapter) Connect(ctx context.Context, deviceID tile.DeviceID) (tile.ConnectionHandle, error) {
	candidates := a.Contributions(deviceID)
	if len(candidates) == 0 {
		return tile.InvalidHandle, gwerr.ErrDeviceNotFound
	}

	tried := 0
	var lastErr error
	for _, c := range candidates {
		if tried >= a.maxConnectRetries {
			break
		}
		if !a.capacityFree(c.AdapterIndex) {
			a.logger.Debug("skipping candidate adapter at capacity",
				zap.Stringer("deviceID", deviceID), zap.Int("adapterIndex", c.AdapterIndex))
			continue
		}

		tried++
		a.logger.Info("attempting connect via candidate adapter",
			zap.Stringer("deviceID", deviceID), zap.Int("adapterIndex", c.AdapterIndex),
			zap.Int("attempt", tried), zap.Int("signalStrength", c.SignalStrength))

		handle, err := a.connectCandidate(ctx, deviceID, c)
		if err == nil {
			a.connMu.Lock()
			a.conns[handle] = connRecord{deviceID: deviceID, adapterIndex: c.AdapterIndex}
			a.inFlight[c.AdapterIndex]++
			a.connMu.Unlock()
			return handle, nil
		}

		a.logger.Warn("candidate adapter connect failed, falling back",
			zap.Stringer("deviceID", deviceID), zap.Int("adapterIndex", c.AdapterIndex), zap.Error(err))
		lastErr = err
	}

	if lastErr == nil {
		lastErr = gwerr.ErrDeviceNotFound
	}
	a.logger.Error("exhausted all candidate adapters", zap.Stringer("deviceID", deviceID), zap.Error(lastErr))
	return tile.InvalidHandle, gwerr.ErrDeviceNotFound
}

// connectCandidate runs one candidate adapter's connect under the
// early-disconnect retry policy: a connect that fails with Disconnected is
// retried against the same adapter up to the policy's budget before the
// caller moves on to the next candidate.
func (a *AggregatingAdapter) connectCandidate(ctx context.Context, deviceID tile.DeviceID, c Contribution) (tile.ConnectionHandle, error) {
	policy := adapter.DefaultConnectRetry()
	policy.OnRetry = func(attempt int, err error) {
		a.logger.Warn("early disconnect during connect, retrying same adapter",
			zap.Stringer("deviceID", deviceID), zap.Int("adapterIndex", c.AdapterIndex),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	var handle tile.ConnectionHandle
	err := policy.Do(ctx, func(int) error {
		h, err := a.adapters[c.AdapterIndex].Connect(ctx, c.ConnectionString)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return tile.InvalidHandle, err
	}
	return handle, nil
}

// AdapterFor returns the underlying adapter.Interface and its index that
// currently owns handle, if any.
func (a *AggregatingAdapter) AdapterFor(handle tile.ConnectionHandle) (adapter.Interface, int, bool) {
	a.connMu.Lock()
	rec, ok := a.conns[handle]
	a.connMu.Unlock()
	if !ok {
		return nil, -1, false
	}
	return a.adapters[rec.adapterIndex], rec.adapterIndex, true
}

// Disconnect releases handle's underlying transport resources and its
// capacity slot. Always idempotent.
func (a *AggregatingAdapter) Disconnect(ctx context.Context, handle tile.ConnectionHandle) error {
	underlying, idx, ok := a.AdapterFor(handle)
	if !ok {
		return nil
	}

	err := underlying.Disconnect(ctx, handle)

	a.connMu.Lock()
	delete(a.conns, handle)
	if a.inFlight[idx] > 0 {
		a.inFlight[idx]--
	}
	a.connMu.Unlock()

	return err
}

// OpenInterface delegates to the underlying adapter that owns handle.
func (a *AggregatingAdapter) OpenInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error {
	underlying, _, ok := a.AdapterFor(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	return underlying.OpenInterface(ctx, handle, kind)
}

// CloseInterface delegates to the underlying adapter that owns handle.
func (a *AggregatingAdapter) CloseInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error {
	underlying, _, ok := a.AdapterFor(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	return underlying.CloseInterface(ctx, handle, kind)
}

// SendRPC delegates to the underlying adapter that owns handle.
func (a *AggregatingAdapter) SendRPC(ctx context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error) {
	underlying, _, ok := a.AdapterFor(handle)
	if !ok {
		return tile.RPCResponse{}, gwerr.ErrDisconnected
	}
	return underlying.SendRPC(ctx, handle, address, rpcID, payload, timeout)
}

// SendScript delegates to the underlying adapter that owns handle.
func (a *AggregatingAdapter) SendScript(ctx context.Context, handle tile.ConnectionHandle, data []byte, progress adapter.ProgressFunc) error {
	underlying, _, ok := a.AdapterFor(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	return underlying.SendScript(ctx, handle, data, progress)
}

// SendHighspeed delegates to the underlying adapter that owns handle.
func (a *AggregatingAdapter) SendHighspeed(ctx context.Context, handle tile.ConnectionHandle, data []byte) error {
	underlying, _, ok := a.AdapterFor(handle)
	if !ok {
		return gwerr.ErrDisconnected
	}
	return underlying.SendHighspeed(ctx, handle, data)
}

// Capabilities reports the union of every underlying adapter's
// capabilities, since the aggregator as a whole supports an operation if
// any member adapter does.
func (a *AggregatingAdapter) Capabilities() tile.Capabilities {
	var c tile.Capabilities
	for _, underlying := range a.adapters {
		uc := underlying.Capabilities()
		c.SupportsBroadcast = c.SupportsBroadcast || uc.SupportsBroadcast
		c.SupportsStreaming = c.SupportsStreaming || uc.SupportsStreaming
		c.SupportsTracing = c.SupportsTracing || uc.SupportsTracing
		c.SupportsDebug = c.SupportsDebug || uc.SupportsDebug
		c.SupportsScript = c.SupportsScript || uc.SupportsScript
		c.SupportsRPC = c.SupportsRPC || uc.SupportsRPC
		c.RequiresProbe = c.RequiresProbe || uc.RequiresProbe
	}
	return c
}

func (a *AggregatingAdapter) forgetHandle(handle tile.ConnectionHandle) {
	a.connMu.Lock()
	rec, ok := a.conns[handle]
	if ok {
		delete(a.conns, handle)
		if a.inFlight[rec.adapterIndex] > 0 {
			a.inFlight[rec.adapterIndex]--
		}
	}
	a.connMu.Unlock()
}

// taggedSink re-tags every event from one underlying adapter with its
// adapter index before forwarding to the AggregatingAdapter's own sink.
type taggedSink struct {
	index int
	agg   *AggregatingAdapter
}

func (t *taggedSink) OnScan(results []tile.ScanResult) {
	for i := range results {
		results[i].AdapterIndex = t.index
	}
	t.agg.mergeScan(t.index, results)
	t.agg.sink.load().OnScan(results)
}

func (t *taggedSink) OnReport(handle tile.ConnectionHandle, fragment []byte, kind tile.InterfaceKind) {
	t.agg.sink.load().OnReport(handle, fragment, kind)
}

func (t *taggedSink) OnTrace(handle tile.ConnectionHandle, data []byte) {
	t.agg.sink.load().OnTrace(handle, data)
}

func (t *taggedSink) OnDisconnect(handle tile.ConnectionHandle, reason error) {
	t.agg.forgetHandle(handle)
	t.agg.sink.load().OnDisconnect(handle, reason)
}

func (t *taggedSink) OnProgress(handle tile.ConnectionHandle, sent, total int) {
	t.agg.sink.load().OnProgress(handle, sent, total)
}

func (t *taggedSink) OnBroadcast(deviceID tile.DeviceID, payload []byte) {
	t.agg.sink.load().OnBroadcast(deviceID, payload)
}
