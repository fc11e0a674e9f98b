// Package adapter defines the single plug-in contract every transport
// backend implements, plus Base, a composable helper that supplies
// callback dispatch and handle allocation, and RetryPolicy, the retry loop
// shared by every concrete adapter without requiring them to inherit from
// a common base type.
package adapter

import (
	"context"
	"time"

	"github.com/tilegw/gateway/tile"
)

// ProgressFunc receives monotonically non-decreasing (sent, total) pairs
// while a script or highspeed blob is streaming to a device.
type ProgressFunc func(sent, total int)

// Interface is the contract every transport backend (BLE, websocket,
// serial, in-process virtual) implements exactly once. A DeviceAdapter owns
// its transport resources and the ConnectionHandles it issues; the gateway
// never reaches past this interface into transport-specific details.
type Interface interface {
	// Start acquires transport resources; Stop releases them on every exit
	// path. Both are idempotent from the caller's perspective: calling Stop
	// without a prior Start, or twice, is not an error.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Probe forces a fresh scan sweep, used by callers that need an
	// up-to-date scan table before connecting.
	Probe(ctx context.Context) error

	// Connect opens a connection to the device addressed by cs. Fails with
	// gwerr kinds device_not_found, tile_busy (as device_in_use on the
	// adapter's own bookkeeping), or transport_unavailable.
	Connect(ctx context.Context, cs tile.ConnectionString) (tile.ConnectionHandle, error)

	// Disconnect is always idempotent: disconnecting an already-closed or
	// unknown handle is not an error.
	Disconnect(ctx context.Context, handle tile.ConnectionHandle) error

	OpenInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error
	CloseInterface(ctx context.Context, handle tile.ConnectionHandle, kind tile.InterfaceKind) error

	SendRPC(ctx context.Context, handle tile.ConnectionHandle, address uint8, rpcID uint16, payload []byte, timeout time.Duration) (tile.RPCResponse, error)
	SendScript(ctx context.Context, handle tile.ConnectionHandle, data []byte, progress ProgressFunc) error
	SendHighspeed(ctx context.Context, handle tile.ConnectionHandle, data []byte) error

	// Capabilities describes what this adapter instance supports. It is
	// fixed for the lifetime of the adapter.
	Capabilities() tile.Capabilities

	// SetEventSink installs the receiver for asynchronous events (scans,
	// reports, trace bytes, disconnects, progress, broadcasts). It must be
	// called before Start.
	SetEventSink(sink EventSink)
}

// EventSink is implemented by the host of an adapter: normally the
// AggregatingAdapter, or the session layer directly for a single-adapter
// deployment. Adapters never hold a reference back to a session; they only
// know their EventSink, which keeps the adapter/session/callback reference
// graph acyclic.
type EventSink interface {
	OnScan(results []tile.ScanResult)
	OnReport(handle tile.ConnectionHandle, fragment []byte, kind tile.InterfaceKind)
	OnTrace(handle tile.ConnectionHandle, data []byte)
	OnDisconnect(handle tile.ConnectionHandle, reason error)
	OnProgress(handle tile.ConnectionHandle, sent, total int)
	OnBroadcast(deviceID tile.DeviceID, payload []byte)
}

// NopEventSink is a no-op EventSink, useful for adapters under test that
// don't exercise the callback path.
type NopEventSink struct{}

func (NopEventSink) OnScan([]tile.ScanResult)                                   {}
func (NopEventSink) OnReport(tile.ConnectionHandle, []byte, tile.InterfaceKind) {}
func (NopEventSink) OnTrace(tile.ConnectionHandle, []byte)                      {}
func (NopEventSink) OnDisconnect(tile.ConnectionHandle, error)                  {}
func (NopEventSink) OnProgress(tile.ConnectionHandle, int, int)                 {}
func (NopEventSink) OnBroadcast(tile.DeviceID, []byte)                          {}
