// Package tile holds the wire-level data model shared by every component of
// the gateway: device identifiers, scan results, RPC frames, readings, and
// report envelopes. Nothing in this package depends on a transport or on the
// session layer.
package tile

import (
	"encoding/binary"
	"fmt"
)

// DeviceID is the 64-bit identifier unique to one physical or virtual
// device. It is not guaranteed unique across adapters in the pathological
// case of duplicate hardware, but the gateway treats it as the key for
// routing and session arbitration.
type DeviceID uint64

// InvalidDeviceID is returned by lookups that found nothing.
const InvalidDeviceID DeviceID = 0

func (id DeviceID) String() string {
	return fmt.Sprintf("0x%016x", uint64(id))
}

// Bytes returns the little-endian encoding of the id, the same byte order
// used in the SignedList report header's device_id_low/device_id_high split.
func (id DeviceID) Bytes() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	return buf
}

// ConnectionHandle is an opaque, process-scoped identifier an adapter
// allocates when a client begins interacting with a device. It is invalid
// after disconnection; adapters must never reuse a handle value while any
// component still references it.
type ConnectionHandle uint64

// InvalidHandle is the zero value, never issued by a real adapter.
const InvalidHandle ConnectionHandle = 0

// ConnectionString is adapter-specific addressing information: a BLE MAC, a
// serial device path, an in-memory token. It is meaningless outside the
// adapter instance that produced it in a scan.
type ConnectionString string

// InterfaceKind names one of the five sub-channels a connection may open.
type InterfaceKind uint8

const (
	InterfaceRPC InterfaceKind = iota
	InterfaceStreaming
	InterfaceTracing
	InterfaceScript
	InterfaceDebug
)

func (k InterfaceKind) String() string {
	switch k {
	case InterfaceRPC:
		return "rpc"
	case InterfaceStreaming:
		return "streaming"
	case InterfaceTracing:
		return "tracing"
	case InterfaceScript:
		return "script"
	case InterfaceDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// MutuallyExclusive reports whether opening k1 on a connection that
// already has k2 open violates the exclusivity rule: script/debug are
// exclusive with stream/trace.
func MutuallyExclusive(k1, k2 InterfaceKind) bool {
	isBulk := func(k InterfaceKind) bool { return k == InterfaceScript || k == InterfaceDebug }
	isStream := func(k InterfaceKind) bool { return k == InterfaceStreaming || k == InterfaceTracing }
	return (isBulk(k1) && isStream(k2)) || (isBulk(k2) && isStream(k1))
}

// Reserved RPC identifiers
const (
	RPCTileIdentify uint16 = 0x0004
	RPCHardwareVers uint16 = 0x0008
	RPCReset        uint16 = 0x1002
)

// Status bits for an RPC response
const (
	StatusBusy         uint8 = 1 << 0
	StatusAsyncPending uint8 = 1 << 1
	StatusAppError     uint8 = 1 << 2
	StatusHasPayload   uint8 = 1 << 3
)

// RPC is one request addressed to a tile on a device.
type RPC struct {
	Address uint8
	ID      uint16
	Payload []byte
}

// MaxRPCPayload is the largest payload a tile RPC may carry in either
// direction
const MaxRPCPayload = 20

// RPCResponse is the result of a dispatched RPC.
type RPCResponse struct {
	Status  uint8
	Payload []byte
}

func (r RPCResponse) Busy() bool         { return r.Status&StatusBusy != 0 }
func (r RPCResponse) AsyncPending() bool { return r.Status&StatusAsyncPending != 0 }
func (r RPCResponse) AppError() bool     { return r.Status&StatusAppError != 0 }
func (r RPCResponse) HasPayload() bool   { return r.Status&StatusHasPayload != 0 }

// StreamClass is the informational classification carried in the top 4 bits
// of a stream_id. The gateway never inspects reading values based on it.
type StreamClass uint8

const (
	StreamInput StreamClass = iota
	StreamOutput
	StreamBuffered
	StreamUnbuffered
	StreamCounter
	StreamConstant
	StreamSystem
)

// StreamClassOf extracts the classification nibble from a stream id.
func StreamClassOf(streamID uint16) StreamClass {
	return StreamClass(streamID >> 12 & 0xf)
}

// Reading is one timestamped sensor value belonging to a stream.
type Reading struct {
	StreamID  uint16
	ReadingID uint32
	Timestamp uint32
	Value     uint32
}
