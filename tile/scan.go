package tile

import "time"

// ScanResult describes one device visible to a single adapter at the moment
// of the scan. AggregatingAdapter merges these across adapters; an
// individual adapter never merges its own duplicates.
type ScanResult struct {
	DeviceID         DeviceID
	ConnectionString ConnectionString
	SignalStrength   int // higher is better
	Expiration       time.Time
	UserConnected    bool
	PendingData      bool
	LowVoltage       bool
	AdapterIndex     int

	// RawAdvertisement carries transport-specific advertisement bytes (e.g.
	// a BLE v1 or v2 advertisement payload) that the adapter interface does
	// not otherwise expose uniformly. The aggregator never interprets it;
	// only adapter-local code that produced it should.
	RawAdvertisement []byte
}

// Expired reports whether this scan result should no longer be returned, as
// of `now`.
func (s ScanResult) Expired(now time.Time) bool {
	return now.After(s.Expiration)
}

// Capabilities is the set of capability flags a DeviceAdapter declares at
// startup. The aggregator and session layer consult these before attempting
// an operation so that an unsupported request fails fast with a clear error
// instead of timing out against a transport that was never going to answer.
type Capabilities struct {
	SupportsBroadcast        bool
	SupportsStreaming        bool
	SupportsTracing          bool
	SupportsDebug            bool
	SupportsScript           bool
	SupportsRPC              bool
	RequiresProbe            bool
	MaxConcurrentConnections int
}
