// Package metrics defines the gateway's runtime counters using go-kit's
// generic (in-process) metrics backend. A Measures is threaded through the
// session and adapter layers at construction time.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/generic"
)

// Measures bundles every counter/gauge the gateway exposes. Fields are
// metrics.Counter/Gauge interfaces rather than concrete generic types so a
// caller can swap in a different go-kit backend without touching call
// sites.
type Measures struct {
	Connects       metrics.Counter
	Disconnects    metrics.Counter
	ConnectErrors  metrics.Counter
	DeviceInUse    metrics.Counter
	RPCAttempts    metrics.Counter
	RPCRetries     metrics.Counter
	RPCTimeouts    metrics.Counter
	ReportsDropped metrics.Counter
	ReportsDecoded metrics.Counter
	ActiveSessions metrics.Gauge
	ActiveConns    metrics.Gauge
}

// NewMeasures builds a Measures backed by go-kit's generic in-process
// implementations.
func NewMeasures() *Measures {
	return &Measures{
		Connects:       newCounter("gateway_connects_total"),
		Disconnects:    newCounter("gateway_disconnects_total"),
		ConnectErrors:  newCounter("gateway_connect_errors_total"),
		DeviceInUse:    newCounter("gateway_device_in_use_total"),
		RPCAttempts:    newCounter("gateway_rpc_attempts_total"),
		RPCRetries:     newCounter("gateway_rpc_retries_total"),
		RPCTimeouts:    newCounter("gateway_rpc_timeouts_total"),
		ReportsDropped: newCounter("gateway_reports_dropped_total"),
		ReportsDecoded: newCounter("gateway_reports_decoded_total"),
		ActiveSessions: newGauge("gateway_active_sessions"),
		ActiveConns:    newGauge("gateway_active_connections"),
	}
}

func newCounter(name string) metrics.Counter {
	return generic.NewCounter(name)
}

func newGauge(name string) metrics.Gauge {
	return generic.NewGauge(name)
}
