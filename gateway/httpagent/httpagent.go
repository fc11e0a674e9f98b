// Package httpagent is the default server-side transport for the gateway: a
// mux-routed HTTP surface exposing the websocket op channel at /api/v1/ws
// plus a small REST status surface for operational visibility. It satisfies
// config.Agent so the registry can construct it from the configuration
// document like any other plug-in.
package httpagent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"go.uber.org/zap"

	"github.com/tilegw/gateway/gateway"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/session"
)

const (
	defaultListen       = ":8080"
	defaultScanSettle   = 2 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

// Options configures an Agent.
type Options struct {
	Manager *session.Manager
	Logger  *zap.Logger

	// Listen is the address to bind, e.g. ":8080".
	Listen string

	// ScanSettle is how long GET /api/v1/devices waits after probing before
	// reading the scan table.
	ScanSettle time.Duration

	// Authenticate, if set, wraps every route. This is the seam where an
	// authentication provider plugs in; the gateway itself ships no policy.
	Authenticate func(http.Handler) http.Handler
}

func (o *Options) listen() string {
	if o != nil && o.Listen != "" {
		return o.Listen
	}
	return defaultListen
}

func (o *Options) scanSettle() time.Duration {
	if o != nil && o.ScanSettle > 0 {
		return o.ScanSettle
	}
	return defaultScanSettle
}

func (o *Options) logger() *zap.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// Agent serves the gateway's HTTP surface. Each websocket upgrade becomes
// one session; the REST routes are sessionless reads.
type Agent struct {
	logger     *zap.Logger
	manager    *session.Manager
	server     *http.Server
	scanSettle time.Duration
}

// New constructs an Agent; nothing is bound until Serve.
func New(o Options) *Agent {
	logger := o.logger().With(zap.String("component", "httpagent"))

	a := &Agent{
		logger:     logger,
		manager:    o.Manager,
		scanSettle: o.scanSettle(),
	}

	wsAgent := gateway.NewAgent(gateway.Options{Manager: o.Manager, Logger: logger})

	chain := alice.New(a.logRequests)
	if o.Authenticate != nil {
		chain = chain.Append(o.Authenticate)
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Handle("/ws", chain.Then(wsAgent))
	api.Handle("/devices", chain.ThenFunc(a.listDevices)).Methods(http.MethodGet)
	api.Handle("/status", chain.ThenFunc(a.status)).Methods(http.MethodGet)

	a.server = &http.Server{Addr: o.listen(), Handler: router}
	return a
}

// Serve binds and blocks until Close. A clean shutdown returns nil.
func (a *Agent) Serve() error {
	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return gwerr.Wrap(gwerr.KindTransportUnavailable, err)
	}

	a.logger.Info("http agent listening", zap.String("addr", listener.Addr().String()))
	if err := a.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drains in-flight requests for a bounded grace period, then forces
// the listener shut.
func (a *Agent) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *Agent) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type deviceEntry struct {
	DeviceID         uint64 `json:"device_id"`
	ConnectionString string `json:"connection_string"`
	SignalStrength   int    `json:"signal_strength"`
	UserConnected    bool   `json:"user_connected"`
	PendingData      bool   `json:"pending_data"`
	LowVoltage       bool   `json:"low_voltage"`
	AdapterIndex     int    `json:"adapter_index"`
}

// listDevices probes, waits for the scan to settle, and returns the merged
// scan table.
func (a *Agent) listDevices(w http.ResponseWriter, r *http.Request) {
	results, err := a.manager.Scan(r.Context(), a.scanSettle)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	out := make([]deviceEntry, 0, len(results))
	for _, res := range results {
		out = append(out, deviceEntry{
			DeviceID:         uint64(res.DeviceID),
			ConnectionString: string(res.ConnectionString),
			SignalStrength:   res.SignalStrength,
			UserConnected:    res.UserConnected,
			PendingData:      res.PendingData,
			LowVoltage:       res.LowVoltage,
			AdapterIndex:     res.AdapterIndex,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type statusBody struct {
	Sessions         int      `json:"sessions"`
	ConnectedDevices []uint64 `json:"connected_devices"`
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request) {
	devices := a.manager.ConnectedDevices()
	ids := make([]uint64, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, uint64(d))
	}
	writeJSON(w, http.StatusOK, statusBody{
		Sessions:         a.manager.SessionCount(),
		ConnectedDevices: ids,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	kind := gwerr.KindBadArgument
	var gwe *gwerr.Error
	if errors.As(err, &gwe) {
		kind = gwe.Kind
	}
	writeJSON(w, code, map[string]string{"kind": string(kind), "message": err.Error()})
}
