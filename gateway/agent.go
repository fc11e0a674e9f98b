// Package gateway implements the agent façade that translates between an
// external transport and the session layer's operations. The Agent in this package speaks structured JSON messages of
// the shape {op, args, token} over a websocket; each client connection
// becomes exactly one session.Session. No adapter-specific knowledge exists
// at this layer.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/session"
	"github.com/tilegw/gateway/tile"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingPeriod   = 20 * time.Second
	defaultIdlePeriod   = 60 * time.Second

	// outboundBuffer bounds undelivered frames per client before the
	// connection is declared stalled and closed.
	outboundBuffer = 256
)

// request is one {op, args, token} client message.
type request struct {
	Op    string          `json:"op"`
	Token string          `json:"token"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// wireError carries the stable kind identifier and message every error
// exposes, plus the optional structured detail map.
type wireError struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message,omitempty"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// response answers one request, echoing its token.
type response struct {
	Token  string      `json:"token"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *wireError  `json:"error,omitempty"`
}

// pushEvent is an unsolicited server-to-client frame: a report, trace
// chunk, broadcast, or disconnect notification.
type pushEvent struct {
	Event    string `json:"event"`
	DeviceID uint64 `json:"device_id,omitempty"`
	Selector uint16 `json:"selector,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func toWireError(err error) *wireError {
	var gwe *gwerr.Error
	if errors.As(err, &gwe) {
		return &wireError{Kind: string(gwe.Kind), Message: gwe.Message, Detail: gwe.Detail}
	}
	if errors.Is(err, context.Canceled) {
		return &wireError{Kind: string(gwerr.KindCancelled), Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &wireError{Kind: string(gwerr.KindTimeout), Message: err.Error()}
	}
	return &wireError{Kind: string(gwerr.KindBadArgument), Message: err.Error()}
}

// Options configures an Agent.
type Options struct {
	Manager *session.Manager
	Logger  *zap.Logger

	WriteTimeout time.Duration
	PingPeriod   time.Duration
	IdlePeriod   time.Duration

	// CheckOrigin overrides the websocket upgrader's origin policy. The
	// default accepts every origin: origin policy belongs to whatever
	// authentication middleware the deployment wraps this handler in.
	CheckOrigin func(r *http.Request) bool
}

func (o *Options) writeTimeout() time.Duration {
	if o != nil && o.WriteTimeout > 0 {
		return o.WriteTimeout
	}
	return defaultWriteTimeout
}

func (o *Options) pingPeriod() time.Duration {
	if o != nil && o.PingPeriod > 0 {
		return o.PingPeriod
	}
	return defaultPingPeriod
}

func (o *Options) idlePeriod() time.Duration {
	if o != nil && o.IdlePeriod > 0 {
		return o.IdlePeriod
	}
	return defaultIdlePeriod
}

func (o *Options) logger() *zap.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// Agent is an http.Handler that upgrades each request to a websocket and
// runs the op protocol over it, one session per connection.
type Agent struct {
	manager      *session.Manager
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingPeriod   time.Duration
	idlePeriod   time.Duration
}

// NewAgent constructs an Agent fronting o.Manager.
func NewAgent(o Options) *Agent {
	checkOrigin := o.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Agent{
		manager:      o.Manager,
		logger:       o.logger().With(zap.String("component", "gateway.Agent")),
		upgrader:     websocket.Upgrader{CheckOrigin: checkOrigin},
		writeTimeout: o.writeTimeout(),
		pingPeriod:   o.pingPeriod(),
		idlePeriod:   o.idlePeriod(),
	}
}

// ServeHTTP upgrades the request and services the client until it
// disconnects or an uncaught handler error closes the session; the process
// keeps running either way.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &clientConn{
		agent:    a,
		ws:       ws,
		session:  a.manager.SessionOpen(),
		outbound: make(chan interface{}, outboundBuffer),
		done:     make(chan struct{}),
	}
	client.logger = a.logger.With(zap.String("session", string(client.session.ID())))
	client.run(r.Context())
}

// clientConn is one connected gateway client: one websocket, one session,
// and one writer goroutine serializing all outbound frames.
type clientConn struct {
	agent   *Agent
	ws      *websocket.Conn
	session *session.Session
	logger  *zap.Logger

	outbound chan interface{}

	closeOnce sync.Once
	done      chan struct{}

	pumps sync.WaitGroup
}

func (c *clientConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go c.writePump()
	c.readLoop(ctx)

	c.shutdown()
	_ = c.session.Close(context.Background())
	c.pumps.Wait()
	_ = c.ws.Close()
}

func (c *clientConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// send enqueues one frame for the write pump, dropping the connection if
// the client cannot keep up rather than blocking a dispatch goroutine.
func (c *clientConn) send(frame interface{}) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	default:
		c.logger.Warn("outbound buffer full, closing stalled client")
		c.shutdown()
	}
}

func (c *clientConn) writePump() {
	pinger := time.NewTicker(c.agent.pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.agent.writeTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-pinger.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.agent.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) readLoop(ctx context.Context) {
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.agent.idlePeriod))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(c.agent.idlePeriod))

	for {
		select {
		case <-c.done:
			return
		default:
		}

		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.agent.idlePeriod))

		if req.Op == "close" {
			c.send(response{Token: req.Token, OK: true})
			return
		}

		// Each op runs in its own goroutine so a long-suspending operation
		// (an async RPC, a scan settle) never blocks the read loop; RPC
		// serialization per connection is the Connection FSM's job, not the
		// transport's.
		c.pumps.Add(1)
		go func(req request) {
			defer c.pumps.Done()
			c.send(c.dispatch(ctx, req))
		}(req)
	}
}

func (c *clientConn) dispatch(ctx context.Context, req request) response {
	result, err := c.invoke(ctx, req.Op, req.Args)
	if err != nil {
		return response{Token: req.Token, OK: false, Error: toWireError(err)}
	}
	return response{Token: req.Token, OK: true, Result: result}
}

// op argument shapes. Payload bytes travel base64-encoded, encoding/json's
// default for []byte.
type (
	scanArgs struct {
		TimeoutMS int `json:"timeout_ms"`
	}
	deviceArgs struct {
		DeviceID uint64 `json:"device_id"`
	}
	rpcArgs struct {
		DeviceID  uint64 `json:"device_id"`
		Address   uint8  `json:"address"`
		RPCID     uint16 `json:"rpc_id"`
		Payload   []byte `json:"payload,omitempty"`
		TimeoutMS int    `json:"timeout_ms"`
	}
	interfaceArgs struct {
		DeviceID  uint64 `json:"device_id"`
		Interface string `json:"interface"`
	}
	scriptArgs struct {
		DeviceID uint64 `json:"device_id"`
		Data     []byte `json:"data"`
	}
	replayArgs struct {
		DeviceID uint64 `json:"device_id"`
		Selector uint16 `json:"selector"`
		AfterSeq uint64 `json:"after_seq"`
	}
	monitorArgs struct {
		Pattern    string `json:"pattern"` // "all" | "device" | "stream_mask"
		DeviceID   uint64 `json:"device_id,omitempty"`
		StreamMask uint16 `json:"stream_mask,omitempty"`
	}
)

type scanEntry struct {
	DeviceID         uint64 `json:"device_id"`
	ConnectionString string `json:"connection_string"`
	SignalStrength   int    `json:"signal_strength"`
	UserConnected    bool   `json:"user_connected"`
	PendingData      bool   `json:"pending_data"`
	LowVoltage       bool   `json:"low_voltage"`
	AdapterIndex     int    `json:"adapter_index"`
}

type rpcResult struct {
	Status  uint8  `json:"status"`
	Payload []byte `json:"payload,omitempty"`
}

type replayEntry struct {
	Seq      uint64 `json:"seq"`
	Selector uint16 `json:"selector"`
	Raw      []byte `json:"raw"`
}

func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return gwerr.New(gwerr.KindBadArgument, "malformed op args: "+err.Error(), nil)
	}
	return nil
}

func parseInterfaceKind(name string) (tile.InterfaceKind, error) {
	for _, k := range []tile.InterfaceKind{
		tile.InterfaceRPC, tile.InterfaceStreaming, tile.InterfaceTracing,
		tile.InterfaceScript, tile.InterfaceDebug,
	} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, gwerr.New(gwerr.KindBadArgument, "unknown interface kind", map[string]interface{}{"interface": name})
}

func (c *clientConn) invoke(ctx context.Context, op string, raw json.RawMessage) (interface{}, error) {
	switch op {
	case "scan":
		var args scanArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		results, err := c.agent.manager.Scan(ctx, time.Duration(args.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		out := make([]scanEntry, 0, len(results))
		for _, r := range results {
			out = append(out, scanEntry{
				DeviceID:         uint64(r.DeviceID),
				ConnectionString: string(r.ConnectionString),
				SignalStrength:   r.SignalStrength,
				UserConnected:    r.UserConnected,
				PendingData:      r.PendingData,
				LowVoltage:       r.LowVoltage,
				AdapterIndex:     r.AdapterIndex,
			})
		}
		return out, nil

	case "connect":
		var args deviceArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return nil, c.session.Connect(ctx, tile.DeviceID(args.DeviceID))

	case "disconnect":
		var args deviceArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return nil, c.session.Disconnect(ctx, tile.DeviceID(args.DeviceID))

	case "send_rpc":
		var args rpcArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		resp, err := c.session.SendRPC(ctx, tile.DeviceID(args.DeviceID), args.Address, args.RPCID,
			args.Payload, time.Duration(args.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return rpcResult{Status: resp.Status, Payload: resp.Payload}, nil

	case "send_script":
		var args scriptArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return nil, c.session.SendScript(ctx, tile.DeviceID(args.DeviceID), args.Data, nil)

	case "open_interface", "close_interface":
		var args interfaceArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		kind, err := parseInterfaceKind(args.Interface)
		if err != nil {
			return nil, err
		}
		if op == "open_interface" {
			return nil, c.session.OpenInterface(ctx, tile.DeviceID(args.DeviceID), kind)
		}
		return nil, c.session.CloseInterface(ctx, tile.DeviceID(args.DeviceID), kind)

	case "subscribe":
		var args interfaceArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		kind, err := parseInterfaceKind(args.Interface)
		if err != nil {
			return nil, err
		}
		return nil, c.subscribe(ctx, tile.DeviceID(args.DeviceID), kind)

	case "replay":
		var args replayArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		entries, err := c.session.Replay(ctx, tile.DeviceID(args.DeviceID), args.Selector, args.AfterSeq)
		if err != nil {
			return nil, err
		}
		out := make([]replayEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, replayEntry{Seq: e.Seq, Selector: e.Decoded.Selector, Raw: e.Decoded.Raw})
		}
		return out, nil

	case "broadcast_monitor":
		var args monitorArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return nil, c.monitor(args)

	default:
		return nil, gwerr.New(gwerr.KindBadArgument, "unknown op", map[string]interface{}{"op": op})
	}
}

// subscribe enrolls the session for deviceID's kind and starts a pump
// goroutine forwarding each delivery as a push event until the client
// disconnects or the subscription is torn down.
func (c *clientConn) subscribe(ctx context.Context, deviceID tile.DeviceID, kind tile.InterfaceKind) error {
	sub, err := c.session.Subscribe(ctx, deviceID, kind)
	if err != nil {
		return err
	}

	switch s := sub.(type) {
	case *session.TraceSubscription:
		c.pumps.Add(1)
		go func() {
			defer c.pumps.Done()
			for {
				select {
				case data, ok := <-s.C:
					if !ok {
						return
					}
					c.send(pushEvent{Event: "trace", DeviceID: uint64(deviceID), Data: data})
				case <-c.done:
					return
				}
			}
		}()
	case *report.Subscription:
		c.pumps.Add(1)
		go func() {
			defer c.pumps.Done()
			for {
				select {
				case decoded, ok := <-s.C:
					if !ok {
						return
					}
					c.send(pushEvent{
						Event:    "report",
						DeviceID: uint64(decoded.DeviceID),
						Selector: decoded.Selector,
						Data:     decoded.Raw,
					})
				case <-c.done:
					return
				}
			}
		}()
	default:
		return gwerr.New(gwerr.KindBadArgument, "unexpected subscription type", nil)
	}
	return nil
}

func (c *clientConn) monitor(args monitorArgs) error {
	var pattern session.BroadcastPattern
	switch args.Pattern {
	case "all", "":
		pattern.Kind = session.PatternAll
	case "device":
		pattern.Kind = session.PatternDevice
		pattern.DeviceID = tile.DeviceID(args.DeviceID)
	case "stream_mask":
		pattern.Kind = session.PatternStreamMask
		pattern.StreamMask = args.StreamMask
	default:
		return gwerr.New(gwerr.KindBadArgument, "unknown broadcast pattern", map[string]interface{}{"pattern": args.Pattern})
	}

	c.session.BroadcastMonitor(pattern, func(deviceID tile.DeviceID, selector uint16, payload []byte) {
		c.send(pushEvent{Event: "broadcast", DeviceID: uint64(deviceID), Selector: selector, Data: payload})
	})
	return nil
}
