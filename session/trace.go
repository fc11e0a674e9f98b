package session

import (
	"sync"
	"sync/atomic"

	"github.com/tilegw/gateway/tile"
)

// defaultTraceBuffer bounds how many undelivered trace chunks a slow
// subscriber accumulates, mirroring the report demultiplexer's
// per-subscriber backpressure but for the unframed tracing interface.
const defaultTraceBuffer = 64

// TraceSubscription delivers raw trace bytes for one device to one
// subscriber, in order, at most once each.
type TraceSubscription struct {
	C <-chan []byte

	hub      *traceHub
	deviceID tile.DeviceID
	ch       chan []byte
	dropped  uint64

	sendMu sync.Mutex
	closed bool
}

func (s *TraceSubscription) deliver(data []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- data:
		return true
	default:
		return false
	}
}

// Dropped reports how many trace chunks were discarded because this
// subscriber's buffer was full.
func (s *TraceSubscription) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Unsubscribe stops delivery and releases the subscription.
func (s *TraceSubscription) Unsubscribe() { s.hub.unsubscribe(s) }

// traceHub fans out raw tracing-interface bytes per device, independent of
// the framed report demultiplexer since tracing carries no framing at all.
type traceHub struct {
	mu   sync.RWMutex
	subs map[tile.DeviceID]map[*TraceSubscription]struct{}
}

func newTraceHub() *traceHub {
	return &traceHub{subs: make(map[tile.DeviceID]map[*TraceSubscription]struct{})}
}

func (h *traceHub) subscribe(deviceID tile.DeviceID) *TraceSubscription {
	ch := make(chan []byte, defaultTraceBuffer)
	sub := &TraceSubscription{C: ch, hub: h, deviceID: deviceID, ch: ch}

	h.mu.Lock()
	set, ok := h.subs[deviceID]
	if !ok {
		set = make(map[*TraceSubscription]struct{})
		h.subs[deviceID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

func (h *traceHub) unsubscribe(sub *TraceSubscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.deviceID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.deviceID)
		}
	}
	h.mu.Unlock()

	sub.sendMu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.sendMu.Unlock()
}

func (h *traceHub) dispatch(deviceID tile.DeviceID, data []byte) {
	h.mu.RLock()
	set := h.subs[deviceID]
	subs := make([]*TraceSubscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.deliver(data) {
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}
