package report

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/tile"
)

// DemuxKey routes an assembled report to its subscribers. Selector is the
// stream ID for an individual report and the SignedList header's selector
// field for a signed list
type DemuxKey struct {
	DeviceID tile.DeviceID
	Selector uint16
}

// DefaultSubscriberBuffer bounds how many undelivered reports a slow
// subscriber accumulates before new reports are dropped for it alone.
const DefaultSubscriberBuffer = 64

// SelectorAny is a reserved selector value a subscriber can register under
// to receive every selector for a device, used by the session layer's
// per-device-and-interface subscribe operation, which is
// coarser-grained than the assembler's per-(device_id, selector) routing.
const SelectorAny uint16 = 0xffff

// Subscription is a live registration returned by Demultiplexer.Subscribe.
// Reports arrive on C; Unsubscribe stops further delivery and closes C.
type Subscription struct {
	C <-chan Decoded

	demux   *Demultiplexer
	key     DemuxKey
	ch      chan Decoded
	dropped uint64

	sendMu sync.Mutex
	closed bool
}

// deliver performs the non-blocking send, returning false on a full
// buffer. The sendMu/closed pair keeps a concurrent Unsubscribe from
// closing the channel between Dispatch's snapshot and its send.
func (s *Subscription) deliver(report Decoded) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- report:
		return true
	default:
		return false
	}
}

// Dropped returns the number of reports silently dropped for this
// subscriber because its buffer was full; one slow subscriber never blocks
// delivery to others.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Unsubscribe stops delivery and releases the subscription.
func (s *Subscription) Unsubscribe() {
	s.demux.unsubscribe(s)
}

// Demultiplexer fans assembled reports out to independent subscribers keyed
// by (device_id, selector), applying per-subscriber backpressure so one slow
// consumer cannot starve the rest.
type Demultiplexer struct {
	logger *zap.Logger
	bufLen int

	mu   sync.RWMutex
	subs map[DemuxKey]map[*Subscription]struct{}
}

// NewDemultiplexer constructs a Demultiplexer. bufLen of 0 selects
// DefaultSubscriberBuffer.
func NewDemultiplexer(logger *zap.Logger, bufLen int) *Demultiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufLen <= 0 {
		bufLen = DefaultSubscriberBuffer
	}
	return &Demultiplexer{
		logger: logger,
		bufLen: bufLen,
		subs:   make(map[DemuxKey]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in reports matching key. Any Selector other
// than SelectorAny matches only reports with that exact selector; a key with
// SelectorAny receives every selector for the device, which is how the
// session layer subscribes.
func (d *Demultiplexer) Subscribe(key DemuxKey) *Subscription {
	ch := make(chan Decoded, d.bufLen)
	sub := &Subscription{C: ch, demux: d, key: key, ch: ch}

	d.mu.Lock()
	set, ok := d.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		d.subs[key] = set
	}
	set[sub] = struct{}{}
	d.mu.Unlock()

	return sub
}

func (d *Demultiplexer) unsubscribe(sub *Subscription) {
	d.mu.Lock()
	if set, ok := d.subs[sub.key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(d.subs, sub.key)
		}
	}
	d.mu.Unlock()

	sub.sendMu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.sendMu.Unlock()
}

// Dispatch delivers a decoded report to every subscriber registered for
// key. Delivery is non-blocking per subscriber: a full buffer increments
// that subscriber's drop counter instead of blocking the dispatch loop.
func (d *Demultiplexer) Dispatch(key DemuxKey, report Decoded) {
	d.mu.RLock()
	set := d.subs[key]
	subs := make([]*Subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	if key.Selector != SelectorAny {
		wildcard := d.subs[DemuxKey{DeviceID: key.DeviceID, Selector: SelectorAny}]
		for s := range wildcard {
			subs = append(subs, s)
		}
	}
	d.mu.RUnlock()

	for _, sub := range subs {
		if !sub.deliver(report) {
			atomic.AddUint64(&sub.dropped, 1)
			d.logger.Warn("dropped report for slow subscriber",
				zap.Stringer("deviceID", key.DeviceID),
				zap.Uint16("selector", key.Selector),
			)
		}
	}
}

// SubscriberCount reports how many active subscriptions exist for key,
// mainly for tests and status endpoints.
func (d *Demultiplexer) SubscriberCount(key DemuxKey) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[key])
}
