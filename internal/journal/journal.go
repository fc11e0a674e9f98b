// Package journal implements the bounded per-(device_id, selector)
// retransmission window: the only report persistence the gateway provides
// beyond its in-memory queues. It is a fixed-capacity ring buffer keyed
// like the report demultiplexer, holding the most recent reports so a
// subscriber can resume from a sequence cursor after a brief gap.
package journal

import (
	"sync"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/tile"
)

// DefaultCapacity is the number of recent reports retained per
// (device_id, selector) key before the oldest is overwritten.
const DefaultCapacity = 256

// Key identifies one retransmission window, matching report.DemuxKey so
// the session layer can journal exactly what it demultiplexes.
type Key = report.DemuxKey

// Entry is one journaled report, tagged with a monotonically increasing
// sequence number local to its key so callers can ask "everything after
// seq N" instead of replaying the whole window.
type Entry struct {
	Seq     uint64
	Decoded report.Decoded
}

type ring struct {
	entries []Entry
	next    int
	filled  bool
	seq     uint64
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]Entry, capacity)}
}

func (r *ring) append(decoded report.Decoded) {
	r.seq++
	r.entries[r.next] = Entry{Seq: r.seq, Decoded: decoded}
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.filled = true
	}
}

// ordered returns the ring's contents oldest-first.
func (r *ring) ordered() []Entry {
	if !r.filled {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries[r.next:])
	copy(out[len(r.entries)-r.next:], r.entries[:r.next])
	return out
}

func (r *ring) oldestSeq() uint64 {
	ordered := r.ordered()
	if len(ordered) == 0 {
		return 0
	}
	return ordered[0].Seq
}

// Journal retains the last Capacity reports for every (device_id,
// selector) key it is told to record.
type Journal struct {
	capacity int

	mu   sync.Mutex
	logs map[Key]*ring
}

// New constructs a Journal with the given per-key capacity, defaulting to
// DefaultCapacity when capacity <= 0.
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{capacity: capacity, logs: make(map[Key]*ring)}
}

// Record appends a decoded report to its key's window, allocating the
// window on first use.
func (j *Journal) Record(key Key, decoded report.Decoded) {
	j.mu.Lock()
	defer j.mu.Unlock()

	r, ok := j.logs[key]
	if !ok {
		r = newRing(j.capacity)
		j.logs[key] = r
	}
	r.append(decoded)
}

// Since returns every journaled entry for key with Seq > afterSeq, oldest
// first. It fails with gwerr.ErrReportTooLarge -- reused here as the
// "window has expired" signal, since the journal's only bound is size, not
// a distinct time horizon -- if afterSeq precedes everything still held,
// meaning the caller missed entries that have already been overwritten.
func (j *Journal) Since(key Key, afterSeq uint64) ([]Entry, error) {
	j.mu.Lock()
	r, ok := j.logs[key]
	j.mu.Unlock()
	if !ok {
		return nil, nil
	}

	ordered := r.ordered()
	if len(ordered) == 0 {
		return nil, nil
	}

	if afterSeq != 0 && afterSeq < ordered[0].Seq-1 {
		return nil, gwerr.New(gwerr.KindReportTooLarge, "retransmission window expired", map[string]interface{}{
			"device_id": key.DeviceID,
			"selector":  key.Selector,
		})
	}

	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Forget drops every window held for deviceID, e.g. once a device disconnects and its
// selector space is no longer meaningful for replay.
func (j *Journal) Forget(deviceID tile.DeviceID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for key := range j.logs {
		if key.DeviceID == deviceID {
			delete(j.logs, key)
		}
	}
}
