package aggregate

import (
	"sync/atomic"

	"github.com/tilegw/gateway/adapter"
)

// atomicSink stores an adapter.EventSink for lock-free concurrent reads from
// every underlying adapter's callback goroutine.
type atomicSink struct {
	v atomic.Value // sinkBox
}

// sinkBox gives every Store call the same concrete type, since atomic.Value
// panics if the concrete type changes between calls.
type sinkBox struct {
	sink adapter.EventSink
}

func (a *atomicSink) store(sink adapter.EventSink) {
	a.v.Store(sinkBox{sink})
}

func (a *atomicSink) load() adapter.EventSink {
	return a.v.Load().(sinkBox).sink
}
