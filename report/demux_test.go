package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemuxExactlyOncePerSubscriber(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	key := DemuxKey{DeviceID: 1, Selector: 0x10}

	s1 := demux.Subscribe(key)
	s2 := demux.Subscribe(key)

	demux.Dispatch(key, Decoded{DeviceID: 1, Selector: 0x10})

	assert.Len(t, s1.C, 1)
	assert.Len(t, s2.C, 1)

	s1.Unsubscribe()
	demux.Dispatch(key, Decoded{DeviceID: 1, Selector: 0x10})
	assert.Len(t, s2.C, 2)
	assert.Equal(t, 1, demux.SubscriberCount(key))
}

func TestDemuxWildcardSelector(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)

	all := demux.Subscribe(DemuxKey{DeviceID: 1, Selector: SelectorAny})
	demux.Dispatch(DemuxKey{DeviceID: 1, Selector: 0x10}, Decoded{DeviceID: 1, Selector: 0x10})
	demux.Dispatch(DemuxKey{DeviceID: 1, Selector: 0x20}, Decoded{DeviceID: 1, Selector: 0x20})
	demux.Dispatch(DemuxKey{DeviceID: 2, Selector: 0x10}, Decoded{DeviceID: 2, Selector: 0x10})

	assert.Len(t, all.C, 2)
}

// A slow subscriber loses reports once its buffer fills, with the loss
// counted, while a draining subscriber is unaffected: received + dropped
// always accounts for every dispatched report, and the slow side never
// blocks dispatch.
func TestDemuxBackpressureIsolatesSlowSubscriber(t *testing.T) {
	const total = 100
	demux := NewDemultiplexer(nil, 4)
	key := DemuxKey{DeviceID: 1, Selector: 0x10}

	fast := demux.Subscribe(key)
	slow := demux.Subscribe(key)

	received := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range fast.C {
			received++
		}
	}()

	for i := 0; i < total; i++ {
		demux.Dispatch(key, Decoded{DeviceID: 1, Selector: 0x10})
	}
	fast.Unsubscribe()
	<-done

	slowReceived := len(slow.C)
	require.LessOrEqual(t, slowReceived, 4)
	assert.Equal(t, uint64(total-slowReceived), slow.Dropped())
	assert.Equal(t, uint64(total), uint64(received)+fast.Dropped())
}
