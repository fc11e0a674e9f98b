package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/tile"
)

func decodedFor(deviceID tile.DeviceID, selector uint16, readingID uint32) report.Decoded {
	return report.Decoded{
		DeviceID: deviceID,
		Selector: selector,
		Individual: &tile.IndividualReport{
			Reading: tile.Reading{StreamID: selector, ReadingID: readingID},
		},
	}
}

func TestJournalSinceReturnsOnlyNewerEntries(t *testing.T) {
	j := New(4)
	key := Key{DeviceID: 1, Selector: 0x1000}

	for i := uint32(1); i <= 3; i++ {
		j.Record(key, decodedFor(1, 0x1000, i))
	}

	entries, err := j.Since(key, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[1].Seq)
}

func TestJournalSinceZeroReturnsEverythingHeld(t *testing.T) {
	j := New(4)
	key := Key{DeviceID: 1, Selector: 0x1000}

	j.Record(key, decodedFor(1, 0x1000, 1))
	j.Record(key, decodedFor(1, 0x1000, 2))

	entries, err := j.Since(key, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestJournalEvictsOldestBeyondCapacity(t *testing.T) {
	j := New(2)
	key := Key{DeviceID: 1, Selector: 0x1000}

	for i := uint32(1); i <= 5; i++ {
		j.Record(key, decodedFor(1, 0x1000, i))
	}

	entries, err := j.Since(key, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[1].Seq)
}

func TestJournalSinceExpiredWindowFails(t *testing.T) {
	j := New(2)
	key := Key{DeviceID: 1, Selector: 0x1000}

	for i := uint32(1); i <= 5; i++ {
		j.Record(key, decodedFor(1, 0x1000, i))
	}

	_, err := j.Since(key, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report_too_large")
}

func TestJournalUnknownKeyReturnsEmpty(t *testing.T) {
	j := New(4)
	entries, err := j.Since(Key{DeviceID: 99, Selector: 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournalForgetDropsAllSelectorsForDevice(t *testing.T) {
	j := New(4)
	keyA := Key{DeviceID: 1, Selector: 0x1000}
	keyB := Key{DeviceID: 1, Selector: 0x2000}
	other := Key{DeviceID: 2, Selector: 0x1000}

	j.Record(keyA, decodedFor(1, 0x1000, 1))
	j.Record(keyB, decodedFor(1, 0x2000, 1))
	j.Record(other, decodedFor(2, 0x1000, 1))

	j.Forget(1)

	entriesA, _ := j.Since(keyA, 0)
	entriesB, _ := j.Since(keyB, 0)
	entriesOther, _ := j.Since(other, 0)

	assert.Empty(t, entriesA)
	assert.Empty(t, entriesB)
	assert.Len(t, entriesOther, 1)
}
