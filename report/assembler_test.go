package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/report/auth"
	"github.com/tilegw/gateway/tile"
)

const testHandle = tile.ConnectionHandle(11)

func plainCodec() AuthCodec {
	return AuthCodec{Provider: auth.Chain{}}
}

func signedFrame(t *testing.T, deviceID tile.DeviceID, selector uint16, readings ...tile.Reading) []byte {
	t.Helper()
	buf, err := EncodeSignedList(&tile.SignedListReport{
		DeviceID: deviceID,
		ReportID: 1,
		Flags:    tile.ReportFlags{KeyType: tile.KeyNone, Selector: selector},
		Readings: readings,
	}, plainCodec(), nil)
	require.NoError(t, err)
	return buf
}

func TestAssemblerReassemblesFragmentedFrames(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	asm := NewAssembler(nil, demux, 0)

	frame := signedFrame(t, 0x22, 0x0100, tile.Reading{StreamID: 0x1000, ReadingID: 1, Value: 9})
	sub := demux.Subscribe(DemuxKey{DeviceID: 0x22, Selector: 0x0100})

	// drip-feed in 7-byte fragments
	for off := 0; off < len(frame); off += 7 {
		end := off + 7
		if end > len(frame) {
			end = len(frame)
		}
		require.NoError(t, asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, frame[off:end], plainCodec()))
	}

	select {
	case decoded := <-sub.C:
		require.NotNil(t, decoded.SignedList)
		assert.Equal(t, tile.DeviceID(0x22), decoded.DeviceID)
		assert.Equal(t, uint16(0x0100), decoded.Selector)
		assert.Equal(t, uint32(9), decoded.SignedList.Readings[0].Value)
	default:
		t.Fatal("no report dispatched")
	}
}

func TestAssemblerHandlesBackToBackFrames(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	asm := NewAssembler(nil, demux, 0)

	individual := EncodeIndividual(tile.IndividualReport{
		Reading: tile.Reading{StreamID: 0x2000, ReadingID: 5, Value: 1},
	})
	signed := signedFrame(t, 0x22, 0x0200, tile.Reading{StreamID: 0x1000, ReadingID: 2})

	indSub := demux.Subscribe(DemuxKey{DeviceID: 0x22, Selector: 0x2000})
	sigSub := demux.Subscribe(DemuxKey{DeviceID: 0x22, Selector: 0x0200})

	// both frames arrive in one fragment
	combined := append(append([]byte{}, individual...), signed...)
	require.NoError(t, asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, combined, plainCodec()))

	select {
	case decoded := <-indSub.C:
		require.NotNil(t, decoded.Individual)
		assert.Equal(t, uint32(5), decoded.Individual.ReadingID)
	default:
		t.Fatal("individual report not dispatched")
	}

	select {
	case decoded := <-sigSub.C:
		require.NotNil(t, decoded.SignedList)
	default:
		t.Fatal("signed report not dispatched")
	}
}

func TestAssemblerRejectsOversizedFrame(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	asm := NewAssembler(nil, demux, 64)

	frame := signedFrame(t, 0x22, 0,
		tile.Reading{ReadingID: 1}, tile.Reading{ReadingID: 2}, tile.Reading{ReadingID: 3})
	require.Greater(t, len(frame), 64)

	err := asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, frame[:8], plainCodec())
	assert.True(t, errors.Is(err, gwerr.ErrReportTooLarge))
}

func TestAssemblerRejectsUnknownFormatCode(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	asm := NewAssembler(nil, demux, 0)

	err := asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, []byte{0x7f, 0x00, 0x00}, plainCodec())
	assert.True(t, errors.Is(err, gwerr.ErrMalformedReport))
}

func TestAssemblerRejectsTamperedSignature(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	asm := NewAssembler(nil, demux, 0)

	frame := signedFrame(t, 0x22, 0, tile.Reading{StreamID: 1, ReadingID: 1, Value: 42})
	frame[tile.SignedListHeaderSize+12] = 99

	err := asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, frame, plainCodec())
	assert.True(t, errors.Is(err, gwerr.ErrSignatureInvalid))
}

func TestAssemblerResetDiscardsPartialFrame(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	asm := NewAssembler(nil, demux, 0)

	frame := signedFrame(t, 0x22, 0x0300, tile.Reading{ReadingID: 1})
	sub := demux.Subscribe(DemuxKey{DeviceID: 0x22, Selector: 0x0300})

	require.NoError(t, asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, frame[:10], plainCodec()))
	asm.Reset(testHandle, tile.InterfaceStreaming)

	// a full frame after reset must decode cleanly, proving the partial
	// bytes were discarded
	require.NoError(t, asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, frame, plainCodec()))

	select {
	case decoded := <-sub.C:
		require.NotNil(t, decoded.SignedList)
	default:
		t.Fatal("report not dispatched after reset")
	}
}

func TestAssemblerOnDecodedHook(t *testing.T) {
	demux := NewDemultiplexer(nil, 8)
	asm := NewAssembler(nil, demux, 0)

	var seen []Decoded
	asm.OnDecoded = func(d Decoded) { seen = append(seen, d) }

	frame := signedFrame(t, 0x22, 0x0400, tile.Reading{ReadingID: 1})
	require.NoError(t, asm.Feed(testHandle, tile.InterfaceStreaming, 0x22, frame, plainCodec()))

	require.Len(t, seen, 1)
	assert.Equal(t, uint16(0x0400), seen[0].Selector)
}
