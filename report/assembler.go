package report

import (
	"encoding/binary"
	"sync"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// DefaultMaxReportBytes is the bounded buffer size;
// exceeding it aborts the in-progress report and is reported as
// gwerr.ErrReportTooLarge so the caller can close the offending interface.
const DefaultMaxReportBytes = 1 << 20

// Decoded is one fully assembled, framing-validated report handed to a
// subscriber. Exactly one of Individual/SignedList is set.
type Decoded struct {
	DeviceID   tile.DeviceID
	Selector   uint16
	Individual *tile.IndividualReport
	SignedList *tile.SignedListReport
	Raw        []byte
}

// frameState is the per-(handle, interface) incremental assembly buffer.
// Feed is expected to be called from a single producer goroutine (the
// adapter's read loop); the TryLock below exists to turn a violation of
// that expectation into a fatal protocol error for the interface rather
// than silent buffer corruption.
type frameState struct {
	mu         sync.Mutex
	buf        []byte
	maxBytes   int
	expectedID tile.DeviceID // 0 == wildcard
}

// Assembler reconstructs reports from byte fragments delivered by a
// streaming or tracing interface and hands validated reports to a
// Demultiplexer. One Assembler instance is created per connection by the
// session layer.
type Assembler struct {
	logger   *zap.Logger
	maxBytes int
	demux    *Demultiplexer

	// OnDecoded, if set, is invoked with every successfully assembled report
	// before it is dispatched to the Demultiplexer. The session layer uses
	// this to additionally match broadcast-keyed reports against stream-mask
	// broadcast monitors, which are not part of the demux's own
	// (device_id, selector) routing.
	OnDecoded func(Decoded)

	mu     sync.Mutex
	states map[stateKey]*frameState
}

type stateKey struct {
	handle tile.ConnectionHandle
	kind   tile.InterfaceKind
}

// NewAssembler constructs an Assembler delivering validated reports to
// demux. maxBytes of 0 selects DefaultMaxReportBytes.
func NewAssembler(logger *zap.Logger, demux *Demultiplexer, maxBytes int) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReportBytes
	}
	return &Assembler{
		logger:   logger,
		maxBytes: maxBytes,
		demux:    demux,
		states:   make(map[stateKey]*frameState),
	}
}

func (a *Assembler) stateFor(handle tile.ConnectionHandle, kind tile.InterfaceKind, expectedDeviceID tile.DeviceID) *frameState {
	key := stateKey{handle, kind}

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		st = &frameState{maxBytes: a.maxBytes, expectedID: expectedDeviceID}
		a.states[key] = st
	}
	return st
}

// Reset discards any in-progress frame for (handle, kind), used when an
// interface is closed so a later reopen starts clean.
func (a *Assembler) Reset(handle tile.ConnectionHandle, kind tile.InterfaceKind) {
	a.mu.Lock()
	delete(a.states, stateKey{handle, kind})
	a.mu.Unlock()
}

// Feed appends one fragment of streaming-interface bytes and assembles as
// many complete, validated reports as the accumulated buffer allows,
// dispatching each to the Demultiplexer keyed by (device_id, selector).
//
// On a malformed frame, an oversized frame, or a concurrent-writer
// violation, Feed returns a non-nil error and the caller must close the
// interface and log an audit event; the internal state for this (handle, kind) is reset so
// a subsequent reopen starts from scratch.
func (a *Assembler) Feed(handle tile.ConnectionHandle, kind tile.InterfaceKind, expectedDeviceID tile.DeviceID, fragment []byte, codec AuthCodec) error {
	st := a.stateFor(handle, kind, expectedDeviceID)

	if !st.mu.TryLock() {
		a.Reset(handle, kind)
		return gwerr.New(gwerr.KindMalformedReport, "concurrent writer on a single streaming interface", nil)
	}
	defer st.mu.Unlock()

	st.buf = append(st.buf, fragment...)
	if len(st.buf) > st.maxBytes {
		st.buf = nil
		return gwerr.ErrReportTooLarge
	}

	for {
		frameLen, ready := frameLength(st.buf)
		if !ready {
			return nil
		}
		if frameLen > st.maxBytes {
			st.buf = nil
			return gwerr.ErrReportTooLarge
		}
		if len(st.buf) < frameLen {
			return nil
		}

		frame := st.buf[:frameLen]
		st.buf = append([]byte{}, st.buf[frameLen:]...)

		decoded, err := a.decodeFrame(frame, st.expectedID, codec)
		if err != nil {
			st.buf = nil
			return err
		}

		if a.OnDecoded != nil {
			a.OnDecoded(decoded)
		}
		a.demux.Dispatch(DemuxKey{DeviceID: decoded.DeviceID, Selector: decoded.Selector}, decoded)
	}
}

// frameLength inspects the bytes accumulated so far and reports the total
// frame length once enough header bytes are available to know it. For an
// individual report that's the fixed 20 bytes, known as soon as the format
// code byte arrives. For a signed list, the authoritative 24-bit length
// lives in the 4-byte word starting at wire offset 4 (the 16-bit field at
// offset 2 is redundant and ignored on decode), so 8 bytes must have
// arrived before the length is knowable.
func frameLength(buf []byte) (length int, ready bool) {
	if len(buf) < 1 {
		return 0, false
	}

	switch buf[0] {
	case tile.FormatIndividual:
		return tile.IndividualReportSize, true
	case tile.FormatSignedList:
		if len(buf) < 8 {
			return 0, false
		}
		word := binary.LittleEndian.Uint32(buf[4:8])
		return unpackLength(word), true
	default:
		// Unknown format code: report a 1-byte frame so the caller's
		// decodeFrame rejects it immediately as malformed, rather than
		// blocking forever waiting for a length that will never resolve.
		return 1, true
	}
}

func (a *Assembler) decodeFrame(frame []byte, expectedDeviceID tile.DeviceID, codec AuthCodec) (Decoded, error) {
	switch frame[0] {
	case tile.FormatIndividual:
		ir, err := DecodeIndividual(frame)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{
			DeviceID:   expectedDeviceID,
			Selector:   ir.StreamID,
			Individual: &ir,
			Raw:        frame,
		}, nil

	case tile.FormatSignedList:
		slr, err := DecodeSignedList(frame, expectedDeviceID)
		if err != nil {
			return Decoded{}, err
		}

		if _, err := codec.Verify(slr, frame); err != nil {
			return Decoded{}, err
		}
		if slr.Flags.Encrypted {
			if err := codec.DecryptReadings(slr, frame); err != nil {
				return Decoded{}, err
			}
		}

		return Decoded{
			DeviceID:   slr.DeviceID,
			Selector:   slr.Flags.Selector,
			SignedList: slr,
			Raw:        frame,
		}, nil

	default:
		return Decoded{}, gwerr.New(gwerr.KindMalformedReport, "unknown format code", nil)
	}
}
