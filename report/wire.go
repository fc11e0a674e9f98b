// Package report implements the report codec: wire encode/decode for
// Individual and SignedList reports, signature verification, and AES-CTR
// decryption, plus the report assembler and demultiplexer that turn raw
// transport fragments into validated Report values and fan them out to
// subscribers.
package report

import (
	"encoding/binary"

	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/tile"
)

// EncodeIndividual produces the fixed 20-byte wire form of an individual
// report.
func EncodeIndividual(r tile.IndividualReport) []byte {
	buf := make([]byte, tile.IndividualReportSize)
	buf[0] = tile.FormatIndividual
	buf[1] = tile.ReportReservedByte
	binary.LittleEndian.PutUint16(buf[2:4], r.StreamID)
	binary.LittleEndian.PutUint32(buf[4:8], r.ReadingID)
	binary.LittleEndian.PutUint32(buf[8:12], r.Timestamp)
	binary.LittleEndian.PutUint32(buf[12:16], r.Value)
	binary.LittleEndian.PutUint32(buf[16:20], r.SentTimestamp)
	return buf
}

// DecodeIndividual parses a 20-byte individual report frame.
func DecodeIndividual(buf []byte) (tile.IndividualReport, error) {
	if len(buf) != tile.IndividualReportSize {
		return tile.IndividualReport{}, gwerr.New(gwerr.KindMalformedReport, "individual report must be 20 bytes", nil)
	}
	if buf[0] != tile.FormatIndividual {
		return tile.IndividualReport{}, gwerr.New(gwerr.KindMalformedReport, "unexpected format code", nil)
	}

	return tile.IndividualReport{
		Reading: tile.Reading{
			StreamID:  binary.LittleEndian.Uint16(buf[2:4]),
			ReadingID: binary.LittleEndian.Uint32(buf[4:8]),
			Timestamp: binary.LittleEndian.Uint32(buf[8:12]),
			Value:     binary.LittleEndian.Uint32(buf[12:16]),
		},
		SentTimestamp: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// packLengthAndFlags folds the 24-bit length and 8-bit flags byte into the
// single 4-byte length_high_and_flags wire field.
func packLengthAndFlags(length int, flagsByte uint8) uint32 {
	return uint32(length&0x00ffffff) | uint32(flagsByte)<<24
}

func unpackLength(lengthHighAndFlags uint32) int {
	return int(lengthHighAndFlags & 0x00ffffff)
}

func unpackFlagsByte(lengthHighAndFlags uint32) uint8 {
	return uint8(lengthHighAndFlags >> 24)
}

func encodeFlagsByte(f tile.ReportFlags) uint8 {
	var b uint8
	if f.Encrypted {
		b |= 0x01
	}
	b |= uint8(f.KeyType&0x3) << 1
	return b
}

func decodeFlagsByte(b uint8) tile.ReportFlags {
	return tile.ReportFlags{
		Encrypted: b&0x01 != 0,
		KeyType:   tile.KeyType((b >> 1) & 0x3),
	}
}

// headerBuf writes the 32-byte header for a SignedListReport whose length is already
// known, with the signature-affecting length/flags word filled in but the
// signature itself left for the caller to compute once the full buffer
// exists.
func headerBuf(r *tile.SignedListReport, length int) []byte {
	buf := make([]byte, tile.SignedListHeaderSize)
	buf[0] = tile.FormatSignedList
	buf[1] = tile.ReportReservedByte
	binary.LittleEndian.PutUint16(buf[2:4], uint16(length))
	binary.LittleEndian.PutUint32(buf[4:8], packLengthAndFlags(length, encodeFlagsByte(r.Flags)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Readings)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(uint64(r.DeviceID)&0xffffffff))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(uint64(r.DeviceID)>>32))
	binary.LittleEndian.PutUint32(buf[20:24], r.ReportID)
	binary.LittleEndian.PutUint32(buf[24:28], r.SentTimestamp)
	binary.LittleEndian.PutUint16(buf[28:30], r.Flags.Selector)
	return buf
}

// EncodeSignedList produces the wire form of a SignedListReport. If
// Flags.Encrypted is set, the caller's readings must already be the
// plaintext readings; encryption (via Encrypt) happens before the
// signature is computed, since the signature covers the wire bytes, not
// the plaintext: every byte preceding the signature field is hashed as it
// appears on the wire.
func EncodeSignedList(r *tile.SignedListReport, signer Signer, cipher Cipher) ([]byte, error) {
	if !readingIDsNonDecreasing(r.Readings) {
		return nil, gwerr.New(gwerr.KindMalformedReport, "reading ids must be non-decreasing within a report", nil)
	}

	length := r.WireLength()
	buf := make([]byte, 0, length)
	buf = append(buf, headerBuf(r, length)...)

	readingsStart := len(buf)
	for _, rd := range r.Readings {
		var rb [16]byte
		binary.LittleEndian.PutUint16(rb[0:2], rd.StreamID)
		binary.LittleEndian.PutUint32(rb[4:8], rd.ReadingID)
		binary.LittleEndian.PutUint32(rb[8:12], rd.Timestamp)
		binary.LittleEndian.PutUint32(rb[12:16], rd.Value)
		buf = append(buf, rb[:]...)
	}
	readingsEnd := len(buf)

	if r.Flags.Encrypted {
		if cipher == nil {
			return nil, gwerr.New(gwerr.KindKeyUnavailable, "encryption requested but no cipher supplied", nil)
		}
		ciphertext, err := cipher.Encrypt(r.DeviceID, r.Flags.KeyType, r.ReportID, buf[readingsStart:readingsEnd])
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindDecryptionFailed, err)
		}
		copy(buf[readingsStart:readingsEnd], ciphertext)
	}

	lowest, highest := readingIDRange(r.Readings)
	var footer [signedListFooterSize]byte
	binary.LittleEndian.PutUint32(footer[0:4], lowest)
	binary.LittleEndian.PutUint32(footer[4:8], highest)
	buf = append(buf, footer[:]...)

	if signer != nil {
		sig, err := signer.Sign(r.DeviceID, r.Flags.KeyType, buf)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindKeyUnavailable, err)
		}
		copy(buf[len(buf)-16:], sig[:])
		r.Signature = sig
	}

	r.LowestReadingID, r.HighestReadingID = lowest, highest
	return buf, nil
}

const signedListFooterSize = 24

func readingIDRange(readings []tile.Reading) (lowest, highest uint32) {
	if len(readings) == 0 {
		return 0, 0
	}
	lowest, highest = readings[0].ReadingID, readings[0].ReadingID
	for _, r := range readings {
		if r.ReadingID < lowest {
			lowest = r.ReadingID
		}
		if r.ReadingID > highest {
			highest = r.ReadingID
		}
	}
	return
}

func readingIDsNonDecreasing(readings []tile.Reading) bool {
	for i := 1; i < len(readings); i++ {
		if readings[i].ReadingID < readings[i-1].ReadingID {
			return false
		}
	}
	return true
}

// DecodeSignedList parses a complete SignedList frame previously assembled
// from the wire. It does not verify the signature or decrypt; call Verify
// and Decrypt afterward. expectedDeviceID of zero means "accept any
// device_id".
func DecodeSignedList(buf []byte, expectedDeviceID tile.DeviceID) (*tile.SignedListReport, error) {
	if len(buf) < tile.SignedListHeaderSize+signedListFooterSize {
		return nil, gwerr.New(gwerr.KindMalformedReport, "buffer shorter than header+footer", nil)
	}
	if buf[0] != tile.FormatSignedList {
		return nil, gwerr.New(gwerr.KindMalformedReport, "unexpected format code", nil)
	}

	lengthHighAndFlags := binary.LittleEndian.Uint32(buf[4:8])
	length := unpackLength(lengthHighAndFlags)
	if length != len(buf) {
		return nil, gwerr.New(gwerr.KindMalformedReport, "declared length does not match frame size", nil)
	}

	readingCount := int(binary.LittleEndian.Uint32(buf[8:12]))
	expected := tile.SignedListHeaderSize + readingCount*16 + signedListFooterSize
	if expected != len(buf) {
		return nil, gwerr.New(gwerr.KindMalformedReport, "reading count inconsistent with frame size", nil)
	}

	deviceID := tile.DeviceID(binary.LittleEndian.Uint32(buf[12:16])) |
		tile.DeviceID(binary.LittleEndian.Uint32(buf[16:20]))<<32
	if expectedDeviceID != 0 && deviceID != expectedDeviceID {
		return nil, gwerr.New(gwerr.KindMalformedReport, "device id mismatch", nil)
	}

	r := &tile.SignedListReport{
		DeviceID:      deviceID,
		ReportID:      binary.LittleEndian.Uint32(buf[20:24]),
		SentTimestamp: binary.LittleEndian.Uint32(buf[24:28]),
		Flags:         decodeFlagsByte(unpackFlagsByte(lengthHighAndFlags)),
	}
	r.Flags.Selector = binary.LittleEndian.Uint16(buf[28:30])

	readingsStart := tile.SignedListHeaderSize
	r.Readings = make([]tile.Reading, readingCount)
	for i := 0; i < readingCount; i++ {
		off := readingsStart + i*16
		rb := buf[off : off+16]
		r.Readings[i] = tile.Reading{
			StreamID:  binary.LittleEndian.Uint16(rb[0:2]),
			ReadingID: binary.LittleEndian.Uint32(rb[4:8]),
			Timestamp: binary.LittleEndian.Uint32(rb[8:12]),
			Value:     binary.LittleEndian.Uint32(rb[12:16]),
		}
	}

	footerStart := readingsStart + readingCount*16
	r.LowestReadingID = binary.LittleEndian.Uint32(buf[footerStart : footerStart+4])
	r.HighestReadingID = binary.LittleEndian.Uint32(buf[footerStart+4 : footerStart+8])
	copy(r.Signature[:], buf[footerStart+8:footerStart+24])

	return r, nil
}

// readingsRegion returns the byte range of buf occupied by the (possibly
// still-encrypted) reading list, for callers that need to decrypt in place.
func readingsRegion(buf []byte) (start, end int) {
	readingCount := int(binary.LittleEndian.Uint32(buf[8:12]))
	start = tile.SignedListHeaderSize
	end = start + readingCount*16
	return
}
