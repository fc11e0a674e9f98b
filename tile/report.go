package tile

// Report format codes
const (
	FormatIndividual uint8 = 1
	FormatSignedList uint8 = 2
)

// ReportReservedByte fills the reserved byte after the format code on
// encode; decode validates the format code explicitly and does not check
// the reserved byte.
const ReportReservedByte = 0

// KeyType is the 2-bit key-class carried in a SignedList report's flags.
type KeyType uint8

const (
	KeyNone KeyType = iota
	KeyDevice
	KeyUser
	KeyBroadcast
)

// ReportFlags is the decoded form of the SignedList header flags byte
// (the top 8 bits of length_high_and_flags) plus the header's selector.
type ReportFlags struct {
	Encrypted bool
	KeyType   KeyType
	Selector  uint16
}

// IndividualReport is a single, unsigned reading used for realtime data. It
// is always exactly 20 bytes on the wire.
type IndividualReport struct {
	Reading
	SentTimestamp uint32
}

const IndividualReportSize = 20

// SignedListReport is a framed, numbered, optionally encrypted list of
// readings from one streamer on one device.
type SignedListReport struct {
	DeviceID      DeviceID
	ReportID      uint32
	SentTimestamp uint32
	Flags         ReportFlags
	Readings      []Reading

	LowestReadingID  uint32
	HighestReadingID uint32
	Signature        [16]byte
}

// SignedListHeaderSize is the on-wire header size: the 20-byte fixed
// prefix plus report_id (4), sent_timestamp (4), and selector (2 + 2
// reserved) appended immediately after it.
const (
	SignedListHeaderSize  = 32
	signedListReadingSize = 16
	signedListFooterSize  = 24
)

// WireLength computes the length this report would occupy on the wire,
// which must equal the declared length field on encode and is checked
// against it on decode.
func (r *SignedListReport) WireLength() int {
	return SignedListHeaderSize + len(r.Readings)*signedListReadingSize + signedListFooterSize
}
