package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

const (
	// MaxPayloadSize is the maximum payload size per message (10 MB).
	MaxPayloadSize = 10 * 1024 * 1024

	// MaxHeadersSize is the maximum total encoded headers size per message (100 KB).
	MaxHeadersSize = 100 * 1024

	// RecordHeaderSize is the fixed portion of a message record, excluding
	// the u32 length prefix:
	// offset(8) + state(1) + timestamp(8) + id(16) + checksum(4) + headers_length(4).
	RecordHeaderSize = 41

	// RecordLengthSize is the u32 length prefix preceding each record on disk.
	RecordLengthSize = 4
)

var (
	// ErrInvalidNumberEncoding means a record or index entry is malformed.
	ErrInvalidNumberEncoding = errors.New("invalid number encoding")

	// ErrChecksumMismatch means the stored payload checksum does not match.
	ErrChecksumMismatch = errors.New("message checksum mismatch")

	// ErrInvalidMessagePayloadLength means the payload is empty or too large.
	ErrInvalidMessagePayloadLength = errors.New("invalid message payload length")

	// ErrTooBigHeadersPayload means the encoded headers exceed MaxHeadersSize.
	ErrTooBigHeadersPayload = errors.New("too big headers payload")

	// ErrInvalidHeaders means the headers blob is malformed.
	ErrInvalidHeaders = errors.New("invalid headers")
)

// MessageState encodes the delivery state of a retained message.
type MessageState uint8

const (
	MessageStateAvailable         MessageState = 1
	MessageStateUnavailable       MessageState = 10
	MessageStatePoisoned          MessageState = 20
	MessageStateMarkedForDeletion MessageState = 30
)

// IsValid reports whether the state is one of the defined codes.
func (s MessageState) IsValid() bool {
	switch s {
	case MessageStateAvailable, MessageStateUnavailable, MessageStatePoisoned, MessageStateMarkedForDeletion:
		return true
	}
	return false
}

func (s MessageState) String() string {
	switch s {
	case MessageStateAvailable:
		return "available"
	case MessageStateUnavailable:
		return "unavailable"
	case MessageStatePoisoned:
		return "poisoned"
	case MessageStateMarkedForDeletion:
		return "marked_for_deletion"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MessageID is a 128-bit message identifier.
type MessageID [16]byte

// NewMessageID returns a random message ID.
func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

// IsZero reports whether the ID is all zeroes (producer did not set one).
func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

// ParseMessageID parses the canonical UUID form of a message ID.
func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("invalid message id: %w", err)
	}
	return MessageID(u), nil
}

// crcTable backs the CRC-32C (Castagnoli) payload checksum. The algorithm is
// fixed: changing it would break every record already on disk.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC-32C checksum of a message payload.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, crcTable)
}

// RetainedMessage is a message as stored on disk and served to pollers.
// Instances are immutable after construction; they are shared between the
// partition cache and in-flight responses.
//
// Record layout, little-endian, prefixed on disk and on the wire with a u32
// total length that does not count itself:
//
//	offset         u64
//	state          u8
//	timestamp      u64 (microseconds since the Unix epoch)
//	id             u128
//	checksum       u32 (CRC-32C of payload)
//	headers_length u32
//	headers        bytes (optional)
//	payload        bytes
type RetainedMessage struct {
	ID        MessageID
	Offset    uint64
	Timestamp uint64
	Checksum  uint32
	State     MessageState
	Headers   []byte
	Payload   []byte
}

// NewRetainedMessage builds an available message with a computed checksum.
// Headers must already be encoded with EncodeHeaders.
func NewRetainedMessage(id MessageID, offset, timestamp uint64, headers, payload []byte) *RetainedMessage {
	return &RetainedMessage{
		ID:        id,
		Offset:    offset,
		Timestamp: timestamp,
		Checksum:  Checksum(payload),
		State:     MessageStateAvailable,
		Headers:   headers,
		Payload:   payload,
	}
}

// Size returns the record size in bytes, excluding the length prefix.
func (m *RetainedMessage) Size() uint32 {
	return uint32(RecordHeaderSize + len(m.Headers) + len(m.Payload))
}

// SizeOnDisk returns the record size in bytes including the length prefix.
func (m *RetainedMessage) SizeOnDisk() uint32 {
	return RecordLengthSize + m.Size()
}

// AppendRecord appends the length-prefixed record to dst and returns the
// extended slice.
func (m *RetainedMessage) AppendRecord(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, m.Size())
	dst = binary.LittleEndian.AppendUint64(dst, m.Offset)
	dst = append(dst, byte(m.State))
	dst = binary.LittleEndian.AppendUint64(dst, m.Timestamp)
	dst = append(dst, m.ID[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, m.Checksum)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(m.Headers)))
	dst = append(dst, m.Headers...)
	dst = append(dst, m.Payload...)
	return dst
}

// DecodeRecord deserializes a record (without its length prefix) and
// verifies the payload checksum.
func DecodeRecord(data []byte) (*RetainedMessage, error) {
	if len(data) < RecordHeaderSize {
		return nil, fmt.Errorf("%w: record of %d bytes is shorter than the %d-byte header",
			ErrInvalidNumberEncoding, len(data), RecordHeaderSize)
	}

	m := &RetainedMessage{}
	m.Offset = binary.LittleEndian.Uint64(data[0:8])
	m.State = MessageState(data[8])
	if !m.State.IsValid() {
		return nil, fmt.Errorf("%w: message state %d", ErrInvalidNumberEncoding, data[8])
	}
	m.Timestamp = binary.LittleEndian.Uint64(data[9:17])
	copy(m.ID[:], data[17:33])
	m.Checksum = binary.LittleEndian.Uint32(data[33:37])
	headersLen := binary.LittleEndian.Uint32(data[37:41])

	if uint64(RecordHeaderSize)+uint64(headersLen) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: headers length %d exceeds record", ErrInvalidNumberEncoding, headersLen)
	}
	if headersLen > 0 {
		m.Headers = make([]byte, headersLen)
		copy(m.Headers, data[RecordHeaderSize:RecordHeaderSize+headersLen])
	}

	payload := data[RecordHeaderSize+headersLen:]
	m.Payload = make([]byte, len(payload))
	copy(m.Payload, payload)

	if Checksum(m.Payload) != m.Checksum {
		return nil, fmt.Errorf("%w: offset %d", ErrChecksumMismatch, m.Offset)
	}
	return m, nil
}
