package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMessageRecordRoundTrip(t *testing.T) {
	headers, err := EncodeHeaders(map[string]HeaderValue{
		"trace-id": StringHeader("abc-123"),
		"attempt":  Uint64Header(3),
	})
	if err != nil {
		t.Fatalf("EncodeHeaders failed: %v", err)
	}

	msg := NewRetainedMessage(NewMessageID(), 42, 1_700_000_000_000_000, headers, []byte("hello world"))
	encoded := msg.AppendRecord(nil)

	if got, want := uint32(len(encoded)), msg.SizeOnDisk(); got != want {
		t.Fatalf("encoded size = %d, want %d", got, want)
	}

	length := binary.LittleEndian.Uint32(encoded[:4])
	if length != msg.Size() {
		t.Fatalf("length prefix = %d, want %d", length, msg.Size())
	}

	decoded, err := DecodeRecord(encoded[4:])
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if decoded.Offset != msg.Offset {
		t.Errorf("offset = %d, want %d", decoded.Offset, msg.Offset)
	}
	if decoded.Timestamp != msg.Timestamp {
		t.Errorf("timestamp = %d, want %d", decoded.Timestamp, msg.Timestamp)
	}
	if decoded.ID != msg.ID {
		t.Errorf("id = %v, want %v", decoded.ID, msg.ID)
	}
	if decoded.State != MessageStateAvailable {
		t.Errorf("state = %v, want available", decoded.State)
	}
	if decoded.Checksum != msg.Checksum {
		t.Errorf("checksum = %d, want %d", decoded.Checksum, msg.Checksum)
	}
	if !bytes.Equal(decoded.Headers, msg.Headers) {
		t.Errorf("headers differ")
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Errorf("payload differs")
	}
}

func TestMessageRecordWithoutHeaders(t *testing.T) {
	msg := NewRetainedMessage(NewMessageID(), 0, 1, nil, []byte("p"))
	decoded, err := DecodeRecord(msg.AppendRecord(nil)[4:])
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if decoded.Headers != nil {
		t.Errorf("headers = %v, want nil", decoded.Headers)
	}
	if !bytes.Equal(decoded.Payload, []byte("p")) {
		t.Errorf("payload = %q, want %q", decoded.Payload, "p")
	}
}

func TestDecodeRecordChecksumMismatch(t *testing.T) {
	msg := NewRetainedMessage(NewMessageID(), 7, 1, nil, []byte("payload"))
	encoded := msg.AppendRecord(nil)

	// Corrupt one payload byte.
	encoded[len(encoded)-1] ^= 0xff

	_, err := DecodeRecord(encoded[4:])
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestDecodeRecordTooShort(t *testing.T) {
	_, err := DecodeRecord(make([]byte, RecordHeaderSize-1))
	if !errors.Is(err, ErrInvalidNumberEncoding) {
		t.Fatalf("err = %v, want ErrInvalidNumberEncoding", err)
	}
}

func TestDecodeRecordInvalidState(t *testing.T) {
	msg := NewRetainedMessage(NewMessageID(), 7, 1, nil, []byte("payload"))
	encoded := msg.AppendRecord(nil)
	encoded[4+8] = 99 // state byte

	_, err := DecodeRecord(encoded[4:])
	if !errors.Is(err, ErrInvalidNumberEncoding) {
		t.Fatalf("err = %v, want ErrInvalidNumberEncoding", err)
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	in := map[string]HeaderValue{
		"content-type": StringHeader("application/json"),
		"retries":      Uint64Header(5),
		"blob":         {Kind: HeaderRaw, Value: []byte{0x00, 0x01, 0x02}},
		"flag":         {Kind: HeaderBool, Value: []byte{1}},
	}
	encoded, err := EncodeHeaders(in)
	if err != nil {
		t.Fatalf("EncodeHeaders failed: %v", err)
	}
	out, err := DecodeHeaders(encoded)
	if err != nil {
		t.Fatalf("DecodeHeaders failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d headers, want %d", len(out), len(in))
	}
	for name, want := range in {
		got, ok := out[name]
		if !ok {
			t.Fatalf("header %q missing", name)
		}
		if got.Kind != want.Kind || !bytes.Equal(got.Value, want.Value) {
			t.Errorf("header %q = %+v, want %+v", name, got, want)
		}
	}
}

func TestEncodeHeadersDeterministic(t *testing.T) {
	in := map[string]HeaderValue{
		"b": StringHeader("2"),
		"a": StringHeader("1"),
		"c": StringHeader("3"),
	}
	first, err := EncodeHeaders(in)
	if err != nil {
		t.Fatalf("EncodeHeaders failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := EncodeHeaders(in)
		if err != nil {
			t.Fatalf("EncodeHeaders failed: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding is not deterministic")
		}
	}
}

func TestEncodeHeadersTooBig(t *testing.T) {
	in := map[string]HeaderValue{
		"blob": {Kind: HeaderRaw, Value: make([]byte, 2*MaxHeadersSize)},
	}
	_, err := EncodeHeaders(in)
	if !errors.Is(err, ErrTooBigHeadersPayload) {
		t.Fatalf("err = %v, want ErrTooBigHeadersPayload", err)
	}
}

func TestDecodeHeadersTruncated(t *testing.T) {
	encoded, err := EncodeHeaders(map[string]HeaderValue{"k": StringHeader("value")})
	if err != nil {
		t.Fatalf("EncodeHeaders failed: %v", err)
	}
	_, err = DecodeHeaders(encoded[:len(encoded)-2])
	if !errors.Is(err, ErrInvalidHeaders) {
		t.Fatalf("err = %v, want ErrInvalidHeaders", err)
	}
}

func TestParseHeaderKind(t *testing.T) {
	for k := HeaderRaw; k <= HeaderFloat64; k++ {
		parsed, err := ParseHeaderKind(k.String())
		if err != nil {
			t.Fatalf("ParseHeaderKind(%q) failed: %v", k.String(), err)
		}
		if parsed != k {
			t.Errorf("ParseHeaderKind(%q) = %v, want %v", k.String(), parsed, k)
		}
	}
	if _, err := ParseHeaderKind("decimal"); err == nil {
		t.Errorf("expected error for unknown kind")
	}
}

func TestMessageIDString(t *testing.T) {
	id := NewMessageID()
	parsed, err := ParseMessageID(id.String())
	if err != nil {
		t.Fatalf("ParseMessageID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("parsed id %v, want %v", parsed, id)
	}
	if (MessageID{}).IsZero() != true {
		t.Errorf("zero id should report IsZero")
	}
	if id.IsZero() {
		t.Errorf("random id should not report IsZero")
	}
}
