package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// HeaderKind identifies the type of a user header value.
type HeaderKind uint8

const (
	HeaderRaw     HeaderKind = 1
	HeaderString  HeaderKind = 2
	HeaderBool    HeaderKind = 3
	HeaderInt8    HeaderKind = 4
	HeaderInt16   HeaderKind = 5
	HeaderInt32   HeaderKind = 6
	HeaderInt64   HeaderKind = 7
	HeaderUint8   HeaderKind = 8
	HeaderUint16  HeaderKind = 9
	HeaderUint32  HeaderKind = 10
	HeaderUint64  HeaderKind = 11
	HeaderFloat32 HeaderKind = 12
	HeaderFloat64 HeaderKind = 13
)

// IsValid reports whether the kind is one of the defined header kinds.
func (k HeaderKind) IsValid() bool {
	return k >= HeaderRaw && k <= HeaderFloat64
}

func (k HeaderKind) String() string {
	switch k {
	case HeaderRaw:
		return "raw"
	case HeaderString:
		return "string"
	case HeaderBool:
		return "bool"
	case HeaderInt8:
		return "int8"
	case HeaderInt16:
		return "int16"
	case HeaderInt32:
		return "int32"
	case HeaderInt64:
		return "int64"
	case HeaderUint8:
		return "uint8"
	case HeaderUint16:
		return "uint16"
	case HeaderUint32:
		return "uint32"
	case HeaderUint64:
		return "uint64"
	case HeaderFloat32:
		return "float32"
	case HeaderFloat64:
		return "float64"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseHeaderKind converts a kind name to a HeaderKind.
func ParseHeaderKind(s string) (HeaderKind, error) {
	for k := HeaderRaw; k <= HeaderFloat64; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown header kind %q", ErrInvalidHeaders, s)
}

// HeaderValue is a typed header value.
type HeaderValue struct {
	Kind  HeaderKind
	Value []byte
}

// StringHeader builds a string-kinded header value.
func StringHeader(v string) HeaderValue {
	return HeaderValue{Kind: HeaderString, Value: []byte(v)}
}

// Uint64Header builds a uint64-kinded header value (little-endian).
func Uint64Header(v uint64) HeaderValue {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return HeaderValue{Kind: HeaderUint64, Value: b}
}

// EncodeHeaders serializes a headers map.
//
// Wire layout per header, little-endian throughout:
//
//	name_length  u8
//	name         bytes
//	kind         u8
//	value_length u32
//	value        bytes
//
// Names are encoded in sorted order so the output is deterministic.
func EncodeHeaders(headers map[string]HeaderValue) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(headers))
	size := 0
	for name, value := range headers {
		if len(name) == 0 || len(name) > math.MaxUint8 {
			return nil, fmt.Errorf("%w: header name length %d out of range", ErrInvalidHeaders, len(name))
		}
		if !value.Kind.IsValid() {
			return nil, fmt.Errorf("%w: header %q has invalid kind %d", ErrInvalidHeaders, name, value.Kind)
		}
		names = append(names, name)
		size += 1 + len(name) + 1 + 4 + len(value.Value)
	}
	sort.Strings(names)

	buf := make([]byte, 0, size)
	for _, name := range names {
		value := headers[name]
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)
		buf = append(buf, byte(value.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value.Value)))
		buf = append(buf, value.Value...)
	}
	if len(buf) > MaxHeadersSize {
		return nil, fmt.Errorf("%w: %d bytes, max is %d", ErrTooBigHeadersPayload, len(buf), MaxHeadersSize)
	}
	return buf, nil
}

// DecodeHeaders deserializes a headers map produced by EncodeHeaders.
func DecodeHeaders(data []byte) (map[string]HeaderValue, error) {
	if len(data) == 0 {
		return nil, nil
	}

	headers := make(map[string]HeaderValue)
	pos := 0
	for pos < len(data) {
		nameLen := int(data[pos])
		pos++
		if nameLen == 0 || pos+nameLen+5 > len(data) {
			return nil, fmt.Errorf("%w: truncated header at position %d", ErrInvalidHeaders, pos)
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen

		kind := HeaderKind(data[pos])
		pos++
		if !kind.IsValid() {
			return nil, fmt.Errorf("%w: header %q has invalid kind %d", ErrInvalidHeaders, name, kind)
		}

		valueLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+valueLen > len(data) {
			return nil, fmt.Errorf("%w: truncated value for header %q", ErrInvalidHeaders, name)
		}
		value := make([]byte, valueLen)
		copy(value, data[pos:pos+valueLen])
		pos += valueLen

		headers[name] = HeaderValue{Kind: kind, Value: value}
	}
	return headers, nil
}
