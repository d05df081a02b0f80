package streaming

import (
	"errors"
	"net/http"

	"github.com/ilikepi63/iggy/internal/storage"
)

// Error taxonomy of the engine. Transports never invent their own failure
// kinds: every handler resolves an error to one of these sentinels (or to one
// of the storage sentinels) and maps it to a wire code with ErrorCode and an
// HTTP status with HTTPStatus.
var (
	// Validation.
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrInvalidPartitioning = errors.New("invalid partitioning")

	// Not found.
	ErrStreamNotFound         = errors.New("stream not found")
	ErrTopicNotFound          = errors.New("topic not found")
	ErrPartitionNotFound      = errors.New("partition not found")
	ErrConsumerGroupNotFound  = errors.New("consumer group not found")
	ErrConsumerOffsetNotFound = errors.New("consumer offset not found")

	// Conflict.
	ErrStreamAlreadyExists        = errors.New("stream already exists")
	ErrTopicAlreadyExists         = errors.New("topic already exists")
	ErrConsumerGroupAlreadyExists = errors.New("consumer group already exists")

	// Resource.
	ErrSegmentFull = errors.New("segment full")
	ErrCacheFull   = errors.New("cache full")

	// Authorization.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Wire codes are stable: they are part of the binary protocol and must never
// be renumbered. Code 0 is success on the wire; 255 is the catch-all for
// errors outside the taxonomy.
const (
	CodeOK uint32 = 0

	CodeInvalidIdentifier            uint32 = 1
	CodeInvalidMessagePayloadLength  uint32 = 2
	CodeTooBigHeadersPayload         uint32 = 3
	CodeInvalidOffset                uint32 = 4
	CodeInvalidPartitioning          uint32 = 5
	CodeInvalidHeaders               uint32 = 6

	CodeStreamNotFound         uint32 = 20
	CodeTopicNotFound          uint32 = 21
	CodePartitionNotFound      uint32 = 22
	CodeConsumerOffsetNotFound uint32 = 23
	CodeConsumerGroupNotFound  uint32 = 24

	CodeStreamAlreadyExists        uint32 = 40
	CodeTopicAlreadyExists         uint32 = 41
	CodeConsumerGroupAlreadyExists uint32 = 42

	CodeInvalidNumberEncoding uint32 = 50
	CodeCorruptedIndex        uint32 = 51
	CodeCannotAppendMessages  uint32 = 52
	CodeCannotReadMessage     uint32 = 53
	CodeChecksumMismatch      uint32 = 54

	CodeSegmentFull uint32 = 70
	CodeCacheFull   uint32 = 71

	CodeUnauthenticated uint32 = 80
	CodeForbidden       uint32 = 81

	CodeInternal uint32 = 255
)

type errorMapping struct {
	sentinel error
	code     uint32
	status   int
}

var errorMappings = []errorMapping{
	{ErrInvalidIdentifier, CodeInvalidIdentifier, http.StatusBadRequest},
	{storage.ErrInvalidMessagePayloadLength, CodeInvalidMessagePayloadLength, http.StatusBadRequest},
	{storage.ErrTooBigHeadersPayload, CodeTooBigHeadersPayload, http.StatusBadRequest},
	{ErrInvalidOffset, CodeInvalidOffset, http.StatusBadRequest},
	{ErrInvalidPartitioning, CodeInvalidPartitioning, http.StatusBadRequest},
	{storage.ErrInvalidHeaders, CodeInvalidHeaders, http.StatusBadRequest},

	{ErrStreamNotFound, CodeStreamNotFound, http.StatusNotFound},
	{ErrTopicNotFound, CodeTopicNotFound, http.StatusNotFound},
	{ErrPartitionNotFound, CodePartitionNotFound, http.StatusNotFound},
	{ErrConsumerOffsetNotFound, CodeConsumerOffsetNotFound, http.StatusNotFound},
	{ErrConsumerGroupNotFound, CodeConsumerGroupNotFound, http.StatusNotFound},

	{ErrStreamAlreadyExists, CodeStreamAlreadyExists, http.StatusConflict},
	{ErrTopicAlreadyExists, CodeTopicAlreadyExists, http.StatusConflict},
	{ErrConsumerGroupAlreadyExists, CodeConsumerGroupAlreadyExists, http.StatusConflict},

	{storage.ErrInvalidNumberEncoding, CodeInvalidNumberEncoding, http.StatusInternalServerError},
	{storage.ErrCorruptedIndex, CodeCorruptedIndex, http.StatusInternalServerError},
	{storage.ErrCannotAppendMessages, CodeCannotAppendMessages, http.StatusInternalServerError},
	{storage.ErrCannotReadMessage, CodeCannotReadMessage, http.StatusInternalServerError},
	{storage.ErrChecksumMismatch, CodeChecksumMismatch, http.StatusInternalServerError},

	{ErrSegmentFull, CodeSegmentFull, http.StatusServiceUnavailable},
	{ErrCacheFull, CodeCacheFull, http.StatusServiceUnavailable},

	{ErrUnauthenticated, CodeUnauthenticated, http.StatusUnauthorized},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
}

// ErrorCode resolves an error to its wire code. nil maps to CodeOK, unknown
// errors to CodeInternal.
func ErrorCode(err error) uint32 {
	if err == nil {
		return CodeOK
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			return m.code
		}
	}
	return CodeInternal
}

// HTTPStatus resolves an error to the status the HTTP gateway responds with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
