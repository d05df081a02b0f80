package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/ilikepi63/iggy/internal/storage"
	"github.com/ilikepi63/iggy/internal/streaming"
)

// All command payloads are little-endian. Short strings (names, keys) are
// prefixed with a u8 length; blobs (headers, payloads) with a u32. Decoding
// failures surface as storage.ErrInvalidNumberEncoding so the frame layer can
// answer with a stable wire code.

// cursor walks a payload, latching the first error so call sites stay flat.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) fail(format string, args ...any) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: "+format, append([]any{storage.ErrInvalidNumberEncoding}, args...)...)
	}
}

func (c *cursor) u8() uint8 {
	if c.err != nil {
		return 0
	}
	if c.pos+1 > len(c.data) {
		c.fail("truncated u8 at %d", c.pos)
		return 0
	}
	v := c.data[c.pos]
	c.pos++
	return v
}

func (c *cursor) u32() uint32 {
	if c.err != nil {
		return 0
	}
	if c.pos+4 > len(c.data) {
		c.fail("truncated u32 at %d", c.pos)
		return 0
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) u64() uint64 {
	if c.err != nil {
		return 0
	}
	if c.pos+8 > len(c.data) {
		c.fail("truncated u64 at %d", c.pos)
		return 0
	}
	v := binary.LittleEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return v
}

func (c *cursor) bytes(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.fail("truncated %d bytes at %d", n, c.pos)
		return nil
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v
}

func (c *cursor) shortString() string {
	return string(c.bytes(int(c.u8())))
}

func (c *cursor) identifier() streaming.Identifier {
	kind := streaming.IdentifierKind(c.u8())
	length := int(c.u8())
	value := c.bytes(length)
	if c.err != nil {
		return streaming.Identifier{}
	}
	switch kind {
	case streaming.IdentifierNumeric:
		if length != 4 {
			c.fail("numeric identifier of %d bytes", length)
			return streaming.Identifier{}
		}
		return streaming.NumericID(binary.LittleEndian.Uint32(value))
	case streaming.IdentifierName:
		return streaming.NameID(string(value))
	default:
		c.fail("unknown identifier kind %d", kind)
		return streaming.Identifier{}
	}
}

func (c *cursor) finish() error {
	if c.err != nil {
		return c.err
	}
	if c.pos != len(c.data) {
		return fmt.Errorf("%w: %d trailing bytes", storage.ErrInvalidNumberEncoding, len(c.data)-c.pos)
	}
	return nil
}

func appendShortString(dst []byte, s string) []byte {
	dst = append(dst, byte(len(s)))
	return append(dst, s...)
}

func appendIdentifier(dst []byte, ident streaming.Identifier) []byte {
	dst = append(dst, byte(ident.Kind))
	if ident.Kind == streaming.IdentifierNumeric {
		dst = append(dst, 4)
		return binary.LittleEndian.AppendUint32(dst, ident.Numeric)
	}
	dst = append(dst, byte(len(ident.Name)))
	return append(dst, ident.Name...)
}

// SendMessages carries one append request.
type SendMessages struct {
	Stream       streaming.Identifier
	Topic        streaming.Identifier
	Partitioning streaming.Partitioning
	Confirmation streaming.Confirmation
	Messages     []streaming.Message
}

// Encode serializes the request payload.
func (r SendMessages) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = appendIdentifier(buf, r.Topic)
	buf = append(buf, byte(r.Partitioning.Kind), byte(len(r.Partitioning.Value)))
	buf = append(buf, r.Partitioning.Value...)
	buf = append(buf, byte(r.Confirmation))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Messages)))
	for _, m := range r.Messages {
		buf = append(buf, m.ID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Headers)))
		buf = append(buf, m.Headers...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
		buf = append(buf, m.Payload...)
	}
	return buf
}

// DecodeSendMessages deserializes an append request.
func DecodeSendMessages(data []byte) (SendMessages, error) {
	c := &cursor{data: data}
	r := SendMessages{
		Stream: c.identifier(),
		Topic:  c.identifier(),
	}
	r.Partitioning.Kind = streaming.PartitioningKind(c.u8())
	r.Partitioning.Value = append([]byte(nil), c.bytes(int(c.u8()))...)
	r.Confirmation = streaming.Confirmation(c.u8())

	count := c.u32()
	for i := uint32(0); i < count && c.err == nil; i++ {
		var m streaming.Message
		copy(m.ID[:], c.bytes(16))
		m.Headers = append([]byte(nil), c.bytes(int(c.u32()))...)
		if len(m.Headers) == 0 {
			m.Headers = nil
		}
		m.Payload = append([]byte(nil), c.bytes(int(c.u32()))...)
		r.Messages = append(r.Messages, m)
	}
	return r, c.finish()
}

// SendMessagesResponse reports where a batch landed.
type SendMessagesResponse struct {
	PartitionID uint32
	LastOffset  uint64
}

func (r SendMessagesResponse) Encode() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, r.PartitionID)
	return binary.LittleEndian.AppendUint64(buf, r.LastOffset)
}

func DecodeSendMessagesResponse(data []byte) (SendMessagesResponse, error) {
	c := &cursor{data: data}
	r := SendMessagesResponse{PartitionID: c.u32(), LastOffset: c.u64()}
	return r, c.finish()
}

// PollMessages carries one poll request.
type PollMessages struct {
	Stream      streaming.Identifier
	Topic       streaming.Identifier
	Consumer    streaming.Consumer
	PartitionID uint32
	Strategy    streaming.PollingStrategy
	Count       uint32
	AutoCommit  bool
}

func (r PollMessages) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = appendIdentifier(buf, r.Topic)
	buf = binary.LittleEndian.AppendUint32(buf, r.Consumer.ID)
	buf = binary.LittleEndian.AppendUint32(buf, r.Consumer.GroupID)
	buf = binary.LittleEndian.AppendUint32(buf, r.PartitionID)
	buf = append(buf, byte(r.Strategy.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, r.Strategy.Value)
	buf = binary.LittleEndian.AppendUint32(buf, r.Count)
	if r.AutoCommit {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func DecodePollMessages(data []byte) (PollMessages, error) {
	c := &cursor{data: data}
	r := PollMessages{
		Stream: c.identifier(),
		Topic:  c.identifier(),
	}
	r.Consumer.ID = c.u32()
	r.Consumer.GroupID = c.u32()
	r.PartitionID = c.u32()
	r.Strategy.Kind = streaming.PollKind(c.u8())
	r.Strategy.Value = c.u64()
	r.Count = c.u32()
	r.AutoCommit = c.u8() != 0
	return r, c.finish()
}

// EncodePolledMessages serializes a poll response. Each message uses the same
// length-prefixed record layout as the log files.
func EncodePolledMessages(p streaming.PolledMessages) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, p.PartitionID)
	buf = binary.LittleEndian.AppendUint64(buf, p.CurrentOffset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Messages)))
	for _, m := range p.Messages {
		buf = m.AppendRecord(buf)
	}
	return buf
}

// DecodePolledMessages deserializes a poll response.
func DecodePolledMessages(data []byte) (streaming.PolledMessages, error) {
	c := &cursor{data: data}
	p := streaming.PolledMessages{
		PartitionID:   c.u32(),
		CurrentOffset: c.u64(),
	}
	count := c.u32()
	for i := uint32(0); i < count && c.err == nil; i++ {
		record := c.bytes(int(c.u32()))
		if c.err != nil {
			break
		}
		m, err := storage.DecodeRecord(record)
		if err != nil {
			return streaming.PolledMessages{}, err
		}
		p.Messages = append(p.Messages, m)
	}
	return p, c.finish()
}

// FlushUnsavedBuffer requests an on-demand partition flush.
type FlushUnsavedBuffer struct {
	Stream      streaming.Identifier
	Topic       streaming.Identifier
	PartitionID uint32
	Fsync       bool
}

func (r FlushUnsavedBuffer) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = appendIdentifier(buf, r.Topic)
	buf = binary.LittleEndian.AppendUint32(buf, r.PartitionID)
	if r.Fsync {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func DecodeFlushUnsavedBuffer(data []byte) (FlushUnsavedBuffer, error) {
	c := &cursor{data: data}
	r := FlushUnsavedBuffer{
		Stream: c.identifier(),
		Topic:  c.identifier(),
	}
	r.PartitionID = c.u32()
	r.Fsync = c.u8() != 0
	return r, c.finish()
}

// CreateStream carries a stream create request.
type CreateStream struct {
	ID   uint32
	Name string
}

func (r CreateStream) Encode() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, r.ID)
	return appendShortString(buf, r.Name)
}

func DecodeCreateStream(data []byte) (CreateStream, error) {
	c := &cursor{data: data}
	r := CreateStream{ID: c.u32(), Name: c.shortString()}
	return r, c.finish()
}

// UpdateStream renames a stream.
type UpdateStream struct {
	Stream streaming.Identifier
	Name   string
}

func (r UpdateStream) Encode() []byte {
	return appendShortString(appendIdentifier(nil, r.Stream), r.Name)
}

func DecodeUpdateStream(data []byte) (UpdateStream, error) {
	c := &cursor{data: data}
	r := UpdateStream{Stream: c.identifier(), Name: c.shortString()}
	return r, c.finish()
}

// StreamDetails is the wire form of one stream.
type StreamDetails struct {
	ID            uint32
	TopicsCount   uint32
	MessagesCount uint64
	SizeBytes     uint64
	Name          string
}

func (d StreamDetails) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, d.ID)
	dst = binary.LittleEndian.AppendUint32(dst, d.TopicsCount)
	dst = binary.LittleEndian.AppendUint64(dst, d.MessagesCount)
	dst = binary.LittleEndian.AppendUint64(dst, d.SizeBytes)
	return appendShortString(dst, d.Name)
}

// EncodeStreamDetails serializes one stream.
func EncodeStreamDetails(d StreamDetails) []byte { return d.encode(nil) }

// EncodeStreamList serializes a stream listing.
func EncodeStreamList(details []StreamDetails) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(details)))
	for _, d := range details {
		buf = d.encode(buf)
	}
	return buf
}

func decodeStreamDetails(c *cursor) StreamDetails {
	return StreamDetails{
		ID:            c.u32(),
		TopicsCount:   c.u32(),
		MessagesCount: c.u64(),
		SizeBytes:     c.u64(),
		Name:          c.shortString(),
	}
}

// DecodeStreamDetails deserializes one stream.
func DecodeStreamDetails(data []byte) (StreamDetails, error) {
	c := &cursor{data: data}
	d := decodeStreamDetails(c)
	return d, c.finish()
}

// DecodeStreamList deserializes a stream listing.
func DecodeStreamList(data []byte) ([]StreamDetails, error) {
	c := &cursor{data: data}
	count := c.u32()
	var out []StreamDetails
	for i := uint32(0); i < count && c.err == nil; i++ {
		out = append(out, decodeStreamDetails(c))
	}
	return out, c.finish()
}

// GetTopic addresses a topic.
type GetTopic struct {
	Stream streaming.Identifier
	Topic  streaming.Identifier
}

func (r GetTopic) Encode() []byte {
	return appendIdentifier(appendIdentifier(nil, r.Stream), r.Topic)
}

func DecodeGetTopic(data []byte) (GetTopic, error) {
	c := &cursor{data: data}
	r := GetTopic{Stream: c.identifier(), Topic: c.identifier()}
	return r, c.finish()
}

// CreateTopic carries a topic create request.
type CreateTopic struct {
	Stream            streaming.Identifier
	ID                uint32
	PartitionsCount   uint32
	MessageExpirySecs uint64
	MaxSize           uint64
	Compression       uint8
	ReplicationFactor uint8
	Name              string
}

func (r CreateTopic) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = binary.LittleEndian.AppendUint32(buf, r.ID)
	buf = binary.LittleEndian.AppendUint32(buf, r.PartitionsCount)
	buf = binary.LittleEndian.AppendUint64(buf, r.MessageExpirySecs)
	buf = binary.LittleEndian.AppendUint64(buf, r.MaxSize)
	buf = append(buf, r.Compression, r.ReplicationFactor)
	return appendShortString(buf, r.Name)
}

func DecodeCreateTopic(data []byte) (CreateTopic, error) {
	c := &cursor{data: data}
	r := CreateTopic{
		Stream:            c.identifier(),
		ID:                c.u32(),
		PartitionsCount:   c.u32(),
		MessageExpirySecs: c.u64(),
		MaxSize:           c.u64(),
		Compression:       c.u8(),
		ReplicationFactor: c.u8(),
		Name:              c.shortString(),
	}
	return r, c.finish()
}

// UpdateTopic adjusts a topic's name and retention.
type UpdateTopic struct {
	Stream            streaming.Identifier
	Topic             streaming.Identifier
	MessageExpirySecs uint64
	MaxSize           uint64
	Compression       uint8
	Name              string
}

func (r UpdateTopic) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = appendIdentifier(buf, r.Topic)
	buf = binary.LittleEndian.AppendUint64(buf, r.MessageExpirySecs)
	buf = binary.LittleEndian.AppendUint64(buf, r.MaxSize)
	buf = append(buf, r.Compression)
	return appendShortString(buf, r.Name)
}

func DecodeUpdateTopic(data []byte) (UpdateTopic, error) {
	c := &cursor{data: data}
	r := UpdateTopic{
		Stream:            c.identifier(),
		Topic:             c.identifier(),
		MessageExpirySecs: c.u64(),
		MaxSize:           c.u64(),
		Compression:       c.u8(),
		Name:              c.shortString(),
	}
	return r, c.finish()
}

// TopicDetails is the wire form of one topic.
type TopicDetails struct {
	ID                uint32
	PartitionsCount   uint32
	MessageExpirySecs uint64
	MaxSize           uint64
	Compression       uint8
	ReplicationFactor uint8
	MessagesCount     uint64
	SizeBytes         uint64
	Name              string
}

func (d TopicDetails) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, d.ID)
	dst = binary.LittleEndian.AppendUint32(dst, d.PartitionsCount)
	dst = binary.LittleEndian.AppendUint64(dst, d.MessageExpirySecs)
	dst = binary.LittleEndian.AppendUint64(dst, d.MaxSize)
	dst = append(dst, d.Compression, d.ReplicationFactor)
	dst = binary.LittleEndian.AppendUint64(dst, d.MessagesCount)
	dst = binary.LittleEndian.AppendUint64(dst, d.SizeBytes)
	return appendShortString(dst, d.Name)
}

// EncodeTopicDetails serializes one topic.
func EncodeTopicDetails(d TopicDetails) []byte { return d.encode(nil) }

// EncodeTopicList serializes a topic listing.
func EncodeTopicList(details []TopicDetails) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(details)))
	for _, d := range details {
		buf = d.encode(buf)
	}
	return buf
}

func decodeTopicDetails(c *cursor) TopicDetails {
	return TopicDetails{
		ID:                c.u32(),
		PartitionsCount:   c.u32(),
		MessageExpirySecs: c.u64(),
		MaxSize:           c.u64(),
		Compression:       c.u8(),
		ReplicationFactor: c.u8(),
		MessagesCount:     c.u64(),
		SizeBytes:         c.u64(),
		Name:              c.shortString(),
	}
}

// DecodeTopicDetails deserializes one topic.
func DecodeTopicDetails(data []byte) (TopicDetails, error) {
	c := &cursor{data: data}
	d := decodeTopicDetails(c)
	return d, c.finish()
}

// DecodeTopicList deserializes a topic listing.
func DecodeTopicList(data []byte) ([]TopicDetails, error) {
	c := &cursor{data: data}
	count := c.u32()
	var out []TopicDetails
	for i := uint32(0); i < count && c.err == nil; i++ {
		out = append(out, decodeTopicDetails(c))
	}
	return out, c.finish()
}

// Partitions adds or removes trailing partitions.
type Partitions struct {
	Stream streaming.Identifier
	Topic  streaming.Identifier
	Count  uint32
}

func (r Partitions) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = appendIdentifier(buf, r.Topic)
	return binary.LittleEndian.AppendUint32(buf, r.Count)
}

func DecodePartitions(data []byte) (Partitions, error) {
	c := &cursor{data: data}
	r := Partitions{Stream: c.identifier(), Topic: c.identifier(), Count: c.u32()}
	return r, c.finish()
}

// ConsumerGroupCommand addresses (and optionally creates) a consumer group.
type ConsumerGroupCommand struct {
	Stream  streaming.Identifier
	Topic   streaming.Identifier
	GroupID uint32
	// MemberID is set on join/leave, Name on create.
	MemberID uint32
	Name     string
}

func (r ConsumerGroupCommand) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = appendIdentifier(buf, r.Topic)
	buf = binary.LittleEndian.AppendUint32(buf, r.GroupID)
	buf = binary.LittleEndian.AppendUint32(buf, r.MemberID)
	return appendShortString(buf, r.Name)
}

func DecodeConsumerGroupCommand(data []byte) (ConsumerGroupCommand, error) {
	c := &cursor{data: data}
	r := ConsumerGroupCommand{
		Stream:   c.identifier(),
		Topic:    c.identifier(),
		GroupID:  c.u32(),
		MemberID: c.u32(),
	}
	if c.err == nil && c.pos < len(c.data) {
		r.Name = c.shortString()
	}
	return r, c.finish()
}

// ConsumerGroupDetails is the wire form of one consumer group.
type ConsumerGroupDetails struct {
	ID         uint32
	Members    []uint32
	Assignment map[uint32]uint32
	Name       string
}

func (d ConsumerGroupDetails) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, d.ID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(d.Members)))
	for _, m := range d.Members {
		dst = binary.LittleEndian.AppendUint32(dst, m)
	}
	partitions := make([]uint32, 0, len(d.Assignment))
	for pid := range d.Assignment {
		partitions = append(partitions, pid)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(partitions)))
	for _, pid := range partitions {
		dst = binary.LittleEndian.AppendUint32(dst, pid)
		dst = binary.LittleEndian.AppendUint32(dst, d.Assignment[pid])
	}
	return appendShortString(dst, d.Name)
}

// EncodeConsumerGroupDetails serializes one group.
func EncodeConsumerGroupDetails(d ConsumerGroupDetails) []byte { return d.encode(nil) }

// EncodeConsumerGroupList serializes a group listing.
func EncodeConsumerGroupList(details []ConsumerGroupDetails) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(details)))
	for _, d := range details {
		buf = d.encode(buf)
	}
	return buf
}

func decodeConsumerGroupDetails(c *cursor) ConsumerGroupDetails {
	d := ConsumerGroupDetails{ID: c.u32()}
	memberCount := c.u32()
	for i := uint32(0); i < memberCount && c.err == nil; i++ {
		d.Members = append(d.Members, c.u32())
	}
	pairCount := c.u32()
	if c.err == nil && pairCount > 0 {
		d.Assignment = make(map[uint32]uint32, pairCount)
	}
	for i := uint32(0); i < pairCount && c.err == nil; i++ {
		pid := c.u32()
		d.Assignment[pid] = c.u32()
	}
	d.Name = c.shortString()
	return d
}

// DecodeConsumerGroupDetails deserializes one group.
func DecodeConsumerGroupDetails(data []byte) (ConsumerGroupDetails, error) {
	c := &cursor{data: data}
	d := decodeConsumerGroupDetails(c)
	return d, c.finish()
}

// ConsumerOffset reads or writes a committed offset.
type ConsumerOffset struct {
	Stream      streaming.Identifier
	Topic       streaming.Identifier
	Consumer    streaming.Consumer
	PartitionID uint32
	Offset      uint64 // ignored on reads
}

func (r ConsumerOffset) Encode() []byte {
	buf := appendIdentifier(nil, r.Stream)
	buf = appendIdentifier(buf, r.Topic)
	buf = binary.LittleEndian.AppendUint32(buf, r.Consumer.ID)
	buf = binary.LittleEndian.AppendUint32(buf, r.Consumer.GroupID)
	buf = binary.LittleEndian.AppendUint32(buf, r.PartitionID)
	return binary.LittleEndian.AppendUint64(buf, r.Offset)
}

func DecodeConsumerOffset(data []byte) (ConsumerOffset, error) {
	c := &cursor{data: data}
	r := ConsumerOffset{
		Stream: c.identifier(),
		Topic:  c.identifier(),
	}
	r.Consumer.ID = c.u32()
	r.Consumer.GroupID = c.u32()
	r.PartitionID = c.u32()
	r.Offset = c.u64()
	return r, c.finish()
}

// ConsumerOffsetResponse answers a committed offset read.
type ConsumerOffsetResponse struct {
	PartitionID uint32
	Offset      uint64
}

func (r ConsumerOffsetResponse) Encode() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, r.PartitionID)
	return binary.LittleEndian.AppendUint64(buf, r.Offset)
}

func DecodeConsumerOffsetResponse(data []byte) (ConsumerOffsetResponse, error) {
	c := &cursor{data: data}
	r := ConsumerOffsetResponse{PartitionID: c.u32(), Offset: c.u64()}
	return r, c.finish()
}

// LoginUser carries credentials. The broker has no identity backend: any
// non-empty username authenticates the session.
type LoginUser struct {
	Username string
	Password string
}

func (r LoginUser) Encode() []byte {
	return appendShortString(appendShortString(nil, r.Username), r.Password)
}

func DecodeLoginUser(data []byte) (LoginUser, error) {
	c := &cursor{data: data}
	r := LoginUser{Username: c.shortString(), Password: c.shortString()}
	return r, c.finish()
}

// StatsResponse is the wire form of the broker stats snapshot.
type StatsResponse struct {
	ProcessID       uint32
	StartTimeMicros uint64
	Streams         uint32
	Topics          uint32
	Partitions      uint32
	Segments        uint32
	Groups          uint32
	Messages        uint64
	SizeBytes       uint64
}

// EncodeStats serializes a stats snapshot.
func EncodeStats(s streaming.Stats) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(s.ProcessID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.StartTime.UnixMicro()))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.StreamsCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.TopicsCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.PartitionsCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.SegmentsCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.GroupsCount))
	buf = binary.LittleEndian.AppendUint64(buf, s.MessagesCount)
	return binary.LittleEndian.AppendUint64(buf, s.TotalSizeBytes)
}

// DecodeStats deserializes a stats snapshot.
func DecodeStats(data []byte) (StatsResponse, error) {
	c := &cursor{data: data}
	r := StatsResponse{
		ProcessID:       c.u32(),
		StartTimeMicros: c.u64(),
		Streams:         c.u32(),
		Topics:          c.u32(),
		Partitions:      c.u32(),
		Segments:        c.u32(),
		Groups:          c.u32(),
		Messages:        c.u64(),
		SizeBytes:       c.u64(),
	}
	return r, c.finish()
}

// StartTime converts the wire timestamp back to a time.Time.
func (r StatsResponse) StartTime() time.Time {
	return time.UnixMicro(int64(r.StartTimeMicros))
}
