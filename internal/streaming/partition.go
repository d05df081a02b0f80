package streaming

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ilikepi63/iggy/internal/storage"
)

// PartitionConfig carries the per-partition knobs, resolved by the system
// from the topic and the server configuration.
type PartitionConfig struct {
	Segment storage.SegmentConfig

	// CacheEnabled turns on the in-memory tail cache.
	CacheEnabled bool

	// CacheBytes is the tail cache budget per partition.
	CacheBytes uint64

	// MessageExpiry drops closed segments whose newest message is older.
	// Zero means messages never expire.
	MessageExpiry time.Duration

	// MaxSize caps the total size of closed segments. Zero means unbounded.
	MaxSize uint64
}

// Message is a produced message before the engine assigns its offset and
// timestamp. Headers must already be encoded with storage.EncodeHeaders.
type Message struct {
	ID      storage.MessageID
	Headers []byte
	Payload []byte
}

// PollKind selects how a poll resolves its start position.
type PollKind uint8

const (
	// PollOffset starts at an absolute offset.
	PollOffset PollKind = 1
	// PollTimestamp starts at the first message with timestamp >= value.
	PollTimestamp PollKind = 2
	// PollFirst starts at the first retained offset.
	PollFirst PollKind = 3
	// PollLast returns the newest value messages.
	PollLast PollKind = 4
	// PollNext continues from the consumer's committed offset.
	PollNext PollKind = 5
)

// PollingStrategy pairs a kind with its argument (offset, timestamp or count;
// unused for First and Next).
type PollingStrategy struct {
	Kind  PollKind
	Value uint64
}

// Partition owns an ordered list of segments, of which exactly the last one
// is active and accepts appends. Appends are serialized by the partition
// mutex so offsets are dense and strictly increasing; polls take a read
// snapshot and then scan segment files through independent handles.
type Partition struct {
	mu  sync.RWMutex
	id  uint32
	dir string
	cfg PartitionConfig
	log *slog.Logger

	segments []*storage.Segment

	// currentOffset is the last assigned offset; meaningless until
	// hasMessages is set (a new partition has no offset -1 to represent).
	currentOffset uint64
	hasMessages   bool
	messageCount  uint64

	cache *MessageCache
}

// NewPartition creates an empty partition with a single active segment at
// base offset zero.
func NewPartition(dir string, id uint32, cfg PartitionConfig, log *slog.Logger) (*Partition, error) {
	segment, err := storage.NewSegment(dir, 0, cfg.Segment)
	if err != nil {
		return nil, fmt.Errorf("create partition %d: %w", id, err)
	}
	p := &Partition{
		id:       id,
		dir:      dir,
		cfg:      cfg,
		log:      log,
		segments: []*storage.Segment{segment},
	}
	if cfg.CacheEnabled {
		p.cache = NewMessageCache(cfg.CacheBytes)
	}
	return p, nil
}

// LoadPartition opens a partition directory, recovers every segment found in
// it and derives the partition's offset state.
func LoadPartition(dir string, id uint32, cfg PartitionConfig, log *slog.Logger) (*Partition, error) {
	baseOffsets, err := listSegmentBaseOffsets(dir)
	if err != nil {
		return nil, fmt.Errorf("load partition %d: %w", id, err)
	}
	if len(baseOffsets) == 0 {
		return NewPartition(dir, id, cfg, log)
	}

	p := &Partition{id: id, dir: dir, cfg: cfg, log: log}
	if cfg.CacheEnabled {
		p.cache = NewMessageCache(cfg.CacheBytes)
	}

	for i, base := range baseOffsets {
		segment, err := storage.LoadSegment(dir, base, cfg.Segment)
		if err != nil {
			p.closeSegments()
			return nil, fmt.Errorf("load partition %d segment %d: %w", id, base, err)
		}
		if i < len(baseOffsets)-1 {
			if err := segment.MarkClosed(); err != nil {
				segment.Close()
				p.closeSegments()
				return nil, fmt.Errorf("load partition %d segment %d: %w", id, base, err)
			}
		}
		p.segments = append(p.segments, segment)
		p.messageCount += segment.MessageCount()
	}

	// The newest non-empty segment carries the partition's offset state. The
	// active segment can be empty when a crash followed a roll.
	for i := len(p.segments) - 1; i >= 0; i-- {
		if p.segments[i].MessageCount() > 0 {
			p.currentOffset = p.segments[i].EndOffset()
			p.hasMessages = true
			break
		}
	}
	return p, nil
}

func listSegmentBaseOffsets(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var offsets []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected log file %q: %w", name, err)
		}
		offsets = append(offsets, base)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}

func (p *Partition) closeSegments() {
	for _, s := range p.segments {
		s.Close()
	}
}

// ID returns the 1-based partition id.
func (p *Partition) ID() uint32 { return p.id }

// CurrentOffset returns the last assigned offset; ok is false while the
// partition has never stored a message.
func (p *Partition) CurrentOffset() (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentOffset, p.hasMessages
}

// MessageCount returns the number of messages currently retained.
func (p *Partition) MessageCount() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messageCount
}

// SegmentCount returns the number of segments, including the active one.
func (p *Partition) SegmentCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.segments)
}

// Size returns the total log size across segments, in bytes.
func (p *Partition) Size() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total uint64
	for _, s := range p.segments {
		total += uint64(s.Size())
	}
	return total
}

// Append validates, stamps and stores a batch, returning the offset range
// assigned to it. The whole batch lands in one segment: the active segment is
// rolled first when the batch would cross its limits. On storage failure no
// offset state changes, so a failed batch is never partially visible.
func (p *Partition) Append(messages []Message) (first, last uint64, err error) {
	if len(messages) == 0 {
		return 0, 0, nil
	}
	for _, m := range messages {
		if len(m.Payload) == 0 || len(m.Payload) > storage.MaxPayloadSize {
			return 0, 0, fmt.Errorf("%w: %d bytes", storage.ErrInvalidMessagePayloadLength, len(m.Payload))
		}
		if len(m.Headers) > storage.MaxHeadersSize {
			return 0, 0, fmt.Errorf("%w: %d bytes", storage.ErrTooBigHeadersPayload, len(m.Headers))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	nextOffset := uint64(0)
	if p.hasMessages {
		nextOffset = p.currentOffset + 1
	}

	now := uint64(time.Now().UnixMicro())
	batch := make([]*storage.RetainedMessage, 0, len(messages))
	var batchSize uint32
	for i, m := range messages {
		id := m.ID
		if id.IsZero() {
			id = storage.NewMessageID()
		}
		retained := storage.NewRetainedMessage(id, nextOffset+uint64(i), now, m.Headers, m.Payload)
		batch = append(batch, retained)
		batchSize += retained.SizeOnDisk()
	}

	active := p.segments[len(p.segments)-1]
	if active.IsFull(batchSize, uint32(len(batch))) {
		active, err = p.rollLocked(nextOffset)
		if err != nil {
			return 0, 0, err
		}
	}

	if err := active.Append(batch); err != nil {
		return 0, 0, err
	}

	p.currentOffset = batch[len(batch)-1].Offset
	p.hasMessages = true
	p.messageCount += uint64(len(batch))
	if p.cache != nil {
		for _, m := range batch {
			p.cache.Push(m)
		}
	}
	return batch[0].Offset, batch[len(batch)-1].Offset, nil
}

// rollLocked seals the active segment and opens a new one at base.
func (p *Partition) rollLocked(base uint64) (*storage.Segment, error) {
	active := p.segments[len(p.segments)-1]
	if err := active.MarkClosed(); err != nil {
		return nil, fmt.Errorf("roll partition %d: %w", p.id, err)
	}
	next, err := storage.NewSegment(p.dir, base, p.cfg.Segment)
	if err != nil {
		return nil, fmt.Errorf("roll partition %d: %w", p.id, err)
	}
	p.segments = append(p.segments, next)
	p.log.Debug("rolled segment",
		"partition_id", p.id,
		"closed_base_offset", active.BaseOffset(),
		"new_base_offset", base)
	return next, nil
}

// Poll returns up to maxCount messages per the strategy, in strict offset
// order. Reading past the current offset yields an empty batch. A poll
// crosses at most one segment boundary; the client re-polls to continue.
func (p *Partition) Poll(strategy PollingStrategy, maxCount uint32) ([]*storage.RetainedMessage, error) {
	p.mu.RLock()
	segments := make([]*storage.Segment, len(p.segments))
	copy(segments, p.segments)
	currentOffset := p.currentOffset
	hasMessages := p.hasMessages
	p.mu.RUnlock()

	if !hasMessages || maxCount == 0 {
		return nil, nil
	}
	if strategy.Kind == PollTimestamp {
		return p.pollByTimestamp(segments, strategy.Value, maxCount)
	}

	var startOffset uint64
	switch strategy.Kind {
	case PollOffset, PollNext:
		startOffset = strategy.Value
	case PollFirst:
		startOffset = segments[0].BaseOffset()
	case PollLast:
		n := strategy.Value
		if n == 0 {
			n = uint64(maxCount)
		}
		if n > uint64(maxCount) {
			n = uint64(maxCount)
		}
		first := segments[0].BaseOffset()
		if currentOffset+1 >= n+first {
			startOffset = currentOffset + 1 - n
		} else {
			startOffset = first
		}
	default:
		return nil, fmt.Errorf("%w: unknown poll strategy %d", ErrInvalidOffset, strategy.Kind)
	}

	if startOffset > currentOffset {
		return nil, nil
	}
	return p.pollByOffset(segments, startOffset, maxCount)
}

func (p *Partition) pollByOffset(segments []*storage.Segment, startOffset uint64, maxCount uint32) ([]*storage.RetainedMessage, error) {
	if p.cache != nil {
		if messages, ok := p.cache.Range(startOffset, maxCount, 0); ok {
			return messages, nil
		}
	}

	// Greatest segment whose base offset is at or below the start.
	i := sort.Search(len(segments), func(i int) bool {
		return segments[i].BaseOffset() > startOffset
	})
	if i == 0 {
		// The start offset predates retention; deliver from the oldest
		// retained message instead.
		startOffset = segments[0].BaseOffset()
		i = 1
	}
	segment := segments[i-1]

	messages, err := segment.ReadFrom(startOffset, maxCount, 0)
	if err != nil {
		return nil, err
	}
	if uint32(len(messages)) < maxCount && i < len(segments) {
		next, err := segments[i].ReadFrom(segments[i].BaseOffset(), maxCount-uint32(len(messages)), 0)
		if err != nil {
			return nil, err
		}
		messages = append(messages, next...)
	}
	return messages, nil
}

func (p *Partition) pollByTimestamp(segments []*storage.Segment, timestamp uint64, maxCount uint32) ([]*storage.RetainedMessage, error) {
	// First segment that can contain a qualifying message.
	i := sort.Search(len(segments), func(i int) bool {
		return segments[i].LastTimestamp() >= timestamp
	})
	if i == len(segments) {
		return nil, nil
	}

	messages, err := segments[i].ReadFromTimestamp(timestamp, maxCount, 0)
	if err != nil {
		return nil, err
	}
	if uint32(len(messages)) < maxCount && i+1 < len(segments) {
		next, err := segments[i+1].ReadFromTimestamp(timestamp, maxCount-uint32(len(messages)), 0)
		if err != nil {
			return nil, err
		}
		messages = append(messages, next...)
	}
	return messages, nil
}

// Flush persists the active segment's buffered data; with fsync it also
// durably syncs the log and both indices.
func (p *Partition) Flush(fsync bool) error {
	p.mu.RLock()
	active := p.segments[len(p.segments)-1]
	p.mu.RUnlock()
	return active.Flush(fsync)
}

// SetRetention adjusts the expiry and size limits applied by the next
// retention pass.
func (p *Partition) SetRetention(expiry time.Duration, maxSize uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MessageExpiry = expiry
	p.cfg.MaxSize = maxSize
}

// EvaluateRetention deletes closed segments per the partition's expiry and
// size limits. The active segment and a sole remaining segment are never
// deleted. Returns the number of segments dropped.
func (p *Partition) EvaluateRetention(now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deleted := 0

	if p.cfg.MessageExpiry > 0 {
		cutoff := uint64(now.Add(-p.cfg.MessageExpiry).UnixMicro())
		for len(p.segments) > 1 {
			oldest := p.segments[0]
			if !oldest.IsClosed() || oldest.LastTimestamp() >= cutoff {
				break
			}
			if err := p.dropOldestLocked(); err != nil {
				return deleted, err
			}
			deleted++
		}
	}

	if p.cfg.MaxSize > 0 {
		for len(p.segments) > 1 && p.closedSizeLocked() > p.cfg.MaxSize {
			if !p.segments[0].IsClosed() {
				break
			}
			if err := p.dropOldestLocked(); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

func (p *Partition) closedSizeLocked() uint64 {
	var total uint64
	for _, s := range p.segments {
		if s.IsClosed() {
			total += uint64(s.Size())
		}
	}
	return total
}

func (p *Partition) dropOldestLocked() error {
	oldest := p.segments[0]
	count := oldest.MessageCount()
	if err := oldest.Delete(); err != nil {
		return fmt.Errorf("retention on partition %d: %w", p.id, err)
	}
	p.segments = p.segments[1:]
	p.messageCount -= count
	p.log.Info("dropped segment by retention",
		"partition_id", p.id,
		"base_offset", oldest.BaseOffset(),
		"messages", count)
	return nil
}

// Close flushes and closes every segment.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, s := range p.segments {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the partition and removes its directory.
func (p *Partition) Delete() error {
	if err := p.Close(); err != nil {
		return err
	}
	return os.RemoveAll(p.dir)
}
