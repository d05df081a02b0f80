package streaming

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ilikepi63/iggy/internal/storage"
)

// CompressionKind is a topic's preferred payload compression on the HTTP
// poll path. The engine stores payloads uncompressed either way.
type CompressionKind uint8

const (
	CompressionNone CompressionKind = 1
	CompressionGzip CompressionKind = 2
)

func (c CompressionKind) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompressionKind converts a config value to a CompressionKind.
func ParseCompressionKind(s string) (CompressionKind, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, fmt.Errorf("unknown compression kind %q", s)
	}
}

// PartitioningKind selects how an append is routed to a partition.
type PartitioningKind uint8

const (
	// PartitioningBalanced routes round-robin over the topic's partitions.
	PartitioningBalanced PartitioningKind = 1
	// PartitioningPartitionID routes to an explicit partition.
	PartitioningPartitionID PartitioningKind = 2
	// PartitioningMessagesKey routes by hashing a caller-supplied key.
	PartitioningMessagesKey PartitioningKind = 3
)

// MaxMessagesKeyLength bounds the MessagesKey value.
const MaxMessagesKeyLength = 255

// Partitioning is the routing rule a producer attaches to an append. Value
// holds a little-endian u32 for PartitionID and the raw key for MessagesKey;
// Balanced carries no value. Session, when set, is the producer session's
// rotation counter for Balanced routing; without one the topic-wide counter
// is used.
type Partitioning struct {
	Kind    PartitioningKind
	Value   []byte
	Session *RoundRobin
}

// RoundRobin is a balanced-routing rotation counter. A producer session keeps
// one so its appends rotate over partitions independently of other producers.
type RoundRobin struct {
	n atomic.Uint32
}

func (r *RoundRobin) next(count uint32) uint32 {
	return (r.n.Add(1)-1)%count + 1
}

// BalancedPartitioning routes round-robin.
func BalancedPartitioning() Partitioning {
	return Partitioning{Kind: PartitioningBalanced}
}

// PartitionIDPartitioning routes to the given partition.
func PartitionIDPartitioning(id uint32) Partitioning {
	return Partitioning{Kind: PartitioningPartitionID, Value: binary.LittleEndian.AppendUint32(nil, id)}
}

// MessagesKeyPartitioning routes by key hash.
func MessagesKeyPartitioning(key []byte) Partitioning {
	return Partitioning{Kind: PartitioningMessagesKey, Value: key}
}

// TopicConfig carries the per-topic settings.
type TopicConfig struct {
	// PartitionsCount is the initial number of partitions (1-based ids).
	PartitionsCount uint32

	// MessageExpiry drops closed segments older than this. Zero keeps forever.
	MessageExpiry time.Duration

	// MaxSize caps closed-segment bytes per partition. Zero means unbounded.
	MaxSize uint64

	// Compression is the preferred poll response encoding.
	Compression CompressionKind

	// ReplicationFactor is stored for clients but unused by this engine.
	ReplicationFactor uint8
}

// Topic is a stream-scoped namespace over a fixed set of partitions, plus the
// consumer groups registered on it. Partition routing and appends take shared
// access; adding/removing partitions or groups takes exclusive access.
type Topic struct {
	mu       sync.RWMutex
	id       uint32
	streamID uint32
	name     string
	dir      string
	stateDir string
	cfg      TopicConfig
	log      *slog.Logger

	partitions map[uint32]*Partition
	groups     map[uint32]*ConsumerGroup
	groupNames map[string]uint32

	partitionCfg PartitionConfig
	roundRobin   RoundRobin
}

// NewTopic creates a topic directory with its initial partitions.
func NewTopic(dir, stateDir string, streamID, id uint32, name string, cfg TopicConfig, partitionCfg PartitionConfig, log *slog.Logger) (*Topic, error) {
	if cfg.PartitionsCount == 0 {
		return nil, fmt.Errorf("%w: topic needs at least one partition", ErrInvalidIdentifier)
	}
	if cfg.Compression == 0 {
		cfg.Compression = CompressionNone
	}
	partitionCfg.MessageExpiry = cfg.MessageExpiry
	partitionCfg.MaxSize = cfg.MaxSize

	t := &Topic{
		id:           id,
		streamID:     streamID,
		name:         name,
		dir:          dir,
		stateDir:     stateDir,
		cfg:          cfg,
		log:          log,
		partitions:   make(map[uint32]*Partition),
		groups:       make(map[uint32]*ConsumerGroup),
		groupNames:   make(map[string]uint32),
		partitionCfg: partitionCfg,
	}
	for pid := uint32(1); pid <= cfg.PartitionsCount; pid++ {
		partition, err := NewPartition(t.partitionDir(pid), pid, partitionCfg, log)
		if err != nil {
			t.closePartitions()
			return nil, fmt.Errorf("create topic %d: %w", id, err)
		}
		t.partitions[pid] = partition
	}
	return t, nil
}

// LoadTopic opens an existing topic directory, recovering every partition
// directory found under it.
func LoadTopic(dir, stateDir string, streamID, id uint32, name string, cfg TopicConfig, partitionCfg PartitionConfig, log *slog.Logger) (*Topic, error) {
	if cfg.Compression == 0 {
		cfg.Compression = CompressionNone
	}
	partitionCfg.MessageExpiry = cfg.MessageExpiry
	partitionCfg.MaxSize = cfg.MaxSize

	t := &Topic{
		id:           id,
		streamID:     streamID,
		name:         name,
		dir:          dir,
		stateDir:     stateDir,
		cfg:          cfg,
		log:          log,
		partitions:   make(map[uint32]*Partition),
		groups:       make(map[uint32]*ConsumerGroup),
		groupNames:   make(map[string]uint32),
		partitionCfg: partitionCfg,
	}

	entries, err := os.ReadDir(filepath.Join(dir, "partitions"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load topic %d: %w", id, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid64, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)
		partition, err := LoadPartition(t.partitionDir(pid), pid, partitionCfg, log)
		if err != nil {
			t.closePartitions()
			return nil, fmt.Errorf("load topic %d: %w", id, err)
		}
		t.partitions[pid] = partition
	}
	return t, nil
}

func (t *Topic) partitionDir(partitionID uint32) string {
	return filepath.Join(t.dir, "partitions", strconv.FormatUint(uint64(partitionID), 10))
}

func (t *Topic) closePartitions() {
	for _, p := range t.partitions {
		p.Close()
	}
}

// ID returns the topic id.
func (t *Topic) ID() uint32 { return t.id }

// Name returns the topic name.
func (t *Topic) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.name
}

// Config returns the topic settings.
func (t *Topic) Config() TopicConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// update applies a rename and new retention settings. The owning stream keeps
// the name unique.
func (t *Topic) update(name string, cfg TopicConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
	if cfg.Compression != 0 {
		t.cfg.Compression = cfg.Compression
	}
	t.cfg.MessageExpiry = cfg.MessageExpiry
	t.cfg.MaxSize = cfg.MaxSize
	for _, p := range t.partitions {
		p.SetRetention(cfg.MessageExpiry, cfg.MaxSize)
	}
}

// PartitionsCount returns the current number of partitions.
func (t *Topic) PartitionsCount() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.partitions))
}

// Partition returns the partition with the given 1-based id.
func (t *Topic) Partition(id uint32) (*Partition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.partitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: partition %d in topic %d", ErrPartitionNotFound, id, t.id)
	}
	return p, nil
}

// Partitions returns the partitions ordered by id.
func (t *Topic) Partitions() []*Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Partition, 0, len(t.partitions))
	for _, p := range t.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// routePartition resolves a partitioning rule to a partition id.
//
// MessagesKey uses xxhash64 over the key: the hash is stable across restarts
// and platforms, so a key always lands on the same partition for a fixed
// partition count.
func (t *Topic) routePartition(partitioning Partitioning) (uint32, error) {
	t.mu.RLock()
	count := uint32(len(t.partitions))
	t.mu.RUnlock()
	if count == 0 {
		return 0, fmt.Errorf("%w: topic %d has no partitions", ErrPartitionNotFound, t.id)
	}

	switch partitioning.Kind {
	case PartitioningBalanced:
		if partitioning.Session != nil {
			return partitioning.Session.next(count), nil
		}
		return t.roundRobin.next(count), nil
	case PartitioningPartitionID:
		if len(partitioning.Value) != 4 {
			return 0, fmt.Errorf("%w: partition id value must be 4 bytes", ErrInvalidPartitioning)
		}
		id := binary.LittleEndian.Uint32(partitioning.Value)
		if id == 0 || id > count {
			return 0, fmt.Errorf("%w: partition %d in topic %d", ErrPartitionNotFound, id, t.id)
		}
		return id, nil
	case PartitioningMessagesKey:
		if len(partitioning.Value) == 0 || len(partitioning.Value) > MaxMessagesKeyLength {
			return 0, fmt.Errorf("%w: messages key length %d out of range", ErrInvalidPartitioning, len(partitioning.Value))
		}
		return uint32(xxhash.Sum64(partitioning.Value)%uint64(count)) + 1, nil
	default:
		return 0, fmt.Errorf("%w: unknown partitioning kind %d", ErrInvalidPartitioning, partitioning.Kind)
	}
}

// AppendMessages routes a batch to a partition and appends it there.
func (t *Topic) AppendMessages(partitioning Partitioning, messages []Message) (partitionID uint32, first, last uint64, err error) {
	partitionID, err = t.routePartition(partitioning)
	if err != nil {
		return 0, 0, 0, err
	}
	partition, err := t.Partition(partitionID)
	if err != nil {
		return 0, 0, 0, err
	}
	first, last, err = partition.Append(messages)
	return partitionID, first, last, err
}

// PollMessages polls one partition of the topic.
func (t *Topic) PollMessages(partitionID uint32, strategy PollingStrategy, maxCount uint32) ([]*storage.RetainedMessage, error) {
	partition, err := t.Partition(partitionID)
	if err != nil {
		return nil, err
	}
	return partition.Poll(strategy, maxCount)
}

// CreatePartitions adds count partitions with ids continuing past the current
// highest. Existing consumer groups are rebalanced over the new count.
func (t *Topic) CreatePartitions(count uint32) error {
	if count == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	next := uint32(len(t.partitions)) + 1
	for pid := next; pid < next+count; pid++ {
		partition, err := NewPartition(t.partitionDir(pid), pid, t.partitionCfg, t.log)
		if err != nil {
			return fmt.Errorf("create partitions on topic %d: %w", t.id, err)
		}
		t.partitions[pid] = partition
	}
	t.rebalanceGroupsLocked()
	return nil
}

// DeletePartitions removes the count highest-numbered partitions and their
// data. At least one partition always remains.
func (t *Topic) DeletePartitions(count uint32) error {
	if count == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if uint32(len(t.partitions)) <= count {
		return fmt.Errorf("%w: cannot delete %d of %d partitions", ErrInvalidPartitioning, count, len(t.partitions))
	}
	highest := uint32(len(t.partitions))
	for pid := highest; pid > highest-count; pid-- {
		partition := t.partitions[pid]
		if err := partition.Delete(); err != nil {
			return fmt.Errorf("delete partitions on topic %d: %w", t.id, err)
		}
		delete(t.partitions, pid)
	}
	t.rebalanceGroupsLocked()
	return nil
}

func (t *Topic) rebalanceGroupsLocked() {
	count := uint32(len(t.partitions))
	for _, g := range t.groups {
		g.SetPartitionsCount(count)
	}
}

// CreateConsumerGroup registers a group on the topic. Its committed offsets
// are persisted under the topic's state directory.
func (t *Topic) CreateConsumerGroup(id uint32, name string) (*ConsumerGroup, error) {
	if id == 0 || name == "" {
		return nil, fmt.Errorf("%w: consumer group needs a non-zero id and a name", ErrInvalidIdentifier)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.groups[id]; ok {
		return nil, fmt.Errorf("%w: id %d", ErrConsumerGroupAlreadyExists, id)
	}
	if _, ok := t.groupNames[name]; ok {
		return nil, fmt.Errorf("%w: name %q", ErrConsumerGroupAlreadyExists, name)
	}

	group, err := NewConsumerGroup(id, name, uint32(len(t.partitions)), t.groupOffsetsPath(name), t.log)
	if err != nil {
		return nil, err
	}
	t.groups[id] = group
	t.groupNames[name] = id
	return group, nil
}

// loadConsumerGroup restores a group from its persisted offsets at startup.
func (t *Topic) loadConsumerGroup(id uint32, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	group, err := LoadConsumerGroup(id, name, uint32(len(t.partitions)), t.groupOffsetsPath(name), t.log)
	if err != nil {
		return err
	}
	t.groups[id] = group
	t.groupNames[name] = id
	return nil
}

func (t *Topic) groupOffsetsPath(name string) string {
	return filepath.Join(t.stateDir, name+".offsets")
}

// DeleteConsumerGroup removes a group and its persisted offsets.
func (t *Topic) DeleteConsumerGroup(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	group, ok := t.groups[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrConsumerGroupNotFound, id)
	}
	if err := group.DeleteState(); err != nil {
		return err
	}
	delete(t.groups, id)
	delete(t.groupNames, group.Name())
	return nil
}

// ConsumerGroup returns the group with the given id.
func (t *Topic) ConsumerGroup(id uint32) (*ConsumerGroup, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	group, ok := t.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrConsumerGroupNotFound, id)
	}
	return group, nil
}

// ConsumerGroups returns the topic's groups ordered by id.
func (t *Topic) ConsumerGroups() []*ConsumerGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ConsumerGroup, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// MessageCount returns the total messages retained across partitions.
func (t *Topic) MessageCount() uint64 {
	var total uint64
	for _, p := range t.Partitions() {
		total += p.MessageCount()
	}
	return total
}

// Size returns the total log bytes across partitions.
func (t *Topic) Size() uint64 {
	var total uint64
	for _, p := range t.Partitions() {
		total += p.Size()
	}
	return total
}

// FlushAll flushes every partition; used on shutdown and by the background
// flush scheduler.
func (t *Topic) FlushAll(fsync bool) error {
	var firstErr error
	for _, p := range t.Partitions() {
		if err := p.Flush(fsync); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EvaluateRetention runs retention on every partition, returning the number
// of segments dropped.
func (t *Topic) EvaluateRetention(now time.Time) int {
	dropped := 0
	for _, p := range t.Partitions() {
		n, err := p.EvaluateRetention(now)
		dropped += n
		if err != nil {
			t.log.Error("retention failed",
				"stream_id", t.streamID,
				"topic_id", t.id,
				"partition_id", p.ID(),
				"error", err)
		}
	}
	return dropped
}

// Close flushes and closes every partition.
func (t *Topic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, p := range t.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the topic and removes its directory and group state.
func (t *Topic) Delete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.partitions {
		p.Close()
	}
	if err := os.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("delete topic %d: %w", t.id, err)
	}
	if err := os.RemoveAll(t.stateDir); err != nil {
		return fmt.Errorf("delete topic %d state: %w", t.id, err)
	}
	return nil
}
