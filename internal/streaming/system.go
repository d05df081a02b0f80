package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ilikepi63/iggy/internal/metrics"
	"github.com/ilikepi63/iggy/internal/storage"
)

// Confirmation selects what an append waits for before returning.
type Confirmation uint8

const (
	// ConfirmationWait returns after the batch reached the page cache. The
	// zero value resolves to this, making it the default.
	ConfirmationWait Confirmation = 1
	// ConfirmationNone returns as soon as the batch is accepted.
	ConfirmationNone Confirmation = 2
	// ConfirmationFsync returns after a durable flush of the batch.
	ConfirmationFsync Confirmation = 3
)

// ParseConfirmation converts a wire/config value to a Confirmation.
func ParseConfirmation(s string) (Confirmation, error) {
	switch s {
	case "", "wait":
		return ConfirmationWait, nil
	case "none":
		return ConfirmationNone, nil
	case "fsync":
		return ConfirmationFsync, nil
	default:
		return 0, fmt.Errorf("unknown confirmation %q", s)
	}
}

// Consumer identifies a poller: a plain consumer id, optionally scoped to a
// consumer group.
type Consumer struct {
	ID      uint32
	GroupID uint32 // zero when the consumer is not in a group
}

// PolledMessages is one poll response: the partition served, its current
// offset at poll time and the materialized batch in offset order.
type PolledMessages struct {
	PartitionID   uint32
	CurrentOffset uint64
	Messages      []*storage.RetainedMessage
}

// Stats is the broker-level snapshot served by the stats command.
type Stats struct {
	ProcessID       int
	StartTime       time.Time
	StreamsCount    int
	TopicsCount     int
	PartitionsCount int
	SegmentsCount   int
	GroupsCount     int
	MessagesCount   uint64
	TotalSizeBytes  uint64
}

// SystemConfig carries the engine-level settings resolved from the server
// configuration.
type SystemConfig struct {
	DataRoot string

	Segment storage.SegmentConfig

	CacheEnabled bool
	CacheBytes   uint64

	// FlushInterval is how often the background scheduler issues a durable
	// flush on every partition. Zero disables the scheduler.
	FlushInterval time.Duration

	// RetentionCheckInterval is how often retention is evaluated.
	RetentionCheckInterval time.Duration
}

// System is the process-wide engine handle: the stream namespace plus the
// background flush scheduler and retention sweeper. It is constructed once at
// startup, loaded from the data root, passed to every transport and shut down
// last.
//
// The system mutex guards the stream maps; per-entity state is guarded by the
// entities themselves, so lookups resolve under shared access and only
// namespace mutations serialize.
type System struct {
	mu  sync.RWMutex
	cfg SystemConfig
	log *slog.Logger
	met *metrics.Metrics

	streams     map[uint32]*Stream
	streamNames map[string]uint32

	startTime time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewSystem builds a system handle and loads existing state from the data
// root. Unreadable metadata aborts startup; directories left behind by a
// crashed create are removed.
func NewSystem(cfg SystemConfig, log *slog.Logger, met *metrics.Metrics) (*System, error) {
	if cfg.DataRoot == "" {
		return nil, fmt.Errorf("data root is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataRoot, "streams"), 0755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataRoot, "state", "consumer_groups"), 0755); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}

	s := &System{
		cfg:         cfg,
		log:         log,
		met:         met,
		streams:     make(map[uint32]*Stream),
		streamNames: make(map[string]uint32),
		startTime:   time.Now(),
		stop:        make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *System) streamDir(id uint32) string {
	return filepath.Join(s.cfg.DataRoot, "streams", strconv.FormatUint(uint64(id), 10))
}

func (s *System) streamStateDir(id uint32) string {
	return filepath.Join(s.cfg.DataRoot, "state", "consumer_groups", strconv.FormatUint(uint64(id), 10))
}

func (s *System) partitionConfig() PartitionConfig {
	return PartitionConfig{
		Segment:      s.cfg.Segment,
		CacheEnabled: s.cfg.CacheEnabled,
		CacheBytes:   s.cfg.CacheBytes,
	}
}

// load restores the namespace tree from disk.
func (s *System) load() error {
	streamsDir := filepath.Join(s.cfg.DataRoot, "streams")
	entries, err := os.ReadDir(streamsDir)
	if err != nil {
		return fmt.Errorf("read streams directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(streamsDir, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, streamInfoFile))
		if err != nil {
			if os.IsNotExist(err) {
				// Leftover of a crashed create.
				s.log.Warn("removing stream directory without metadata", "dir", dir)
				os.RemoveAll(dir)
				continue
			}
			return fmt.Errorf("read stream metadata in %s: %w", dir, err)
		}
		info, err := DecodeStreamInfo(data)
		if err != nil {
			return fmt.Errorf("decode stream metadata in %s: %w", dir, err)
		}
		stream, err := s.loadStream(info)
		if err != nil {
			return err
		}
		s.streams[info.ID] = stream
		s.streamNames[info.Name] = info.ID
		s.log.Info("loaded stream", "stream_id", info.ID, "name", info.Name,
			"topics", len(stream.Topics()))
	}
	return nil
}

func (s *System) loadStream(info StreamInfo) (*Stream, error) {
	dir := s.streamDir(info.ID)
	stateDir := s.streamStateDir(info.ID)
	stream, err := NewStream(dir, stateDir, info.ID, info.Name, s.log)
	if err != nil {
		return nil, err
	}

	topicsDir := filepath.Join(dir, "topics")
	entries, err := os.ReadDir(topicsDir)
	if err != nil {
		return nil, fmt.Errorf("read topics of stream %d: %w", info.ID, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		topicDir := filepath.Join(topicsDir, entry.Name())
		data, err := os.ReadFile(filepath.Join(topicDir, topicInfoFile))
		if err != nil {
			if os.IsNotExist(err) {
				s.log.Warn("removing topic directory without metadata", "dir", topicDir)
				os.RemoveAll(topicDir)
				continue
			}
			return nil, fmt.Errorf("read topic metadata in %s: %w", topicDir, err)
		}
		tinfo, err := DecodeTopicInfo(data)
		if err != nil {
			return nil, fmt.Errorf("decode topic metadata in %s: %w", topicDir, err)
		}
		if err := s.cleanPartitionDirs(topicDir); err != nil {
			return nil, err
		}

		cfg := TopicConfig{
			PartitionsCount:   tinfo.PartitionsCount,
			MessageExpiry:     time.Duration(tinfo.MessageExpirySecs) * time.Second,
			MaxSize:           tinfo.MaxSize,
			Compression:       tinfo.Compression,
			ReplicationFactor: tinfo.ReplicationFactor,
		}
		topic, err := LoadTopic(topicDir, stream.topicStateDir(tinfo.ID), info.ID, tinfo.ID, tinfo.Name, cfg, s.partitionConfig(), s.log)
		if err != nil {
			return nil, err
		}
		for _, g := range tinfo.Groups {
			if err := topic.loadConsumerGroup(g.ID, g.Name); err != nil {
				return nil, err
			}
		}
		stream.addLoadedTopic(topic)
	}
	return stream, nil
}

// cleanPartitionDirs removes partition directories missing their metadata
// file before the topic loads what remains.
func (s *System) cleanPartitionDirs(topicDir string) error {
	partitionsDir := filepath.Join(topicDir, "partitions")
	entries, err := os.ReadDir(partitionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read partitions in %s: %w", topicDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(partitionsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, partitionInfoFile)); os.IsNotExist(err) {
			s.log.Warn("removing partition directory without metadata", "dir", dir)
			os.RemoveAll(dir)
		}
	}
	return nil
}

// Start launches the background flush scheduler and retention sweeper.
func (s *System) Start() {
	if s.cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop()
	}
	if s.cfg.RetentionCheckInterval > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}
}

func (s *System) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, stream := range s.Streams() {
				if err := stream.FlushAll(true); err != nil {
					s.log.Error("background flush failed", "stream_id", stream.ID(), "error", err)
				}
			}
			if s.met != nil {
				s.met.Flushes.WithLabelValues("true").Inc()
			}
		}
	}
}

func (s *System) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RetentionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			dropped := 0
			for _, stream := range s.Streams() {
				dropped += stream.EvaluateRetention(now)
			}
			if dropped > 0 && s.met != nil {
				s.met.SegmentsDropped.Add(float64(dropped))
			}
		}
	}
}

// Shutdown stops the background tasks, durably flushes every partition and
// closes all file handles.
func (s *System) Shutdown(ctx context.Context) error {
	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, stream := range s.Streams() {
		if err := stream.FlushAll(true); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.log.Info("system shut down")
	return firstErr
}

// CreateStream adds a stream; id and name must both be unused.
func (s *System) CreateStream(id uint32, name string) (*Stream, error) {
	if id == 0 || name == "" {
		return nil, fmt.Errorf("%w: stream needs a non-zero id and a name", ErrInvalidIdentifier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[id]; ok {
		return nil, fmt.Errorf("%w: id %d", ErrStreamAlreadyExists, id)
	}
	if _, ok := s.streamNames[name]; ok {
		return nil, fmt.Errorf("%w: name %q", ErrStreamAlreadyExists, name)
	}

	stream, err := NewStream(s.streamDir(id), s.streamStateDir(id), id, name, s.log)
	if err != nil {
		return nil, err
	}
	if err := s.saveStreamInfo(stream); err != nil {
		os.RemoveAll(s.streamDir(id))
		return nil, err
	}
	s.streams[id] = stream
	s.streamNames[name] = id
	s.log.Info("created stream", "stream_id", id, "name", name)
	return stream, nil
}

func (s *System) saveStreamInfo(stream *Stream) error {
	data, err := EncodeStreamInfo(StreamInfo{
		ID:        stream.ID(),
		Name:      stream.Name(),
		CreatedAt: uint64(time.Now().UnixMicro()),
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.streamDir(stream.ID()), streamInfoFile), data)
}

// UpdateStream renames a stream.
func (s *System) UpdateStream(ident Identifier, name string) (*Stream, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: stream name is required", ErrInvalidIdentifier)
	}
	stream, err := s.Stream(ident)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := stream.Name()
	if name != current {
		if _, ok := s.streamNames[name]; ok {
			return nil, fmt.Errorf("%w: name %q", ErrStreamAlreadyExists, name)
		}
		delete(s.streamNames, current)
		s.streamNames[name] = stream.ID()
		stream.rename(name)
	}
	return stream, s.saveStreamInfo(stream)
}

// DeleteStream removes a stream and all of its data.
func (s *System) DeleteStream(ident Identifier) error {
	stream, err := s.Stream(ident)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := stream.Delete(); err != nil {
		return err
	}
	delete(s.streams, stream.ID())
	delete(s.streamNames, stream.Name())
	s.log.Info("deleted stream", "stream_id", stream.ID())
	return nil
}

// Stream resolves a stream by numeric id or name.
func (s *System) Stream(ident Identifier) (*Stream, error) {
	if err := ident.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := ident.Numeric
	if ident.Kind == IdentifierName {
		var ok bool
		id, ok = s.streamNames[ident.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrStreamNotFound, ident.Name)
		}
	}
	stream, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStreamNotFound, id)
	}
	return stream, nil
}

// Streams returns all streams ordered by id.
func (s *System) Streams() []*Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		out = append(out, stream)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Topic resolves a topic within a stream.
func (s *System) Topic(streamIdent, topicIdent Identifier) (*Topic, error) {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return nil, err
	}
	return stream.Topic(topicIdent)
}

// CreateTopic adds a topic to a stream and persists its metadata and that of
// its partitions.
func (s *System) CreateTopic(streamIdent Identifier, id uint32, name string, cfg TopicConfig) (*Topic, error) {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return nil, err
	}
	topic, err := stream.CreateTopic(id, name, cfg, s.partitionConfig())
	if err != nil {
		return nil, err
	}
	if err := s.saveTopicInfo(stream, topic); err != nil {
		stream.DeleteTopic(NumericID(id))
		return nil, err
	}
	for _, p := range topic.Partitions() {
		if err := s.savePartitionInfo(topic, p.ID()); err != nil {
			stream.DeleteTopic(NumericID(id))
			return nil, err
		}
	}
	s.log.Info("created topic", "stream_id", stream.ID(), "topic_id", id,
		"name", name, "partitions", cfg.PartitionsCount)
	return topic, nil
}

func (s *System) saveTopicInfo(stream *Stream, topic *Topic) error {
	cfg := topic.Config()
	info := TopicInfo{
		ID:                topic.ID(),
		Name:              topic.Name(),
		CreatedAt:         uint64(time.Now().UnixMicro()),
		PartitionsCount:   topic.PartitionsCount(),
		MessageExpirySecs: uint64(cfg.MessageExpiry / time.Second),
		MaxSize:           cfg.MaxSize,
		Compression:       cfg.Compression,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	for _, g := range topic.ConsumerGroups() {
		info.Groups = append(info.Groups, GroupInfo{ID: g.ID(), Name: g.Name()})
	}
	data, err := EncodeTopicInfo(info)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(stream.topicDir(topic.ID()), topicInfoFile), data)
}

func (s *System) savePartitionInfo(topic *Topic, partitionID uint32) error {
	data := EncodePartitionInfo(PartitionInfo{
		ID:        partitionID,
		CreatedAt: uint64(time.Now().UnixMicro()),
	})
	return writeFileAtomic(filepath.Join(topic.partitionDir(partitionID), partitionInfoFile), data)
}

// UpdateTopic renames a topic and adjusts its retention settings.
func (s *System) UpdateTopic(streamIdent, topicIdent Identifier, name string, cfg TopicConfig) (*Topic, error) {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return nil, err
	}
	topic, err := stream.UpdateTopic(topicIdent, name, cfg)
	if err != nil {
		return nil, err
	}
	return topic, s.saveTopicInfo(stream, topic)
}

// DeleteTopic removes a topic and all of its data.
func (s *System) DeleteTopic(streamIdent, topicIdent Identifier) error {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return err
	}
	return stream.DeleteTopic(topicIdent)
}

// CreatePartitions adds trailing partitions to a topic.
func (s *System) CreatePartitions(streamIdent, topicIdent Identifier, count uint32) error {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return err
	}
	topic, err := stream.Topic(topicIdent)
	if err != nil {
		return err
	}
	before := topic.PartitionsCount()
	if err := topic.CreatePartitions(count); err != nil {
		return err
	}
	for pid := before + 1; pid <= before+count; pid++ {
		if err := s.savePartitionInfo(topic, pid); err != nil {
			return err
		}
	}
	return s.saveTopicInfo(stream, topic)
}

// DeletePartitions removes the highest-numbered partitions of a topic.
func (s *System) DeletePartitions(streamIdent, topicIdent Identifier, count uint32) error {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return err
	}
	topic, err := stream.Topic(topicIdent)
	if err != nil {
		return err
	}
	if err := topic.DeletePartitions(count); err != nil {
		return err
	}
	return s.saveTopicInfo(stream, topic)
}

// CreateConsumerGroup registers a consumer group on a topic.
func (s *System) CreateConsumerGroup(streamIdent, topicIdent Identifier, id uint32, name string) (*ConsumerGroup, error) {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return nil, err
	}
	topic, err := stream.Topic(topicIdent)
	if err != nil {
		return nil, err
	}
	group, err := topic.CreateConsumerGroup(id, name)
	if err != nil {
		return nil, err
	}
	if err := s.saveTopicInfo(stream, topic); err != nil {
		topic.DeleteConsumerGroup(id)
		return nil, err
	}
	return group, nil
}

// DeleteConsumerGroup removes a consumer group and its committed offsets.
func (s *System) DeleteConsumerGroup(streamIdent, topicIdent Identifier, id uint32) error {
	stream, err := s.Stream(streamIdent)
	if err != nil {
		return err
	}
	topic, err := stream.Topic(topicIdent)
	if err != nil {
		return err
	}
	if err := topic.DeleteConsumerGroup(id); err != nil {
		return err
	}
	return s.saveTopicInfo(stream, topic)
}

// ConsumerGroup resolves a consumer group on a topic.
func (s *System) ConsumerGroup(streamIdent, topicIdent Identifier, id uint32) (*ConsumerGroup, error) {
	topic, err := s.Topic(streamIdent, topicIdent)
	if err != nil {
		return nil, err
	}
	return topic.ConsumerGroup(id)
}

// JoinConsumerGroup adds a member to a group, rebalancing its partitions.
func (s *System) JoinConsumerGroup(streamIdent, topicIdent Identifier, groupID, memberID uint32) error {
	group, err := s.ConsumerGroup(streamIdent, topicIdent, groupID)
	if err != nil {
		return err
	}
	group.Join(memberID)
	return nil
}

// LeaveConsumerGroup removes a member from a group.
func (s *System) LeaveConsumerGroup(streamIdent, topicIdent Identifier, groupID, memberID uint32) error {
	group, err := s.ConsumerGroup(streamIdent, topicIdent, groupID)
	if err != nil {
		return err
	}
	group.Leave(memberID)
	return nil
}

// AppendMessages routes a batch to a partition of the topic and appends it,
// honoring the requested confirmation level.
func (s *System) AppendMessages(streamIdent, topicIdent Identifier, partitioning Partitioning, messages []Message, confirmation Confirmation) (partitionID uint32, first, last uint64, err error) {
	topic, err := s.Topic(streamIdent, topicIdent)
	if err != nil {
		return 0, 0, 0, err
	}
	partitionID, first, last, err = topic.AppendMessages(partitioning, messages)
	if err != nil {
		s.countError(err)
		return 0, 0, 0, err
	}
	if confirmation == ConfirmationFsync {
		partition, perr := topic.Partition(partitionID)
		if perr != nil {
			return 0, 0, 0, perr
		}
		if err := partition.Flush(true); err != nil {
			s.countError(err)
			return 0, 0, 0, err
		}
		if s.met != nil {
			s.met.Flushes.WithLabelValues("true").Inc()
		}
	}
	if s.met != nil {
		s.met.MessagesAppended.Add(float64(len(messages)))
		var bytes uint64
		for _, m := range messages {
			bytes += uint64(len(m.Payload))
		}
		s.met.BytesAppended.Add(float64(bytes))
	}
	return partitionID, first, last, nil
}

// PollMessages serves a poll. For the Next strategy the consumer must be in a
// group: the served partition is resolved from the group's assignment, the
// start offset from its committed offset, and with autoCommit the group
// commits the last delivered offset before returning.
func (s *System) PollMessages(streamIdent, topicIdent Identifier, consumer Consumer, partitionID uint32, strategy PollingStrategy, count uint32, autoCommit bool) (PolledMessages, error) {
	topic, err := s.Topic(streamIdent, topicIdent)
	if err != nil {
		return PolledMessages{}, err
	}

	if strategy.Kind == PollNext {
		return s.pollNext(topic, consumer, partitionID, count, autoCommit)
	}

	partition, err := topic.Partition(partitionID)
	if err != nil {
		return PolledMessages{}, err
	}
	messages, err := partition.Poll(strategy, count)
	if err != nil {
		s.countError(err)
		return PolledMessages{}, err
	}
	s.countPolled(messages)
	currentOffset, _ := partition.CurrentOffset()
	return PolledMessages{
		PartitionID:   partitionID,
		CurrentOffset: currentOffset,
		Messages:      messages,
	}, nil
}

func (s *System) pollNext(topic *Topic, consumer Consumer, partitionID uint32, count uint32, autoCommit bool) (PolledMessages, error) {
	if consumer.GroupID == 0 {
		return PolledMessages{}, fmt.Errorf("%w: the next strategy requires a consumer group", ErrConsumerGroupNotFound)
	}
	group, err := topic.ConsumerGroup(consumer.GroupID)
	if err != nil {
		return PolledMessages{}, err
	}

	assigned := group.AssignedPartitions(consumer.ID)
	if len(assigned) == 0 {
		return PolledMessages{}, nil
	}

	// Explicit partition wins when it is among the member's assignment;
	// otherwise serve the lowest assigned partition with undelivered
	// messages.
	target := uint32(0)
	if partitionID != 0 {
		for _, pid := range assigned {
			if pid == partitionID {
				target = pid
				break
			}
		}
		if target == 0 {
			return PolledMessages{}, fmt.Errorf("%w: partition %d is not assigned to consumer %d",
				ErrPartitionNotFound, partitionID, consumer.ID)
		}
	} else {
		for _, pid := range assigned {
			partition, err := topic.Partition(pid)
			if err != nil {
				return PolledMessages{}, err
			}
			if current, ok := partition.CurrentOffset(); ok && group.NextOffset(pid) <= current {
				target = pid
				break
			}
		}
		if target == 0 {
			target = assigned[0]
		}
	}

	partition, err := topic.Partition(target)
	if err != nil {
		return PolledMessages{}, err
	}
	start := group.NextOffset(target)
	messages, err := partition.Poll(PollingStrategy{Kind: PollOffset, Value: start}, count)
	if err != nil {
		s.countError(err)
		return PolledMessages{}, err
	}
	if autoCommit && len(messages) > 0 {
		if err := group.StoreOffset(target, messages[len(messages)-1].Offset); err != nil {
			return PolledMessages{}, err
		}
	}
	s.countPolled(messages)
	currentOffset, _ := partition.CurrentOffset()
	return PolledMessages{
		PartitionID:   target,
		CurrentOffset: currentOffset,
		Messages:      messages,
	}, nil
}

func (s *System) countPolled(messages []*storage.RetainedMessage) {
	if s.met == nil || len(messages) == 0 {
		return
	}
	s.met.MessagesPolled.Add(float64(len(messages)))
	var bytes uint64
	for _, m := range messages {
		bytes += uint64(len(m.Payload))
	}
	s.met.BytesPolled.Add(float64(bytes))
}

func (s *System) countError(err error) {
	if s.met == nil || err == nil {
		return
	}
	s.met.Errors.WithLabelValues(strconv.FormatUint(uint64(ErrorCode(err)), 10)).Inc()
}

// StoreConsumerOffset commits an offset for the consumer's group.
func (s *System) StoreConsumerOffset(streamIdent, topicIdent Identifier, consumer Consumer, partitionID uint32, offset uint64) error {
	if consumer.GroupID == 0 {
		return fmt.Errorf("%w: committing offsets requires a consumer group", ErrConsumerGroupNotFound)
	}
	topic, err := s.Topic(streamIdent, topicIdent)
	if err != nil {
		return err
	}
	group, err := topic.ConsumerGroup(consumer.GroupID)
	if err != nil {
		return err
	}
	if _, err := topic.Partition(partitionID); err != nil {
		return err
	}
	return group.StoreOffset(partitionID, offset)
}

// GetConsumerOffset returns the committed offset for the consumer's group on
// a partition.
func (s *System) GetConsumerOffset(streamIdent, topicIdent Identifier, consumer Consumer, partitionID uint32) (uint64, error) {
	if consumer.GroupID == 0 {
		return 0, fmt.Errorf("%w: reading offsets requires a consumer group", ErrConsumerGroupNotFound)
	}
	topic, err := s.Topic(streamIdent, topicIdent)
	if err != nil {
		return 0, err
	}
	group, err := topic.ConsumerGroup(consumer.GroupID)
	if err != nil {
		return 0, err
	}
	offset, ok := group.CommittedOffset(partitionID)
	if !ok {
		return 0, fmt.Errorf("%w: group %d partition %d", ErrConsumerOffsetNotFound, consumer.GroupID, partitionID)
	}
	return offset, nil
}

// FlushUnsavedBuffer flushes one partition on demand.
func (s *System) FlushUnsavedBuffer(streamIdent, topicIdent Identifier, partitionID uint32, fsync bool) error {
	topic, err := s.Topic(streamIdent, topicIdent)
	if err != nil {
		return err
	}
	partition, err := topic.Partition(partitionID)
	if err != nil {
		return err
	}
	if err := partition.Flush(fsync); err != nil {
		s.countError(err)
		return err
	}
	if s.met != nil {
		s.met.Flushes.WithLabelValues(strconv.FormatBool(fsync)).Inc()
	}
	return nil
}

// Stats snapshots broker-level counters.
func (s *System) Stats() Stats {
	stats := Stats{
		ProcessID: os.Getpid(),
		StartTime: s.startTime,
	}
	for _, stream := range s.Streams() {
		stats.StreamsCount++
		for _, topic := range stream.Topics() {
			stats.TopicsCount++
			stats.GroupsCount += len(topic.ConsumerGroups())
			for _, partition := range topic.Partitions() {
				stats.PartitionsCount++
				stats.SegmentsCount += partition.SegmentCount()
				stats.MessagesCount += partition.MessageCount()
				stats.TotalSizeBytes += partition.Size()
			}
		}
	}
	return stats
}
