package streaming

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Stream is the top level of the namespace: a set of uniquely named topics.
type Stream struct {
	mu   sync.RWMutex
	id   uint32
	name string

	// dir holds the stream's data; stateDir holds consumer group offsets for
	// the stream's topics.
	dir      string
	stateDir string
	log      *slog.Logger

	topics     map[uint32]*Topic
	topicNames map[string]uint32
}

// NewStream creates an empty stream.
func NewStream(dir, stateDir string, id uint32, name string, log *slog.Logger) (*Stream, error) {
	if err := os.MkdirAll(filepath.Join(dir, "topics"), 0755); err != nil {
		return nil, fmt.Errorf("create stream %d: %w", id, err)
	}
	return &Stream{
		id:         id,
		name:       name,
		dir:        dir,
		stateDir:   stateDir,
		log:        log,
		topics:     make(map[uint32]*Topic),
		topicNames: make(map[string]uint32),
	}, nil
}

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.id }

// Name returns the stream name.
func (s *Stream) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// rename changes the stream's name. The owning system keeps names unique.
func (s *Stream) rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// UpdateTopic renames a topic and adjusts its retention settings.
func (s *Stream) UpdateTopic(ident Identifier, name string, cfg TopicConfig) (*Topic, error) {
	topic, err := s.Topic(ident)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := topic.Name()
	if name == "" {
		name = current
	}
	if name != current {
		if _, ok := s.topicNames[name]; ok {
			return nil, fmt.Errorf("%w: name %q in stream %d", ErrTopicAlreadyExists, name, s.id)
		}
		delete(s.topicNames, current)
		s.topicNames[name] = topic.ID()
	}
	topic.update(name, cfg)
	return topic, nil
}

func (s *Stream) topicDir(topicID uint32) string {
	return filepath.Join(s.dir, "topics", strconv.FormatUint(uint64(topicID), 10))
}

func (s *Stream) topicStateDir(topicID uint32) string {
	return filepath.Join(s.stateDir, strconv.FormatUint(uint64(topicID), 10))
}

// CreateTopic adds a topic; both the id and the name must be unused.
func (s *Stream) CreateTopic(id uint32, name string, cfg TopicConfig, partitionCfg PartitionConfig) (*Topic, error) {
	if id == 0 || name == "" {
		return nil, fmt.Errorf("%w: topic needs a non-zero id and a name", ErrInvalidIdentifier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[id]; ok {
		return nil, fmt.Errorf("%w: id %d in stream %d", ErrTopicAlreadyExists, id, s.id)
	}
	if _, ok := s.topicNames[name]; ok {
		return nil, fmt.Errorf("%w: name %q in stream %d", ErrTopicAlreadyExists, name, s.id)
	}

	topic, err := NewTopic(s.topicDir(id), s.topicStateDir(id), s.id, id, name, cfg, partitionCfg, s.log)
	if err != nil {
		return nil, err
	}
	s.topics[id] = topic
	s.topicNames[name] = id
	return topic, nil
}

// addLoadedTopic registers a topic restored from disk at startup.
func (s *Stream) addLoadedTopic(topic *Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic.ID()] = topic
	s.topicNames[topic.Name()] = topic.ID()
}

// Topic resolves a topic by numeric id or name.
func (s *Stream) Topic(ident Identifier) (*Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := ident.Numeric
	if ident.Kind == IdentifierName {
		var ok bool
		id, ok = s.topicNames[ident.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q in stream %d", ErrTopicNotFound, ident.Name, s.id)
		}
	}
	topic, ok := s.topics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d in stream %d", ErrTopicNotFound, id, s.id)
	}
	return topic, nil
}

// Topics returns the stream's topics ordered by id.
func (s *Stream) Topics() []*Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// DeleteTopic removes a topic and all of its data.
func (s *Stream) DeleteTopic(ident Identifier) error {
	topic, err := s.Topic(ident)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := topic.Delete(); err != nil {
		return err
	}
	delete(s.topics, topic.ID())
	delete(s.topicNames, topic.Name())
	return nil
}

// MessageCount returns the total messages retained across topics.
func (s *Stream) MessageCount() uint64 {
	var total uint64
	for _, t := range s.Topics() {
		total += t.MessageCount()
	}
	return total
}

// Size returns the total log bytes across topics.
func (s *Stream) Size() uint64 {
	var total uint64
	for _, t := range s.Topics() {
		total += t.Size()
	}
	return total
}

// FlushAll flushes every topic.
func (s *Stream) FlushAll(fsync bool) error {
	var firstErr error
	for _, t := range s.Topics() {
		if err := t.FlushAll(fsync); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EvaluateRetention runs retention on every topic, returning the number of
// segments dropped.
func (s *Stream) EvaluateRetention(now time.Time) int {
	dropped := 0
	for _, t := range s.Topics() {
		dropped += t.EvaluateRetention(now)
	}
	return dropped
}

// Close flushes and closes every topic.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, t := range s.topics {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the stream and removes its directory and state.
func (s *Stream) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		t.Close()
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("delete stream %d: %w", s.id, err)
	}
	if err := os.RemoveAll(s.stateDir); err != nil {
		return fmt.Errorf("delete stream %d state: %w", s.id, err)
	}
	return nil
}
