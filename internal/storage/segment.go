package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultSegmentSize is the roll threshold for a segment's log file (1 GiB).
	DefaultSegmentSize = 1024 * 1024 * 1024

	// DefaultSegmentMaxMessages caps the offset span of one segment.
	DefaultSegmentMaxMessages = 10_000_000

	// DefaultUnsavedBufferSize is the hard cap on bytes written but not yet
	// fsynced before an append forces a durable flush.
	DefaultUnsavedBufferSize = 8 * 1024 * 1024

	readBufferSize = 64 * 1024
)

var (
	// ErrSegmentClosed means an append was attempted on a closed segment.
	// A closed segment is a roll trigger for the partition, not a failure.
	ErrSegmentClosed = errors.New("segment is closed")

	// ErrCannotAppendMessages means the batch could not be written.
	ErrCannotAppendMessages = errors.New("cannot append messages")

	// ErrCannotReadMessage means a record in the requested range is unreadable.
	ErrCannotReadMessage = errors.New("cannot read message")
)

// SegmentConfig controls rolling, indexing and flush behavior.
type SegmentConfig struct {
	// Size is the log size in bytes past which the segment is rolled.
	Size uint32

	// MaxMessages is the offset span past which the segment is rolled.
	MaxMessages uint32

	// IndexInterval is how many log bytes are written between index entries.
	IndexInterval uint32

	// UnsavedBufferSize caps bytes written but not fsynced; an append that
	// would exceed it waits for a durable flush first.
	UnsavedBufferSize uint32

	// MessagesRequiredToSave forces a durable flush once this many messages
	// accumulated since the previous fsync.
	MessagesRequiredToSave uint32

	// EnforceFsync makes every batch append durably flushed before returning.
	EnforceFsync bool
}

// DefaultSegmentConfig returns the broker defaults.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		Size:                   DefaultSegmentSize,
		MaxMessages:            DefaultSegmentMaxMessages,
		IndexInterval:          DefaultIndexInterval,
		UnsavedBufferSize:      DefaultUnsavedBufferSize,
		MessagesRequiredToSave: 10_000,
	}
}

// LogFileName returns the log filename for a base offset.
func LogFileName(baseOffset uint64) string {
	return fmt.Sprintf("%020d.log", baseOffset)
}

// IndexFileName returns the index filename for a base offset.
func IndexFileName(baseOffset uint64) string {
	return fmt.Sprintf("%020d.index", baseOffset)
}

// TimeIndexFileName returns the time index filename for a base offset.
func TimeIndexFileName(baseOffset uint64) string {
	return fmt.Sprintf("%020d.time_index", baseOffset)
}

// Segment is one contiguous slice of a partition's log, backed by a
// (.log, .index, .time_index) file triple named after its base offset.
//
// Exactly one segment per partition is active (not closed) and it is the one
// with the greatest base offset; only the active segment accepts appends.
// Appends are serialized by the owning partition; reads may run concurrently
// with appends and use their own file handles.
type Segment struct {
	mu  sync.RWMutex
	cfg SegmentConfig
	dir string

	baseOffset   uint64
	endOffset    uint64
	messageCount uint64
	size         uint32
	closed       bool

	logFile   *os.File
	index     *Index
	timeIndex *TimeIndex

	firstTimestamp uint64
	lastTimestamp  uint64

	// notSynced* track data written to the page cache but not yet fsynced.
	notSyncedBytes    uint32
	notSyncedMessages uint32
}

// NewSegment creates an empty segment with the given base offset.
func NewSegment(dir string, baseOffset uint64, cfg SegmentConfig) (*Segment, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, LogFileName(baseOffset)), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment log: %w", err)
	}
	index, err := NewIndex(filepath.Join(dir, IndexFileName(baseOffset)), cfg.IndexInterval)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	timeIndex, err := NewTimeIndex(filepath.Join(dir, TimeIndexFileName(baseOffset)))
	if err != nil {
		logFile.Close()
		index.Close()
		return nil, err
	}

	return &Segment{
		cfg:        cfg,
		dir:        dir,
		baseOffset: baseOffset,
		logFile:    logFile,
		index:      index,
		timeIndex:  timeIndex,
	}, nil
}

// LoadSegment opens an existing segment and recovers its end state. The last
// valid record is found by a forward scan from the last index entry; any
// trailing partial record is truncated.
func LoadSegment(dir string, baseOffset uint64, cfg SegmentConfig) (*Segment, error) {
	logPath := filepath.Join(dir, LogFileName(baseOffset))
	logFile, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment log: %w", err)
	}

	index, err := LoadIndex(filepath.Join(dir, IndexFileName(baseOffset)), cfg.IndexInterval)
	if err != nil {
		logFile.Close()
		return rebuildSegment(dir, baseOffset, cfg)
	}
	timeIndex, err := LoadTimeIndex(filepath.Join(dir, TimeIndexFileName(baseOffset)))
	if err != nil {
		logFile.Close()
		index.Close()
		return rebuildSegment(dir, baseOffset, cfg)
	}
	if index.Count() != len(timeIndex.entries) {
		logFile.Close()
		index.Close()
		timeIndex.Close()
		return rebuildSegment(dir, baseOffset, cfg)
	}

	s := &Segment{
		cfg:        cfg,
		dir:        dir,
		baseOffset: baseOffset,
		logFile:    logFile,
		index:      index,
		timeIndex:  timeIndex,
	}
	if first, ok := timeIndex.First(); ok {
		s.firstTimestamp = first.Timestamp
	}

	var scanFrom uint32
	if last, ok := index.Last(); ok {
		scanFrom = last.Position
	}
	if err := s.recoverTail(scanFrom); err != nil {
		s.closeFiles()
		return rebuildSegment(dir, baseOffset, cfg)
	}
	return s, nil
}

// recoverTail scans the log forward from position, validating each record,
// and truncates everything past the last valid one.
func (s *Segment) recoverTail(position uint32) error {
	stat, err := s.logFile.Stat()
	if err != nil {
		return fmt.Errorf("stat segment log: %w", err)
	}
	fileSize := stat.Size()

	if _, err := s.logFile.Seek(int64(position), io.SeekStart); err != nil {
		return fmt.Errorf("seek segment log: %w", err)
	}

	reader := bufio.NewReaderSize(s.logFile, readBufferSize)
	validEnd := int64(position)
	lenBuf := make([]byte, RecordLengthSize)

	// End state below the scan point is derived from offset density:
	// offsets are contiguous, so endOffset alone determines messageCount.
	found := false
	for {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(lenBuf)
		if length < RecordHeaderSize || validEnd+RecordLengthSize+int64(length) > fileSize {
			break
		}
		record := make([]byte, length)
		if _, err := io.ReadFull(reader, record); err != nil {
			break
		}
		m, err := DecodeRecord(record)
		if err != nil {
			break
		}
		validEnd += RecordLengthSize + int64(length)
		s.endOffset = m.Offset
		s.lastTimestamp = m.Timestamp
		if !found && s.firstTimestamp == 0 {
			s.firstTimestamp = m.Timestamp
		}
		found = true
	}

	if validEnd < fileSize {
		if err := s.logFile.Truncate(validEnd); err != nil {
			return fmt.Errorf("truncate segment log: %w", err)
		}
	}
	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek segment log: %w", err)
	}

	if !found && position > 0 {
		// The record at the last index entry is unreadable; the index lies
		// about the log and a full rebuild is needed.
		return fmt.Errorf("%w: no valid record at indexed position %d", ErrCorruptedIndex, position)
	}

	s.size = uint32(validEnd)
	if found {
		s.messageCount = s.endOffset - s.baseOffset + 1
	}
	return nil
}

// rebuildSegment reconstructs both indices by scanning the whole log. Used
// when an index file is missing, corrupt, or disagrees with the log.
func rebuildSegment(dir string, baseOffset uint64, cfg SegmentConfig) (*Segment, error) {
	indexPath := filepath.Join(dir, IndexFileName(baseOffset))
	timeIndexPath := filepath.Join(dir, TimeIndexFileName(baseOffset))
	os.Remove(indexPath)
	os.Remove(timeIndexPath)

	logFile, err := os.OpenFile(filepath.Join(dir, LogFileName(baseOffset)), os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment log for rebuild: %w", err)
	}
	index, err := NewIndex(indexPath, cfg.IndexInterval)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	timeIndex, err := NewTimeIndex(timeIndexPath)
	if err != nil {
		logFile.Close()
		index.Close()
		return nil, err
	}

	s := &Segment{
		cfg:        cfg,
		dir:        dir,
		baseOffset: baseOffset,
		logFile:    logFile,
		index:      index,
		timeIndex:  timeIndex,
	}

	stat, err := logFile.Stat()
	if err != nil {
		s.closeFiles()
		return nil, fmt.Errorf("stat segment log: %w", err)
	}
	fileSize := stat.Size()

	if _, err := logFile.Seek(0, io.SeekStart); err != nil {
		s.closeFiles()
		return nil, fmt.Errorf("seek segment log: %w", err)
	}

	reader := bufio.NewReaderSize(logFile, readBufferSize)
	lenBuf := make([]byte, RecordLengthSize)
	var validEnd int64
	found := false
	for {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(lenBuf)
		if length < RecordHeaderSize || validEnd+RecordLengthSize+int64(length) > fileSize {
			break
		}
		record := make([]byte, length)
		if _, err := io.ReadFull(reader, record); err != nil {
			break
		}
		m, err := DecodeRecord(record)
		if err != nil {
			break
		}
		relative := uint32(m.Offset - baseOffset)
		if index.MaybeAppend(relative, uint32(validEnd)) {
			timeIndex.Append(relative, m.Timestamp)
		}
		validEnd += RecordLengthSize + int64(length)
		s.endOffset = m.Offset
		s.lastTimestamp = m.Timestamp
		if !found {
			s.firstTimestamp = m.Timestamp
			found = true
		}
	}

	if validEnd < fileSize {
		if err := logFile.Truncate(validEnd); err != nil {
			s.closeFiles()
			return nil, fmt.Errorf("truncate segment log: %w", err)
		}
	}
	if _, err := logFile.Seek(0, io.SeekEnd); err != nil {
		s.closeFiles()
		return nil, fmt.Errorf("seek segment log: %w", err)
	}

	s.size = uint32(validEnd)
	if found {
		s.messageCount = s.endOffset - s.baseOffset + 1
	}
	if err := index.Sync(); err != nil {
		s.closeFiles()
		return nil, err
	}
	if err := timeIndex.Sync(); err != nil {
		s.closeFiles()
		return nil, err
	}
	return s, nil
}

func (s *Segment) closeFiles() {
	s.logFile.Close()
	s.index.Close()
	s.timeIndex.Close()
}

// IsFull reports whether appending count messages of total encoded byteSize
// would cross the segment's size or span limit. Full is a roll trigger, not
// an error.
func (s *Segment) IsFull(byteSize uint32, count uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.messageCount == 0 {
		return false
	}
	return s.size+byteSize > s.cfg.Size || uint32(s.messageCount)+count > s.cfg.MaxMessages
}

// Append writes a contiguous batch to the segment. The batch is encoded into
// a single buffer and written with one write call; the implicit non-fsync
// flush keeps the unsaved buffer bounded. A durable flush is forced when the
// unsaved bytes would exceed the hard cap, when enough messages accumulated,
// or when fsync enforcement is on.
//
// Offsets are assigned by the partition before the call; the batch must be
// contiguous with the segment's end.
func (s *Segment) Append(batch []*RetainedMessage) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	var batchSize uint32
	for _, m := range batch {
		batchSize += m.SizeOnDisk()
	}

	// Backpressure: never let unsynced bytes exceed the hard cap.
	if s.notSyncedBytes+batchSize > s.cfg.UnsavedBufferSize {
		if err := s.flushLocked(true); err != nil {
			return fmt.Errorf("%w: %v", ErrCannotAppendMessages, err)
		}
	}

	buf := make([]byte, 0, batchSize)
	for _, m := range batch {
		buf = m.AppendRecord(buf)
	}

	if _, err := s.logFile.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAppendMessages, err)
	}

	// Index entries only after the write: a failed batch must not leave
	// entries pointing past the end of the log.
	position := s.size
	for _, m := range batch {
		relative := uint32(m.Offset - s.baseOffset)
		if s.index.MaybeAppend(relative, position) {
			s.timeIndex.Append(relative, m.Timestamp)
		}
		position += m.SizeOnDisk()
	}

	if s.messageCount == 0 {
		s.firstTimestamp = batch[0].Timestamp
	}
	s.size = position
	s.endOffset = batch[len(batch)-1].Offset
	s.lastTimestamp = batch[len(batch)-1].Timestamp
	s.messageCount += uint64(len(batch))
	s.notSyncedBytes += batchSize
	s.notSyncedMessages += uint32(len(batch))

	if s.cfg.EnforceFsync ||
		(s.cfg.MessagesRequiredToSave > 0 && s.notSyncedMessages >= s.cfg.MessagesRequiredToSave) {
		if err := s.flushLocked(true); err != nil {
			return fmt.Errorf("%w: %v", ErrCannotAppendMessages, err)
		}
	}
	return nil
}

// Flush persists buffered data. With fsync it also durably syncs the log and
// both indices.
func (s *Segment) Flush(fsync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(fsync)
}

func (s *Segment) flushLocked(fsync bool) error {
	// Batch data reaches the page cache inside Append; without fsync there
	// is nothing left to move.
	if !fsync {
		return nil
	}
	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("sync segment log: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return err
	}
	if err := s.timeIndex.Sync(); err != nil {
		return err
	}
	s.notSyncedBytes = 0
	s.notSyncedMessages = 0
	return nil
}

// ReadFrom returns up to maxCount messages starting at startOffset, stopping
// earlier once the running byte total would exceed maxBytes (the first
// message is always returned so a single large record cannot stall a
// consumer). maxBytes of zero means unbounded.
func (s *Segment) ReadFrom(startOffset uint64, maxCount uint32, maxBytes uint32) ([]*RetainedMessage, error) {
	s.mu.RLock()
	endOffset := s.endOffset
	messageCount := s.messageCount
	committed := s.size
	s.mu.RUnlock()

	if messageCount == 0 || startOffset > endOffset || maxCount == 0 {
		return nil, nil
	}
	if startOffset < s.baseOffset {
		startOffset = s.baseOffset
	}

	var position uint32
	if entry, ok := s.index.Lookup(uint32(startOffset - s.baseOffset)); ok {
		position = entry.Position
	}
	return s.scan(position, committed, maxCount, maxBytes, func(m *RetainedMessage) scanAction {
		if m.Offset < startOffset {
			return scanSkip
		}
		return scanTake
	})
}

// ReadFromTimestamp returns up to maxCount messages whose timestamp is at or
// past the target, in offset order.
func (s *Segment) ReadFromTimestamp(timestamp uint64, maxCount uint32, maxBytes uint32) ([]*RetainedMessage, error) {
	s.mu.RLock()
	messageCount := s.messageCount
	committed := s.size
	s.mu.RUnlock()

	if messageCount == 0 || maxCount == 0 {
		return nil, nil
	}

	var position uint32
	if entry, ok := s.timeIndex.Lookup(timestamp); ok {
		if idxEntry, ok := s.index.Lookup(entry.RelativeOffset); ok {
			position = idxEntry.Position
		}
	}
	return s.scan(position, committed, maxCount, maxBytes, func(m *RetainedMessage) scanAction {
		if m.Timestamp < timestamp {
			return scanSkip
		}
		return scanTake
	})
}

type scanAction int

const (
	scanSkip scanAction = iota
	scanTake
)

// scan reads records from position up to the committed end, applying filter
// and the count/byte limits. It uses its own read handle so appends are not
// disturbed.
func (s *Segment) scan(position, committed uint32, maxCount, maxBytes uint32, filter func(*RetainedMessage) scanAction) ([]*RetainedMessage, error) {
	file, err := os.Open(filepath.Join(s.dir, LogFileName(s.baseOffset)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotReadMessage, err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(position), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotReadMessage, err)
	}

	reader := bufio.NewReaderSize(io.LimitReader(file, int64(committed-position)), readBufferSize)
	lenBuf := make([]byte, RecordLengthSize)
	var (
		messages   []*RetainedMessage
		totalBytes uint32
	)
	for uint32(len(messages)) < maxCount {
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrCannotReadMessage, err)
		}
		length := binary.LittleEndian.Uint32(lenBuf)
		if length < RecordHeaderSize {
			return nil, fmt.Errorf("%w: record length %d below header size", ErrCannotReadMessage, length)
		}
		record := make([]byte, length)
		if _, err := io.ReadFull(reader, record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCannotReadMessage, err)
		}
		m, err := DecodeRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCannotReadMessage, err)
		}
		if filter(m) == scanSkip {
			continue
		}
		if maxBytes > 0 && len(messages) > 0 && totalBytes+m.SizeOnDisk() > maxBytes {
			break
		}
		messages = append(messages, m)
		totalBytes += m.SizeOnDisk()
	}
	return messages, nil
}

// BaseOffset returns the first offset stored in the segment.
func (s *Segment) BaseOffset() uint64 { return s.baseOffset }

// EndOffset returns the last offset stored in the segment.
func (s *Segment) EndOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endOffset
}

// Size returns the segment's log size in bytes.
func (s *Segment) Size() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// MessageCount returns the number of messages in the segment.
func (s *Segment) MessageCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageCount
}

// IsClosed reports whether the segment stopped accepting appends.
func (s *Segment) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// FirstTimestamp returns the timestamp of the segment's first message.
func (s *Segment) FirstTimestamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstTimestamp
}

// LastTimestamp returns the timestamp of the segment's last message.
func (s *Segment) LastTimestamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTimestamp
}

// MarkClosed seals the segment after a durable flush. Further appends fail
// with ErrSegmentClosed.
func (s *Segment) MarkClosed() error {
	if err := s.Flush(true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Close releases the segment's file handles, flushing durably first.
func (s *Segment) Close() error {
	if err := s.Flush(true); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	var errs []error
	if err := s.logFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	if err := s.timeIndex.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close time index: %w", err))
	}
	return errors.Join(errs...)
}

// Delete closes the segment and removes its file triple.
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	for _, name := range []string{
		LogFileName(s.baseOffset),
		IndexFileName(s.baseOffset),
		TimeIndexFileName(s.baseOffset),
	} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete segment file %s: %w", name, err)
		}
	}
	return nil
}
