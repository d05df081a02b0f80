package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// TimeIndexEntrySize is the fixed width of one time index entry:
// relative_offset(4) + timestamp(8).
const TimeIndexEntrySize = 12

// TimeIndexEntry maps a relative offset to the timestamp (microseconds since
// the Unix epoch) of the message stored at it.
type TimeIndexEntry struct {
	RelativeOffset uint32
	Timestamp      uint64
}

// TimeIndex is the sparse timestamp index of one segment. An entry is added
// in lockstep with the offset index, so for every time index entry the
// offset index can resolve a file position.
type TimeIndex struct {
	mu             sync.RWMutex
	entries        []TimeIndexEntry
	file           *os.File
	unsavedFromIdx int
}

// NewTimeIndex creates an empty time index backed by the file at path.
func NewTimeIndex(path string) (*TimeIndex, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create time index file: %w", err)
	}
	return &TimeIndex{entries: make([]TimeIndexEntry, 0, 64), file: file}, nil
}

// LoadTimeIndex opens an existing time index file and reads all entries.
func LoadTimeIndex(path string) (*TimeIndex, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open time index file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat time index file: %w", err)
	}
	if stat.Size()%TimeIndexEntrySize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: time index size %d is not a multiple of %d",
			ErrCorruptedIndex, stat.Size(), TimeIndexEntrySize)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek time index file: %w", err)
	}

	count := int(stat.Size() / TimeIndexEntrySize)
	entries := make([]TimeIndexEntry, 0, count)
	buf := make([]byte, TimeIndexEntrySize)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(file, buf); err != nil {
			file.Close()
			return nil, fmt.Errorf("read time index entry %d: %w", i, err)
		}
		entry := TimeIndexEntry{
			RelativeOffset: binary.LittleEndian.Uint32(buf[0:4]),
			Timestamp:      binary.LittleEndian.Uint64(buf[4:12]),
		}
		if i > 0 {
			prev := entries[i-1]
			if entry.RelativeOffset <= prev.RelativeOffset || entry.Timestamp < prev.Timestamp {
				file.Close()
				return nil, fmt.Errorf("%w: non-monotonic time index entry at %d", ErrCorruptedIndex, i)
			}
		}
		entries = append(entries, entry)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek time index file: %w", err)
	}
	return &TimeIndex{entries: entries, file: file, unsavedFromIdx: len(entries)}, nil
}

// Append records an entry. The caller adds entries in lockstep with the
// offset index, so monotonicity on both axes holds by construction.
func (idx *TimeIndex) Append(relativeOffset uint32, timestamp uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = append(idx.entries, TimeIndexEntry{RelativeOffset: relativeOffset, Timestamp: timestamp})
}

// Lookup returns the greatest entry with Timestamp < target, i.e. the place
// from which a forward scan is guaranteed to meet the first message with
// timestamp >= target. ok is false when scanning must start at the segment
// base.
func (idx *TimeIndex) Lookup(target uint64) (TimeIndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Timestamp >= target
	})
	if n == 0 {
		return TimeIndexEntry{}, false
	}
	return idx.entries[n-1], true
}

// First returns the first entry, if any. The first message of a segment is
// always indexed, so this is the segment's first timestamp.
func (idx *TimeIndex) First() (TimeIndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 {
		return TimeIndexEntry{}, false
	}
	return idx.entries[0], true
}

// Last returns the final entry, if any.
func (idx *TimeIndex) Last() (TimeIndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 {
		return TimeIndexEntry{}, false
	}
	return idx.entries[len(idx.entries)-1], true
}

// Sync writes entries added since the previous Sync and fsyncs the file.
func (idx *TimeIndex) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.unsavedFromIdx < len(idx.entries) {
		buf := make([]byte, 0, (len(idx.entries)-idx.unsavedFromIdx)*TimeIndexEntrySize)
		for _, entry := range idx.entries[idx.unsavedFromIdx:] {
			buf = binary.LittleEndian.AppendUint32(buf, entry.RelativeOffset)
			buf = binary.LittleEndian.AppendUint64(buf, entry.Timestamp)
		}
		if _, err := idx.file.Write(buf); err != nil {
			return fmt.Errorf("write time index entries: %w", err)
		}
		idx.unsavedFromIdx = len(idx.entries)
	}
	if err := idx.file.Sync(); err != nil {
		return fmt.Errorf("sync time index file: %w", err)
	}
	return nil
}

// Close syncs pending entries and closes the file.
func (idx *TimeIndex) Close() error {
	if err := idx.Sync(); err != nil {
		return err
	}
	return idx.file.Close()
}
