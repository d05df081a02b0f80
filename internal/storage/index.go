package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	// IndexEntrySize is the fixed width of one offset index entry:
	// relative_offset(4) + position(4).
	IndexEntrySize = 8

	// DefaultIndexInterval is how many log bytes are written between
	// consecutive index entries.
	DefaultIndexInterval = 4 * 1024
)

var (
	// ErrCorruptedIndex means an index file disagrees with its log.
	ErrCorruptedIndex = errors.New("corrupted index")
)

// IndexEntry maps a relative offset to a byte position in the log file.
type IndexEntry struct {
	RelativeOffset uint32
	Position       uint32
}

// Index is the sparse offset index of one segment. All entries are kept in
// memory (a 1 GiB segment indexed every 4 KiB needs ~2 MB) and mirrored to
// the .index file for recovery.
//
// Entries are strictly monotonic on both axes; lookups binary-search for the
// greatest entry at or below the target and the caller scans the log forward
// from there.
type Index struct {
	mu              sync.RWMutex
	entries         []IndexEntry
	file            *os.File
	interval        uint32
	lastIndexedPos  uint32
	unsavedFromIdx  int
}

// NewIndex creates an empty index backed by the file at path.
func NewIndex(path string, interval uint32) (*Index, error) {
	if interval == 0 {
		interval = DefaultIndexInterval
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create index file: %w", err)
	}
	return &Index{
		entries:  make([]IndexEntry, 0, 64),
		file:     file,
		interval: interval,
	}, nil
}

// LoadIndex opens an existing index file and reads all entries into memory.
func LoadIndex(path string, interval uint32) (*Index, error) {
	if interval == 0 {
		interval = DefaultIndexInterval
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat index file: %w", err)
	}
	if stat.Size()%IndexEntrySize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: size %d is not a multiple of %d", ErrCorruptedIndex, stat.Size(), IndexEntrySize)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek index file: %w", err)
	}

	count := int(stat.Size() / IndexEntrySize)
	entries := make([]IndexEntry, 0, count)
	buf := make([]byte, IndexEntrySize)
	var lastIndexedPos uint32
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(file, buf); err != nil {
			file.Close()
			return nil, fmt.Errorf("read index entry %d: %w", i, err)
		}
		entry := IndexEntry{
			RelativeOffset: binary.LittleEndian.Uint32(buf[0:4]),
			Position:       binary.LittleEndian.Uint32(buf[4:8]),
		}
		if i > 0 {
			prev := entries[i-1]
			if entry.RelativeOffset <= prev.RelativeOffset || entry.Position <= prev.Position {
				file.Close()
				return nil, fmt.Errorf("%w: non-monotonic entry at %d", ErrCorruptedIndex, i)
			}
		}
		entries = append(entries, entry)
		lastIndexedPos = entry.Position
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek index file: %w", err)
	}
	return &Index{
		entries:        entries,
		file:           file,
		interval:       interval,
		lastIndexedPos: lastIndexedPos,
		unsavedFromIdx: len(entries),
	}, nil
}

// MaybeAppend records an entry when at least interval bytes of log data were
// written since the previous one. The first entry of a segment is always
// recorded. Returns true when an entry was added.
func (idx *Index) MaybeAppend(relativeOffset, position uint32) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.entries) > 0 && position-idx.lastIndexedPos < idx.interval {
		return false
	}
	idx.entries = append(idx.entries, IndexEntry{RelativeOffset: relativeOffset, Position: position})
	idx.lastIndexedPos = position
	return true
}

// Lookup returns the greatest entry with RelativeOffset <= target.
// ok is false when the index is empty or every entry is above the target;
// callers then scan the log from position zero.
func (idx *Index) Lookup(target uint32) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].RelativeOffset > target
	})
	if n == 0 {
		return IndexEntry{}, false
	}
	return idx.entries[n-1], true
}

// Last returns the final entry, if any.
func (idx *Index) Last() (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 {
		return IndexEntry{}, false
	}
	return idx.entries[len(idx.entries)-1], true
}

// Count returns the number of entries.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Sync writes entries added since the previous Sync and fsyncs the file.
func (idx *Index) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.unsavedFromIdx < len(idx.entries) {
		buf := make([]byte, 0, (len(idx.entries)-idx.unsavedFromIdx)*IndexEntrySize)
		for _, entry := range idx.entries[idx.unsavedFromIdx:] {
			buf = binary.LittleEndian.AppendUint32(buf, entry.RelativeOffset)
			buf = binary.LittleEndian.AppendUint32(buf, entry.Position)
		}
		if _, err := idx.file.Write(buf); err != nil {
			return fmt.Errorf("write index entries: %w", err)
		}
		idx.unsavedFromIdx = len(idx.entries)
	}
	if err := idx.file.Sync(); err != nil {
		return fmt.Errorf("sync index file: %w", err)
	}
	return nil
}

// Close syncs pending entries and closes the file.
func (idx *Index) Close() error {
	if err := idx.Sync(); err != nil {
		return err
	}
	return idx.file.Close()
}
