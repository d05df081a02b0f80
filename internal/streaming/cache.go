package streaming

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ilikepi63/iggy/internal/storage"
)

// DefaultCacheBytes is the per-partition cache budget when caching is enabled
// without an explicit size.
const DefaultCacheBytes = 64 * 1024 * 1024

// MessageCache keeps the most recently appended messages of one partition in
// memory so tail polls never touch disk. It is bounded by bytes, not entries:
// pushing past the budget evicts from the oldest offset until the cache fits.
//
// Messages are pushed in offset order and evicted in offset order, so the
// cached set is always one contiguous offset range and a hit can serve a poll
// without consulting the segment list.
type MessageCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[uint64, *storage.RetainedMessage]
	bytes    uint64
	maxBytes uint64
}

// NewMessageCache builds a cache with the given byte budget.
func NewMessageCache(maxBytes uint64) *MessageCache {
	if maxBytes == 0 {
		maxBytes = DefaultCacheBytes
	}
	c := &MessageCache{maxBytes: maxBytes}

	// The entry cap only bounds the bookkeeping; the byte budget is what
	// actually evicts. Size it for the smallest possible record.
	capEntries := int(maxBytes / (storage.RecordHeaderSize + storage.RecordLengthSize))
	if capEntries < 16 {
		capEntries = 16
	}
	lru, err := simplelru.NewLRU(capEntries, func(_ uint64, m *storage.RetainedMessage) {
		c.bytes -= uint64(m.SizeOnDisk())
	})
	if err != nil {
		// Only reachable with a non-positive cap, which the clamp above rules out.
		panic(err)
	}
	c.lru = lru
	return c
}

// Push adds a freshly appended message, evicting the oldest entries while the
// budget is exceeded. A message larger than the whole budget is not cached.
func (c *MessageCache) Push(m *storage.RetainedMessage) {
	size := uint64(m.SizeOnDisk())
	if size > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(m.Offset, m)
	c.bytes += size
	for c.bytes > c.maxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

// Get returns the cached message at the given offset.
func (c *MessageCache) Get(offset uint64) (*storage.RetainedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(offset)
}

// Range returns up to maxCount contiguous cached messages starting at
// startOffset, stopping at maxBytes like the segment read path. ok is false
// when the start offset is not cached at all; the caller then reads from disk.
func (c *MessageCache) Range(startOffset uint64, maxCount uint32, maxBytes uint32) ([]*storage.RetainedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, hit := c.lru.Peek(startOffset); !hit {
		return nil, false
	}

	var (
		messages   []*storage.RetainedMessage
		totalBytes uint32
	)
	for uint32(len(messages)) < maxCount {
		m, hit := c.lru.Peek(startOffset + uint64(len(messages)))
		if !hit {
			break
		}
		if maxBytes > 0 && len(messages) > 0 && totalBytes+m.SizeOnDisk() > maxBytes {
			break
		}
		messages = append(messages, m)
		totalBytes += m.SizeOnDisk()
	}
	return messages, true
}

// Bytes returns the current cache footprint.
func (c *MessageCache) Bytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len returns the number of cached messages.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops all cached messages.
func (c *MessageCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}
