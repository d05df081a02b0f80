package streaming

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// ConsumerGroup tracks the members polling a topic together, the partitions
// assigned to each of them and the committed offset per partition.
//
// Assignment is a pure function of (member set, partition count): partitions
// in ascending id are dealt round-robin to members in ascending consumer id.
// Two coordinators with the same inputs always agree, so rebalances are
// reproducible. Membership is ephemeral (lost on restart); committed offsets
// are persisted on every commit.
type ConsumerGroup struct {
	mu              sync.RWMutex
	id              uint32
	name            string
	partitionsCount uint32
	members         []uint32
	assignment      map[uint32]uint32 // partition id -> consumer id
	offsets         map[uint32]uint64 // partition id -> committed offset
	offsetsPath     string
	log             *slog.Logger
}

// NewConsumerGroup creates a group with no members and no committed offsets.
func NewConsumerGroup(id uint32, name string, partitionsCount uint32, offsetsPath string, log *slog.Logger) (*ConsumerGroup, error) {
	return &ConsumerGroup{
		id:              id,
		name:            name,
		partitionsCount: partitionsCount,
		assignment:      make(map[uint32]uint32),
		offsets:         make(map[uint32]uint64),
		offsetsPath:     offsetsPath,
		log:             log,
	}, nil
}

// LoadConsumerGroup restores a group's committed offsets from disk. A corrupt
// offsets file resets the group to the beginning and surfaces a warning
// rather than failing startup.
func LoadConsumerGroup(id uint32, name string, partitionsCount uint32, offsetsPath string, log *slog.Logger) (*ConsumerGroup, error) {
	g, err := NewConsumerGroup(id, name, partitionsCount, offsetsPath, log)
	if err != nil {
		return nil, err
	}
	offsets, err := LoadOffsets(offsetsPath)
	if err != nil {
		log.Warn("consumer group offsets unreadable, resetting to the beginning",
			"group", name, "error", err)
		os.Remove(offsetsPath)
		return g, nil
	}
	g.offsets = offsets
	return g, nil
}

// ID returns the group id.
func (g *ConsumerGroup) ID() uint32 { return g.id }

// Name returns the group name.
func (g *ConsumerGroup) Name() string { return g.name }

// Members returns the live consumer ids in ascending order.
func (g *ConsumerGroup) Members() []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]uint32, len(g.members))
	copy(out, g.members)
	return out
}

// Join adds a consumer to the group and rebalances. Joining twice is a no-op.
func (g *ConsumerGroup) Join(consumerID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := sort.Search(len(g.members), func(i int) bool { return g.members[i] >= consumerID })
	if i < len(g.members) && g.members[i] == consumerID {
		return
	}
	g.members = append(g.members, 0)
	copy(g.members[i+1:], g.members[i:])
	g.members[i] = consumerID
	g.rebalanceLocked()
}

// Leave removes a consumer from the group and rebalances. Leaving a group the
// consumer is not in is a no-op.
func (g *ConsumerGroup) Leave(consumerID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := sort.Search(len(g.members), func(i int) bool { return g.members[i] >= consumerID })
	if i == len(g.members) || g.members[i] != consumerID {
		return
	}
	g.members = append(g.members[:i], g.members[i+1:]...)
	g.rebalanceLocked()
}

// SetPartitionsCount adjusts the group to a changed partition count and
// rebalances.
func (g *ConsumerGroup) SetPartitionsCount(count uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.partitionsCount = count
	g.rebalanceLocked()
}

func (g *ConsumerGroup) rebalanceLocked() {
	g.assignment = make(map[uint32]uint32, g.partitionsCount)
	if len(g.members) == 0 {
		return
	}
	for pid := uint32(1); pid <= g.partitionsCount; pid++ {
		g.assignment[pid] = g.members[int(pid-1)%len(g.members)]
	}
}

// Assignment returns a copy of the partition -> consumer mapping.
func (g *ConsumerGroup) Assignment() map[uint32]uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[uint32]uint32, len(g.assignment))
	for pid, cid := range g.assignment {
		out[pid] = cid
	}
	return out
}

// AssignedPartitions returns the partitions owned by the consumer, ascending.
func (g *ConsumerGroup) AssignedPartitions(consumerID uint32) []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []uint32
	for pid, cid := range g.assignment {
		if cid == consumerID {
			out = append(out, pid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CommittedOffset returns the committed offset for a partition; ok is false
// when the group never committed there (consumption starts at offset zero).
func (g *ConsumerGroup) CommittedOffset(partitionID uint32) (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	offset, ok := g.offsets[partitionID]
	return offset, ok
}

// StoreOffset commits an offset for a partition and persists the group state
// atomically.
func (g *ConsumerGroup) StoreOffset(partitionID uint32, offset uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offsets[partitionID] = offset
	if err := SaveOffsets(g.offsetsPath, g.offsets); err != nil {
		return fmt.Errorf("commit offset for group %q: %w", g.name, err)
	}
	return nil
}

// NextOffset returns the offset consumption resumes from on a partition.
func (g *ConsumerGroup) NextOffset(partitionID uint32) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	offset, ok := g.offsets[partitionID]
	if !ok {
		return 0
	}
	return offset + 1
}

// DeleteState removes the group's persisted offsets.
func (g *ConsumerGroup) DeleteState() error {
	if err := os.Remove(g.offsetsPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete offsets for group %q: %w", g.name, err)
	}
	return nil
}
