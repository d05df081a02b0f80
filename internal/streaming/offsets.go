package streaming

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// Committed consumer-group offsets are persisted as one small binary file per
// group:
//
//	count u32 || (partition_id u32 || offset u64) * count
//
// little-endian, pairs in ascending partition id. Writes go through a
// temporary file and a rename so a crash never leaves a half-written file.

// SaveOffsets atomically writes the committed offsets map to path.
func SaveOffsets(path string, offsets map[uint32]uint64) error {
	partitions := make([]uint32, 0, len(offsets))
	for pid := range offsets {
		partitions = append(partitions, pid)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	buf := make([]byte, 0, 4+12*len(partitions))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(partitions)))
	for _, pid := range partitions {
		buf = binary.LittleEndian.AppendUint32(buf, pid)
		buf = binary.LittleEndian.AppendUint64(buf, offsets[pid])
	}
	return writeFileAtomic(path, buf)
}

// LoadOffsets reads a committed offsets file. A missing file yields an empty
// map; a malformed one yields an error so the caller can reset the group.
func LoadOffsets(path string) (map[uint32]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint32]uint64{}, nil
		}
		return nil, fmt.Errorf("read offsets file: %w", err)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("offsets file %s: truncated header", path)
	}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) != 4+12*count {
		return nil, fmt.Errorf("offsets file %s: %d bytes for %d entries", path, len(data), count)
	}

	offsets := make(map[uint32]uint64, count)
	pos := 4
	for i := 0; i < count; i++ {
		pid := binary.LittleEndian.Uint32(data[pos : pos+4])
		offset := binary.LittleEndian.Uint64(data[pos+4 : pos+12])
		if _, dup := offsets[pid]; dup {
			return nil, fmt.Errorf("offsets file %s: duplicate partition %d", path, pid)
		}
		offsets[pid] = offset
		pos += 12
	}
	return offsets, nil
}
