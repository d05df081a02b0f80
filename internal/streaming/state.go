package streaming

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilikepi63/iggy/internal/storage"
)

// Entity metadata files. Each directory in the namespace tree carries exactly
// one: a single little-endian record written atomically (tmp + rename). A
// directory without its metadata file is a leftover of a crashed create and
// is removed at startup.
const (
	streamInfoFile    = "stream.info"
	topicInfoFile     = "topic.info"
	partitionInfoFile = "partition.info"
)

// StreamInfo is the persisted form of a stream.
type StreamInfo struct {
	ID        uint32
	Name      string
	CreatedAt uint64 // microseconds since the Unix epoch
}

// GroupInfo is the persisted registration of a consumer group; its committed
// offsets live in a separate per-group file.
type GroupInfo struct {
	ID   uint32
	Name string
}

// TopicInfo is the persisted form of a topic, including its group registry.
type TopicInfo struct {
	ID                uint32
	Name              string
	CreatedAt         uint64
	PartitionsCount   uint32
	MessageExpirySecs uint64
	MaxSize           uint64
	Compression       CompressionKind
	ReplicationFactor uint8
	Groups            []GroupInfo
}

// PartitionInfo is the persisted form of a partition.
type PartitionInfo struct {
	ID        uint32
	CreatedAt uint64
}

func appendName(dst []byte, name string) ([]byte, error) {
	if len(name) == 0 || len(name) > 255 {
		return nil, fmt.Errorf("%w: name length %d out of range", ErrInvalidIdentifier, len(name))
	}
	dst = append(dst, byte(len(name)))
	return append(dst, name...), nil
}

func readName(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("%w: missing name length", storage.ErrInvalidNumberEncoding)
	}
	n := int(data[0])
	if n == 0 || len(data) < 1+n {
		return "", nil, fmt.Errorf("%w: truncated name", storage.ErrInvalidNumberEncoding)
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

// EncodeStreamInfo serializes a stream record.
func EncodeStreamInfo(info StreamInfo) ([]byte, error) {
	buf := binary.LittleEndian.AppendUint32(nil, info.ID)
	buf, err := appendName(buf, info.Name)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint64(buf, info.CreatedAt), nil
}

// DecodeStreamInfo deserializes a stream record.
func DecodeStreamInfo(data []byte) (StreamInfo, error) {
	if len(data) < 4 {
		return StreamInfo{}, fmt.Errorf("%w: stream record too short", storage.ErrInvalidNumberEncoding)
	}
	info := StreamInfo{ID: binary.LittleEndian.Uint32(data[0:4])}
	name, rest, err := readName(data[4:])
	if err != nil {
		return StreamInfo{}, err
	}
	info.Name = name
	if len(rest) != 8 {
		return StreamInfo{}, fmt.Errorf("%w: stream record has %d trailing bytes", storage.ErrInvalidNumberEncoding, len(rest))
	}
	info.CreatedAt = binary.LittleEndian.Uint64(rest)
	return info, nil
}

// EncodeTopicInfo serializes a topic record.
func EncodeTopicInfo(info TopicInfo) ([]byte, error) {
	buf := binary.LittleEndian.AppendUint32(nil, info.ID)
	buf, err := appendName(buf, info.Name)
	if err != nil {
		return nil, err
	}
	buf = binary.LittleEndian.AppendUint64(buf, info.CreatedAt)
	buf = binary.LittleEndian.AppendUint32(buf, info.PartitionsCount)
	buf = binary.LittleEndian.AppendUint64(buf, info.MessageExpirySecs)
	buf = binary.LittleEndian.AppendUint64(buf, info.MaxSize)
	buf = append(buf, byte(info.Compression), info.ReplicationFactor)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(info.Groups)))
	for _, g := range info.Groups {
		buf = binary.LittleEndian.AppendUint32(buf, g.ID)
		buf, err = appendName(buf, g.Name)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeTopicInfo deserializes a topic record.
func DecodeTopicInfo(data []byte) (TopicInfo, error) {
	if len(data) < 4 {
		return TopicInfo{}, fmt.Errorf("%w: topic record too short", storage.ErrInvalidNumberEncoding)
	}
	info := TopicInfo{ID: binary.LittleEndian.Uint32(data[0:4])}
	name, rest, err := readName(data[4:])
	if err != nil {
		return TopicInfo{}, err
	}
	info.Name = name

	if len(rest) < 8+4+8+8+2+4 {
		return TopicInfo{}, fmt.Errorf("%w: topic record too short", storage.ErrInvalidNumberEncoding)
	}
	info.CreatedAt = binary.LittleEndian.Uint64(rest[0:8])
	info.PartitionsCount = binary.LittleEndian.Uint32(rest[8:12])
	info.MessageExpirySecs = binary.LittleEndian.Uint64(rest[12:20])
	info.MaxSize = binary.LittleEndian.Uint64(rest[20:28])
	info.Compression = CompressionKind(rest[28])
	info.ReplicationFactor = rest[29]
	groupCount := int(binary.LittleEndian.Uint32(rest[30:34]))
	rest = rest[34:]

	for i := 0; i < groupCount; i++ {
		if len(rest) < 4 {
			return TopicInfo{}, fmt.Errorf("%w: truncated group registry", storage.ErrInvalidNumberEncoding)
		}
		g := GroupInfo{ID: binary.LittleEndian.Uint32(rest[0:4])}
		g.Name, rest, err = readName(rest[4:])
		if err != nil {
			return TopicInfo{}, err
		}
		info.Groups = append(info.Groups, g)
	}
	if len(rest) != 0 {
		return TopicInfo{}, fmt.Errorf("%w: topic record has %d trailing bytes", storage.ErrInvalidNumberEncoding, len(rest))
	}
	return info, nil
}

// EncodePartitionInfo serializes a partition record.
func EncodePartitionInfo(info PartitionInfo) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, info.ID)
	return binary.LittleEndian.AppendUint64(buf, info.CreatedAt)
}

// DecodePartitionInfo deserializes a partition record.
func DecodePartitionInfo(data []byte) (PartitionInfo, error) {
	if len(data) != 12 {
		return PartitionInfo{}, fmt.Errorf("%w: partition record of %d bytes", storage.ErrInvalidNumberEncoding, len(data))
	}
	return PartitionInfo{
		ID:        binary.LittleEndian.Uint32(data[0:4]),
		CreatedAt: binary.LittleEndian.Uint64(data[4:12]),
	}, nil
}

// writeFileAtomic writes data through a temporary file and a rename, fsyncing
// before the rename so the target is never observed half-written.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}
