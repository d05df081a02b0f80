// Package protocol implements the length-prefixed binary protocol: the frame
// layer, the command payload codecs and the dispatcher that routes decoded
// commands to the engine. Both transports speak the same command set; the
// HTTP gateway bypasses only the framing.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command codes. These are wire constants: never renumber.
const (
	CmdPing                uint32 = 1
	CmdGetStats            uint32 = 10
	CmdLoginUser           uint32 = 38
	CmdLogoutUser          uint32 = 39
	CmdPollMessages        uint32 = 100
	CmdSendMessages        uint32 = 101
	CmdFlushUnsavedBuffer  uint32 = 102
	CmdGetConsumerOffset   uint32 = 120
	CmdStoreConsumerOffset uint32 = 121
	CmdGetStream           uint32 = 200
	CmdGetStreams          uint32 = 201
	CmdCreateStream        uint32 = 202
	CmdDeleteStream        uint32 = 203
	CmdUpdateStream        uint32 = 204
	CmdGetTopic            uint32 = 300
	CmdGetTopics           uint32 = 301
	CmdCreateTopic         uint32 = 302
	CmdDeleteTopic         uint32 = 303
	CmdUpdateTopic         uint32 = 304
	CmdCreatePartitions    uint32 = 402
	CmdDeletePartitions    uint32 = 403
	CmdGetConsumerGroup    uint32 = 600
	CmdGetConsumerGroups   uint32 = 601
	CmdCreateConsumerGroup uint32 = 602
	CmdDeleteConsumerGroup uint32 = 603
	CmdJoinConsumerGroup   uint32 = 604
	CmdLeaveConsumerGroup  uint32 = 605
)

// CommandName returns a human-readable command name for logs and metrics.
func CommandName(code uint32) string {
	switch code {
	case CmdPing:
		return "ping"
	case CmdGetStats:
		return "get_stats"
	case CmdLoginUser:
		return "login_user"
	case CmdLogoutUser:
		return "logout_user"
	case CmdPollMessages:
		return "poll_messages"
	case CmdSendMessages:
		return "send_messages"
	case CmdFlushUnsavedBuffer:
		return "flush_unsaved_buffer"
	case CmdGetConsumerOffset:
		return "get_consumer_offset"
	case CmdStoreConsumerOffset:
		return "store_consumer_offset"
	case CmdGetStream:
		return "get_stream"
	case CmdGetStreams:
		return "get_streams"
	case CmdCreateStream:
		return "create_stream"
	case CmdDeleteStream:
		return "delete_stream"
	case CmdUpdateStream:
		return "update_stream"
	case CmdGetTopic:
		return "get_topic"
	case CmdGetTopics:
		return "get_topics"
	case CmdCreateTopic:
		return "create_topic"
	case CmdDeleteTopic:
		return "delete_topic"
	case CmdUpdateTopic:
		return "update_topic"
	case CmdCreatePartitions:
		return "create_partitions"
	case CmdDeletePartitions:
		return "delete_partitions"
	case CmdGetConsumerGroup:
		return "get_consumer_group"
	case CmdGetConsumerGroups:
		return "get_consumer_groups"
	case CmdCreateConsumerGroup:
		return "create_consumer_group"
	case CmdDeleteConsumerGroup:
		return "delete_consumer_group"
	case CmdJoinConsumerGroup:
		return "join_consumer_group"
	case CmdLeaveConsumerGroup:
		return "leave_consumer_group"
	default:
		return fmt.Sprintf("unknown(%d)", code)
	}
}

// frameHeaderSize is status(1) + command_code(4), the part of the frame the
// total length counts besides the payload.
const frameHeaderSize = 5

// DefaultMaxFrameSize bounds a single frame. It comfortably fits a maximum
// payload message with headers plus framing.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge means a peer announced a frame past the size limit.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame is one request or response:
//
//	total_length u32 || status u8 || command_code u32 || payload
//
// little-endian; total_length counts everything after itself. Status is zero
// on requests and successful responses, otherwise a taxonomy wire code.
type Frame struct {
	Status  uint8
	Command uint32
	Payload []byte
}

// ReadFrame reads one frame, rejecting anything longer than maxSize.
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total < frameHeaderSize {
		return Frame{}, fmt.Errorf("frame of %d bytes is shorter than its header", total)
	}
	if total > maxSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, total, maxSize)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{
		Status:  body[0],
		Command: binary.LittleEndian.Uint32(body[1:5]),
		Payload: body[frameHeaderSize:],
	}, nil
}

// WriteFrame writes one frame with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, 0, 4+frameHeaderSize+len(f.Payload))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(frameHeaderSize+len(f.Payload)))
	buf = append(buf, f.Status)
	buf = binary.LittleEndian.AppendUint32(buf, f.Command)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}
