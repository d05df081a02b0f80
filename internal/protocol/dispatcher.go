package protocol

import (
	"log/slog"
	"time"

	"github.com/ilikepi63/iggy/internal/streaming"
)

// Session carries per-connection state across frames: the login identity and
// the rotation counter balanced appends route with.
type Session struct {
	Username string
	LoggedIn bool
	Rotation streaming.RoundRobin
}

// Dispatcher decodes command payloads, invokes the engine and encodes the
// results. One dispatcher serves all connections; per-connection state lives
// in the Session.
type Dispatcher struct {
	sys *streaming.System
	log *slog.Logger

	// RequireAuth rejects every command except ping and login on sessions
	// that have not logged in.
	RequireAuth bool
}

// NewDispatcher builds a dispatcher over the engine.
func NewDispatcher(sys *streaming.System, log *slog.Logger) *Dispatcher {
	return &Dispatcher{sys: sys, log: log}
}

// Dispatch handles one request frame and returns the response frame. Errors
// never propagate to the caller: they become the response status byte.
func (d *Dispatcher) Dispatch(sess *Session, req Frame) Frame {
	payload, err := d.handle(sess, req)
	if err != nil {
		d.log.Debug("command failed",
			"command", CommandName(req.Command), "error", err)
		return Frame{Status: uint8(streaming.ErrorCode(err)), Command: req.Command}
	}
	return Frame{Command: req.Command, Payload: payload}
}

func (d *Dispatcher) handle(sess *Session, req Frame) ([]byte, error) {
	if d.RequireAuth && !sess.LoggedIn {
		switch req.Command {
		case CmdPing, CmdLoginUser:
		default:
			return nil, streaming.ErrUnauthenticated
		}
	}

	switch req.Command {
	case CmdPing:
		return nil, nil

	case CmdGetStats:
		return EncodeStats(d.sys.Stats()), nil

	case CmdLoginUser:
		r, err := DecodeLoginUser(req.Payload)
		if err != nil {
			return nil, err
		}
		if r.Username == "" {
			return nil, streaming.ErrUnauthenticated
		}
		sess.Username = r.Username
		sess.LoggedIn = true
		return nil, nil

	case CmdLogoutUser:
		sess.Username = ""
		sess.LoggedIn = false
		return nil, nil

	case CmdSendMessages:
		r, err := DecodeSendMessages(req.Payload)
		if err != nil {
			return nil, err
		}
		r.Partitioning.Session = &sess.Rotation
		partitionID, _, last, err := d.sys.AppendMessages(r.Stream, r.Topic, r.Partitioning, r.Messages, r.Confirmation)
		if err != nil {
			return nil, err
		}
		return SendMessagesResponse{PartitionID: partitionID, LastOffset: last}.Encode(), nil

	case CmdPollMessages:
		r, err := DecodePollMessages(req.Payload)
		if err != nil {
			return nil, err
		}
		polled, err := d.sys.PollMessages(r.Stream, r.Topic, r.Consumer, r.PartitionID, r.Strategy, r.Count, r.AutoCommit)
		if err != nil {
			return nil, err
		}
		return EncodePolledMessages(polled), nil

	case CmdFlushUnsavedBuffer:
		r, err := DecodeFlushUnsavedBuffer(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.FlushUnsavedBuffer(r.Stream, r.Topic, r.PartitionID, r.Fsync)

	case CmdGetConsumerOffset:
		r, err := DecodeConsumerOffset(req.Payload)
		if err != nil {
			return nil, err
		}
		offset, err := d.sys.GetConsumerOffset(r.Stream, r.Topic, r.Consumer, r.PartitionID)
		if err != nil {
			return nil, err
		}
		return ConsumerOffsetResponse{PartitionID: r.PartitionID, Offset: offset}.Encode(), nil

	case CmdStoreConsumerOffset:
		r, err := DecodeConsumerOffset(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.StoreConsumerOffset(r.Stream, r.Topic, r.Consumer, r.PartitionID, r.Offset)

	case CmdGetStream:
		ident, err := decodeIdentifierPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		stream, err := d.sys.Stream(ident)
		if err != nil {
			return nil, err
		}
		return EncodeStreamDetails(streamDetails(stream)), nil

	case CmdGetStreams:
		streams := d.sys.Streams()
		details := make([]StreamDetails, 0, len(streams))
		for _, stream := range streams {
			details = append(details, streamDetails(stream))
		}
		return EncodeStreamList(details), nil

	case CmdCreateStream:
		r, err := DecodeCreateStream(req.Payload)
		if err != nil {
			return nil, err
		}
		stream, err := d.sys.CreateStream(r.ID, r.Name)
		if err != nil {
			return nil, err
		}
		return EncodeStreamDetails(streamDetails(stream)), nil

	case CmdDeleteStream:
		ident, err := decodeIdentifierPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.DeleteStream(ident)

	case CmdUpdateStream:
		r, err := DecodeUpdateStream(req.Payload)
		if err != nil {
			return nil, err
		}
		stream, err := d.sys.UpdateStream(r.Stream, r.Name)
		if err != nil {
			return nil, err
		}
		return EncodeStreamDetails(streamDetails(stream)), nil

	case CmdGetTopic:
		r, err := DecodeGetTopic(req.Payload)
		if err != nil {
			return nil, err
		}
		topic, err := d.sys.Topic(r.Stream, r.Topic)
		if err != nil {
			return nil, err
		}
		return EncodeTopicDetails(topicDetails(topic)), nil

	case CmdGetTopics:
		ident, err := decodeIdentifierPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		stream, err := d.sys.Stream(ident)
		if err != nil {
			return nil, err
		}
		topics := stream.Topics()
		details := make([]TopicDetails, 0, len(topics))
		for _, topic := range topics {
			details = append(details, topicDetails(topic))
		}
		return EncodeTopicList(details), nil

	case CmdCreateTopic:
		r, err := DecodeCreateTopic(req.Payload)
		if err != nil {
			return nil, err
		}
		topic, err := d.sys.CreateTopic(r.Stream, r.ID, r.Name, streaming.TopicConfig{
			PartitionsCount:   r.PartitionsCount,
			MessageExpiry:     time.Duration(r.MessageExpirySecs) * time.Second,
			MaxSize:           r.MaxSize,
			Compression:       streaming.CompressionKind(r.Compression),
			ReplicationFactor: r.ReplicationFactor,
		})
		if err != nil {
			return nil, err
		}
		return EncodeTopicDetails(topicDetails(topic)), nil

	case CmdDeleteTopic:
		r, err := DecodeGetTopic(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.DeleteTopic(r.Stream, r.Topic)

	case CmdUpdateTopic:
		r, err := DecodeUpdateTopic(req.Payload)
		if err != nil {
			return nil, err
		}
		topic, err := d.sys.UpdateTopic(r.Stream, r.Topic, r.Name, streaming.TopicConfig{
			MessageExpiry: time.Duration(r.MessageExpirySecs) * time.Second,
			MaxSize:       r.MaxSize,
			Compression:   streaming.CompressionKind(r.Compression),
		})
		if err != nil {
			return nil, err
		}
		return EncodeTopicDetails(topicDetails(topic)), nil

	case CmdCreatePartitions:
		r, err := DecodePartitions(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.CreatePartitions(r.Stream, r.Topic, r.Count)

	case CmdDeletePartitions:
		r, err := DecodePartitions(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.DeletePartitions(r.Stream, r.Topic, r.Count)

	case CmdGetConsumerGroup:
		r, err := DecodeConsumerGroupCommand(req.Payload)
		if err != nil {
			return nil, err
		}
		group, err := d.sys.ConsumerGroup(r.Stream, r.Topic, r.GroupID)
		if err != nil {
			return nil, err
		}
		return EncodeConsumerGroupDetails(groupDetails(group)), nil

	case CmdGetConsumerGroups:
		r, err := DecodeGetTopic(req.Payload)
		if err != nil {
			return nil, err
		}
		topic, err := d.sys.Topic(r.Stream, r.Topic)
		if err != nil {
			return nil, err
		}
		groups := topic.ConsumerGroups()
		details := make([]ConsumerGroupDetails, 0, len(groups))
		for _, group := range groups {
			details = append(details, groupDetails(group))
		}
		return EncodeConsumerGroupList(details), nil

	case CmdCreateConsumerGroup:
		r, err := DecodeConsumerGroupCommand(req.Payload)
		if err != nil {
			return nil, err
		}
		group, err := d.sys.CreateConsumerGroup(r.Stream, r.Topic, r.GroupID, r.Name)
		if err != nil {
			return nil, err
		}
		return EncodeConsumerGroupDetails(groupDetails(group)), nil

	case CmdDeleteConsumerGroup:
		r, err := DecodeConsumerGroupCommand(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.DeleteConsumerGroup(r.Stream, r.Topic, r.GroupID)

	case CmdJoinConsumerGroup:
		r, err := DecodeConsumerGroupCommand(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.JoinConsumerGroup(r.Stream, r.Topic, r.GroupID, r.MemberID)

	case CmdLeaveConsumerGroup:
		r, err := DecodeConsumerGroupCommand(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, d.sys.LeaveConsumerGroup(r.Stream, r.Topic, r.GroupID, r.MemberID)

	default:
		return nil, streaming.ErrInvalidIdentifier
	}
}

func decodeIdentifierPayload(data []byte) (streaming.Identifier, error) {
	c := &cursor{data: data}
	ident := c.identifier()
	return ident, c.finish()
}

func streamDetails(stream *streaming.Stream) StreamDetails {
	return StreamDetails{
		ID:            stream.ID(),
		TopicsCount:   uint32(len(stream.Topics())),
		MessagesCount: stream.MessageCount(),
		SizeBytes:     stream.Size(),
		Name:          stream.Name(),
	}
}

func topicDetails(topic *streaming.Topic) TopicDetails {
	cfg := topic.Config()
	return TopicDetails{
		ID:                topic.ID(),
		PartitionsCount:   topic.PartitionsCount(),
		MessageExpirySecs: uint64(cfg.MessageExpiry / time.Second),
		MaxSize:           cfg.MaxSize,
		Compression:       uint8(cfg.Compression),
		ReplicationFactor: cfg.ReplicationFactor,
		MessagesCount:     topic.MessageCount(),
		SizeBytes:         topic.Size(),
		Name:              topic.Name(),
	}
}

func groupDetails(group *streaming.ConsumerGroup) ConsumerGroupDetails {
	return ConsumerGroupDetails{
		ID:         group.ID(),
		Members:    group.Members(),
		Assignment: group.Assignment(),
		Name:       group.Name(),
	}
}
