package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/ilikepi63/iggy/internal/storage"
	"github.com/ilikepi63/iggy/internal/streaming"
)

type partitioningJSON struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

func (p partitioningJSON) toPartitioning() (streaming.Partitioning, error) {
	switch p.Kind {
	case "", "balanced":
		return streaming.BalancedPartitioning(), nil
	case "partition_id":
		id, err := strconv.ParseUint(p.Value, 10, 32)
		if err != nil {
			return streaming.Partitioning{}, fmt.Errorf("%w: partition id %q", streaming.ErrInvalidPartitioning, p.Value)
		}
		return streaming.PartitionIDPartitioning(uint32(id)), nil
	case "messages_key":
		return streaming.MessagesKeyPartitioning([]byte(p.Value)), nil
	default:
		return streaming.Partitioning{}, fmt.Errorf("%w: unknown kind %q", streaming.ErrInvalidPartitioning, p.Kind)
	}
}

type headerJSON struct {
	Kind  string `json:"kind"`
	Value []byte `json:"value"`
}

type messageJSON struct {
	ID      string                `json:"id,omitempty"`
	Headers map[string]headerJSON `json:"headers,omitempty"`
	Payload []byte                `json:"payload"`
}

func (m messageJSON) toMessage() (streaming.Message, error) {
	var out streaming.Message
	if m.ID != "" {
		id, err := storage.ParseMessageID(m.ID)
		if err != nil {
			return streaming.Message{}, err
		}
		out.ID = id
	}
	if len(m.Headers) > 0 {
		headers := make(map[string]storage.HeaderValue, len(m.Headers))
		for name, h := range m.Headers {
			kind, err := storage.ParseHeaderKind(h.Kind)
			if err != nil {
				return streaming.Message{}, err
			}
			headers[name] = storage.HeaderValue{Kind: kind, Value: h.Value}
		}
		encoded, err := storage.EncodeHeaders(headers)
		if err != nil {
			return streaming.Message{}, err
		}
		out.Headers = encoded
	}
	out.Payload = m.Payload
	return out, nil
}

type sendMessagesRequest struct {
	Partitioning partitioningJSON `json:"partitioning"`
	Confirmation string           `json:"confirmation,omitempty"`
	Messages     []messageJSON    `json:"messages"`
}

func (s *Server) sendMessages(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req sendMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	partitioning, err := req.Partitioning.toPartitioning()
	if err != nil {
		s.writeError(w, err)
		return
	}
	confirmation, err := streaming.ParseConfirmation(req.Confirmation)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	messages := make([]streaming.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := m.toMessage()
		if err != nil {
			s.writeError(w, err)
			return
		}
		messages = append(messages, msg)
	}

	partitionID, _, last, err := s.sys.AppendMessages(streamIdent, topicIdent, partitioning, messages, confirmation)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"partition_id": partitionID,
		"last_offset":  last,
	})
}

type polledMessageJSON struct {
	ID        string                `json:"id"`
	Offset    uint64                `json:"offset"`
	State     string                `json:"state"`
	Timestamp uint64                `json:"timestamp"`
	Checksum  uint32                `json:"checksum"`
	Headers   map[string]headerJSON `json:"headers,omitempty"`
	Payload   []byte                `json:"payload"`
}

func polledMessageToJSON(m *storage.RetainedMessage) (polledMessageJSON, error) {
	out := polledMessageJSON{
		ID:        m.ID.String(),
		Offset:    m.Offset,
		State:     m.State.String(),
		Timestamp: m.Timestamp,
		Checksum:  m.Checksum,
		Payload:   m.Payload,
	}
	if len(m.Headers) > 0 {
		decoded, err := storage.DecodeHeaders(m.Headers)
		if err != nil {
			return polledMessageJSON{}, err
		}
		out.Headers = make(map[string]headerJSON, len(decoded))
		for name, h := range decoded {
			out.Headers[name] = headerJSON{Kind: h.Kind.String(), Value: h.Value}
		}
	}
	return out, nil
}

// pollMessages serves GET .../messages. Query parameters: consumer
// (consumer_id is accepted too), group_id, partition_id, strategy
// (offset | timestamp | first | last | next, with an optional |value suffix
// or a separate value parameter), count, auto_commit.
func (s *Server) pollMessages(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	q := r.URL.Query()
	consumerID, err := queryUint32Named(r, "consumer", "consumer_id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	groupID, err := queryUint32Named(r, "group_id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	partitionID, err := queryUint32Named(r, "partition_id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	kind, value, ok := strings.Cut(q.Get("strategy"), "|")
	if !ok {
		value = q.Get("value")
	}
	strategy, err := parseStrategy(kind, value)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	count := uint32(100)
	if q.Get("count") != "" {
		if count, err = queryUint32(r, "count"); err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}
	autoCommit := q.Get("auto_commit") == "true"

	polled, err := s.sys.PollMessages(streamIdent, topicIdent,
		streaming.Consumer{ID: consumerID, GroupID: groupID},
		partitionID, strategy, count, autoCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	messages := make([]polledMessageJSON, 0, len(polled.Messages))
	for _, m := range polled.Messages {
		mj, err := polledMessageToJSON(m)
		if err != nil {
			s.writeError(w, err)
			return
		}
		messages = append(messages, mj)
	}
	body := map[string]any{
		"partition_id":   polled.PartitionID,
		"current_offset": polled.CurrentOffset,
		"messages":       messages,
	}

	topic, err := s.sys.Topic(streamIdent, topicIdent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if topic.Config().Compression == streaming.CompressionGzip && acceptsGzip(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz := gzip.NewWriter(w)
		json.NewEncoder(gz).Encode(body)
		gz.Close()
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func parseStrategy(kind, value string) (streaming.PollingStrategy, error) {
	var v uint64
	if value != "" {
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return streaming.PollingStrategy{}, fmt.Errorf("invalid strategy value %q", value)
		}
		v = parsed
	}
	switch kind {
	case "", "offset":
		return streaming.PollingStrategy{Kind: streaming.PollOffset, Value: v}, nil
	case "timestamp":
		return streaming.PollingStrategy{Kind: streaming.PollTimestamp, Value: v}, nil
	case "first":
		return streaming.PollingStrategy{Kind: streaming.PollFirst}, nil
	case "last":
		return streaming.PollingStrategy{Kind: streaming.PollLast, Value: v}, nil
	case "next":
		return streaming.PollingStrategy{Kind: streaming.PollNext}, nil
	default:
		return streaming.PollingStrategy{}, fmt.Errorf("unknown poll strategy %q", kind)
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}

// flushUnsavedBuffer serves GET .../messages/flush/{partitionID}/{fsync}.
func (s *Server) flushUnsavedBuffer(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	partitionID, err := pathUint32(r, "partitionID")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	fsync, err := strconv.ParseBool(pathParam(r, "fsync"))
	if err != nil {
		s.badRequest(w, "fsync must be true or false")
		return
	}
	if err := s.sys.FlushUnsavedBuffer(streamIdent, topicIdent, partitionID, fsync); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"partition_id": partitionID,
		"fsync":        fsync,
	})
}
