package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ilikepi63/iggy/internal/streaming"
)

type streamJSON struct {
	ID             uint32 `json:"id"`
	Name           string `json:"name"`
	TopicsCount    int    `json:"topics_count"`
	MessagesCount  uint64 `json:"messages_count"`
	TotalSizeBytes uint64 `json:"total_size_bytes"`
}

func streamToJSON(stream *streaming.Stream) streamJSON {
	return streamJSON{
		ID:             stream.ID(),
		Name:           stream.Name(),
		TopicsCount:    len(stream.Topics()),
		MessagesCount:  stream.MessageCount(),
		TotalSizeBytes: stream.Size(),
	}
}

type topicJSON struct {
	ID                uint32 `json:"id"`
	Name              string `json:"name"`
	PartitionsCount   uint32 `json:"partitions_count"`
	MessageExpirySecs uint64 `json:"message_expiry"`
	MaxSize           uint64 `json:"max_size"`
	Compression       string `json:"compression"`
	ReplicationFactor uint8  `json:"replication_factor"`
	MessagesCount     uint64 `json:"messages_count"`
	TotalSizeBytes    uint64 `json:"total_size_bytes"`
}

func topicToJSON(topic *streaming.Topic) topicJSON {
	cfg := topic.Config()
	return topicJSON{
		ID:                topic.ID(),
		Name:              topic.Name(),
		PartitionsCount:   topic.PartitionsCount(),
		MessageExpirySecs: uint64(cfg.MessageExpiry / time.Second),
		MaxSize:           cfg.MaxSize,
		Compression:       cfg.Compression.String(),
		ReplicationFactor: cfg.ReplicationFactor,
		MessagesCount:     topic.MessageCount(),
		TotalSizeBytes:    topic.Size(),
	}
}

type createStreamRequest struct {
	StreamID uint32 `json:"stream_id"`
	Name     string `json:"name"`
}

func (s *Server) createStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	stream, err := s.sys.CreateStream(req.StreamID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, streamToJSON(stream))
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	streams := s.sys.Streams()
	out := make([]streamJSON, 0, len(streams))
	for _, stream := range streams {
		out = append(out, streamToJSON(stream))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	ident, err := pathIdentifier(r, "streamID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	stream, err := s.sys.Stream(ident)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, streamToJSON(stream))
}

type updateStreamRequest struct {
	Name string `json:"name"`
}

func (s *Server) updateStream(w http.ResponseWriter, r *http.Request) {
	ident, err := pathIdentifier(r, "streamID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req updateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	stream, err := s.sys.UpdateStream(ident, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, streamToJSON(stream))
}

func (s *Server) deleteStream(w http.ResponseWriter, r *http.Request) {
	ident, err := pathIdentifier(r, "streamID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sys.DeleteStream(ident); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTopicRequest struct {
	TopicID           uint32 `json:"topic_id"`
	Name              string `json:"name"`
	PartitionsCount   uint32 `json:"partitions_count"`
	MessageExpirySecs uint64 `json:"message_expiry"`
	MaxSize           uint64 `json:"max_size"`
	Compression       string `json:"compression"`
	ReplicationFactor uint8  `json:"replication_factor"`
}

func (req createTopicRequest) topicConfig() (streaming.TopicConfig, error) {
	compression, err := streaming.ParseCompressionKind(req.Compression)
	if err != nil {
		return streaming.TopicConfig{}, err
	}
	return streaming.TopicConfig{
		PartitionsCount:   req.PartitionsCount,
		MessageExpiry:     time.Duration(req.MessageExpirySecs) * time.Second,
		MaxSize:           req.MaxSize,
		Compression:       compression,
		ReplicationFactor: req.ReplicationFactor,
	}, nil
}

func (s *Server) createTopic(w http.ResponseWriter, r *http.Request) {
	streamIdent, err := pathIdentifier(r, "streamID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	cfg, err := req.topicConfig()
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	topic, err := s.sys.CreateTopic(streamIdent, req.TopicID, req.Name, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, topicToJSON(topic))
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	streamIdent, err := pathIdentifier(r, "streamID")
	if err != nil {
		s.writeError(w, err)
		return
	}
	stream, err := s.sys.Stream(streamIdent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	topics := stream.Topics()
	out := make([]topicJSON, 0, len(topics))
	for _, topic := range topics {
		out = append(out, topicToJSON(topic))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	topic, err := s.sys.Topic(streamIdent, topicIdent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, topicToJSON(topic))
}

func (s *Server) updateTopic(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	cfg, err := req.topicConfig()
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	topic, err := s.sys.UpdateTopic(streamIdent, topicIdent, req.Name, cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, topicToJSON(topic))
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sys.DeleteTopic(streamIdent, topicIdent); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type partitionsRequest struct {
	PartitionsCount uint32 `json:"partitions_count"`
}

func (s *Server) createPartitions(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req partitionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if err := s.sys.CreatePartitions(streamIdent, topicIdent, req.PartitionsCount); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deletePartitions(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	count, err := queryUint32(r, "partitions_count")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := s.sys.DeletePartitions(streamIdent, topicIdent, count); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func topicIdentifiers(r *http.Request) (stream, topic streaming.Identifier, err error) {
	stream, err = pathIdentifier(r, "streamID")
	if err != nil {
		return
	}
	topic, err = pathIdentifier(r, "topicID")
	return
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": message,
	})
}
