package api

import (
	"encoding/json"
	"net/http"

	"github.com/ilikepi63/iggy/internal/streaming"
)

type groupJSON struct {
	ID         uint32            `json:"id"`
	Name       string            `json:"name"`
	Members    []uint32          `json:"members"`
	Assignment map[uint32]uint32 `json:"assignment"`
}

func groupToJSON(group *streaming.ConsumerGroup) groupJSON {
	return groupJSON{
		ID:         group.ID(),
		Name:       group.Name(),
		Members:    group.Members(),
		Assignment: group.Assignment(),
	}
}

type createGroupRequest struct {
	GroupID uint32 `json:"group_id"`
	Name    string `json:"name"`
}

func (s *Server) createConsumerGroup(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	group, err := s.sys.CreateConsumerGroup(streamIdent, topicIdent, req.GroupID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, groupToJSON(group))
}

func (s *Server) listConsumerGroups(w http.ResponseWriter, r *http.Request) {
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
	groups := topic.ConsumerGroups()
	out := make([]groupJSON, 0, len(groups))
	for _, group := range groups {
		out = append(out, groupToJSON(group))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getConsumerGroup(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	groupID, err := pathUint32(r, "groupID")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	group, err := s.sys.ConsumerGroup(streamIdent, topicIdent, groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, groupToJSON(group))
}

func (s *Server) deleteConsumerGroup(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	groupID, err := pathUint32(r, "groupID")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := s.sys.DeleteConsumerGroup(streamIdent, topicIdent, groupID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type membershipRequest struct {
	MemberID uint32 `json:"member_id"`
}

func (s *Server) joinConsumerGroup(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, s.sys.JoinConsumerGroup)
}

func (s *Server) leaveConsumerGroup(w http.ResponseWriter, r *http.Request) {
	s.changeMembership(w, r, s.sys.LeaveConsumerGroup)
}

func (s *Server) changeMembership(w http.ResponseWriter, r *http.Request,
	op func(stream, topic streaming.Identifier, groupID, memberID uint32) error) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	groupID, err := pathUint32(r, "groupID")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if err := op(streamIdent, topicIdent, groupID, req.MemberID); err != nil {
		s.writeError(w, err)
		return
	}
	group, err := s.sys.ConsumerGroup(streamIdent, topicIdent, groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, groupToJSON(group))
}

func (s *Server) getConsumerOffset(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	consumerID, err := queryUint32(r, "consumer_id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	groupID, err := queryUint32(r, "group_id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	partitionID, err := queryUint32(r, "partition_id")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	offset, err := s.sys.GetConsumerOffset(streamIdent, topicIdent,
		streaming.Consumer{ID: consumerID, GroupID: groupID}, partitionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"partition_id": partitionID,
		"offset":       offset,
	})
}

type storeOffsetRequest struct {
	ConsumerID  uint32 `json:"consumer_id"`
	GroupID     uint32 `json:"group_id"`
	PartitionID uint32 `json:"partition_id"`
	Offset      uint64 `json:"offset"`
}

func (s *Server) storeConsumerOffset(w http.ResponseWriter, r *http.Request) {
	streamIdent, topicIdent, err := topicIdentifiers(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req storeOffsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if err := s.sys.StoreConsumerOffset(streamIdent, topicIdent,
		streaming.Consumer{ID: req.ConsumerID, GroupID: req.GroupID},
		req.PartitionID, req.Offset); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
