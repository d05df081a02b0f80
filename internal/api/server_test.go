package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ilikepi63/iggy/internal/storage"
	"github.com/ilikepi63/iggy/internal/streaming"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sys, err := streaming.NewSystem(streaming.SystemConfig{
		DataRoot: t.TempDir(),
		Segment:  storage.DefaultSegmentConfig(),
	}, log, nil)
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	t.Cleanup(func() { sys.Shutdown(context.Background()) })
	return NewServer(sys, DefaultServerConfig(), log, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createStreamAndTopic(t *testing.T, h http.Handler, partitions uint32, compression string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/streams", map[string]any{
		"stream_id": 1, "name": "orders",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create stream status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodPost, "/streams/1/topics", map[string]any{
		"topic_id": 1, "name": "created", "partitions_count": partitions,
		"compression": compression,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create topic status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndPing(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/ping", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("ping: %d %q", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	var health struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &health)
	if health.Status != "ok" {
		t.Errorf("health status field = %q", health.Status)
	}
}

func TestStreamCRUD(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := doJSON(t, h, http.MethodPost, "/streams", map[string]any{"stream_id": 1, "name": "orders"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	// Duplicate id conflicts.
	rec = doJSON(t, h, http.MethodPost, "/streams", map[string]any{"stream_id": 1, "name": "other"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}

	// Lookup works by id and by name.
	for _, path := range []string{"/streams/1", "/streams/orders"} {
		rec = doJSON(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}

	rec = doJSON(t, h, http.MethodPut, "/streams/1", map[string]any{"name": "renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	var stream struct {
		Name string `json:"name"`
	}
	decodeBody(t, rec, &stream)
	if stream.Name != "renamed" {
		t.Errorf("renamed to %q", stream.Name)
	}

	rec = doJSON(t, h, http.MethodDelete, "/streams/renamed", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/streams/1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted stream lookup status = %d, want 404", rec.Code)
	}
}

func TestSendAndPollMessages(t *testing.T) {
	h := newTestServer(t).Handler()
	createStreamAndTopic(t, h, 1, "none")

	rec := doJSON(t, h, http.MethodPost, "/streams/orders/topics/created/messages", map[string]any{
		"partitioning": map[string]any{"kind": "partition_id", "value": "1"},
		"messages": []map[string]any{
			{"payload": []byte("first")},
			{"payload": []byte("second"), "headers": map[string]any{
				"source": map[string]any{"kind": "string", "value": []byte("api")},
			}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body.String())
	}
	var sent struct {
		PartitionID uint32 `json:"partition_id"`
		LastOffset  uint64 `json:"last_offset"`
	}
	decodeBody(t, rec, &sent)
	if sent.PartitionID != 1 || sent.LastOffset != 1 {
		t.Errorf("sent to partition %d offset %d, want 1/1", sent.PartitionID, sent.LastOffset)
	}

	rec = doJSON(t, h, http.MethodGet,
		"/streams/1/topics/1/messages?partition_id=1&strategy=first&count=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d: %s", rec.Code, rec.Body.String())
	}
	var polled struct {
		PartitionID   uint32 `json:"partition_id"`
		CurrentOffset uint64 `json:"current_offset"`
		Messages      []struct {
			Offset  uint64 `json:"offset"`
			State   string `json:"state"`
			Payload []byte `json:"payload"`
			Headers map[string]struct {
				Kind  string `json:"kind"`
				Value []byte `json:"value"`
			} `json:"headers"`
		} `json:"messages"`
	}
	decodeBody(t, rec, &polled)
	if len(polled.Messages) != 2 || polled.CurrentOffset != 1 {
		t.Fatalf("polled %d messages at offset %d", len(polled.Messages), polled.CurrentOffset)
	}
	if string(polled.Messages[0].Payload) != "first" || polled.Messages[0].State != "available" {
		t.Errorf("first message = %+v", polled.Messages[0])
	}
	header, ok := polled.Messages[1].Headers["source"]
	if !ok || header.Kind != "string" || string(header.Value) != "api" {
		t.Errorf("second message headers = %+v", polled.Messages[1].Headers)
	}
}

func TestPollQueryParameterNames(t *testing.T) {
	h := newTestServer(t).Handler()
	createStreamAndTopic(t, h, 1, "none")

	rec := doJSON(t, h, http.MethodPost, "/streams/1/topics/1/messages", map[string]any{
		"messages": []map[string]any{
			{"payload": []byte("a")},
			{"payload": []byte("b")},
			{"payload": []byte("c")},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body.String())
	}

	// The consumer parameter and the inline strategy kind|value form are
	// equivalent to consumer_id with a separate value parameter.
	for _, query := range []string{
		"consumer=7&partition_id=1&strategy=offset|1&count=10",
		"consumer_id=7&partition_id=1&strategy=offset&value=1&count=10",
	} {
		rec = doJSON(t, h, http.MethodGet, "/streams/1/topics/1/messages?"+query, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("poll %q status = %d: %s", query, rec.Code, rec.Body.String())
		}
		var polled struct {
			Messages []struct {
				Offset uint64 `json:"offset"`
			} `json:"messages"`
		}
		decodeBody(t, rec, &polled)
		if len(polled.Messages) != 2 || polled.Messages[0].Offset != 1 {
			t.Errorf("poll %q returned %+v, want offsets 1..2", query, polled.Messages)
		}
	}

	rec = doJSON(t, h, http.MethodGet, "/streams/1/topics/1/messages?consumer=oops&partition_id=1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad consumer status = %d, want 400", rec.Code)
	}
}

func TestPollGzipEncoding(t *testing.T) {
	h := newTestServer(t).Handler()
	createStreamAndTopic(t, h, 1, "gzip")

	rec := doJSON(t, h, http.MethodPost, "/streams/1/topics/1/messages", map[string]any{
		"messages": []map[string]any{{"payload": []byte("compressed")}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet,
		"/streams/1/topics/1/messages?partition_id=1&strategy=first", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()
	var polled struct {
		Messages []struct {
			Payload []byte `json:"payload"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(gz).Decode(&polled); err != nil {
		t.Fatalf("decode gzip body: %v", err)
	}
	if len(polled.Messages) != 1 || string(polled.Messages[0].Payload) != "compressed" {
		t.Errorf("polled %+v", polled.Messages)
	}

	// Without Accept-Encoding the body stays plain.
	rec = doJSON(t, h, http.MethodGet,
		"/streams/1/topics/1/messages?partition_id=1&strategy=first", nil)
	if rec.Header().Get("Content-Encoding") != "" {
		t.Errorf("plain poll got Content-Encoding %q", rec.Header().Get("Content-Encoding"))
	}
	if !strings.Contains(rec.Body.String(), "messages") {
		t.Errorf("plain poll body %q", rec.Body.String())
	}
}

func TestFlushRoute(t *testing.T) {
	h := newTestServer(t).Handler()
	createStreamAndTopic(t, h, 1, "none")

	rec := doJSON(t, h, http.MethodGet, "/streams/1/topics/1/messages/flush/1/true", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("flush status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodGet, "/streams/1/topics/1/messages/flush/9/true", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("flush of missing partition status = %d, want 404", rec.Code)
	}
}

func TestConsumerGroupLifecycle(t *testing.T) {
	h := newTestServer(t).Handler()
	createStreamAndTopic(t, h, 3, "none")

	rec := doJSON(t, h, http.MethodPost, "/streams/1/topics/1/consumer-groups", map[string]any{
		"group_id": 1, "name": "workers",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/streams/1/topics/1/consumer-groups/1/join",
		map[string]any{"member_id": 7})
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d", rec.Code)
	}
	var group groupJSON
	decodeBody(t, rec, &group)
	if len(group.Members) != 1 || group.Members[0] != 7 {
		t.Errorf("members = %v", group.Members)
	}
	if len(group.Assignment) != 3 {
		t.Errorf("assignment = %v, want all 3 partitions", group.Assignment)
	}

	// Commit and read back an offset.
	rec = doJSON(t, h, http.MethodPut, "/streams/1/topics/1/consumer-offsets", map[string]any{
		"consumer_id": 7, "group_id": 1, "partition_id": 2, "offset": 41,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("store offset status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodGet,
		"/streams/1/topics/1/consumer-offsets?consumer_id=7&group_id=1&partition_id=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get offset status = %d", rec.Code)
	}
	var offset struct {
		Offset uint64 `json:"offset"`
	}
	decodeBody(t, rec, &offset)
	if offset.Offset != 41 {
		t.Errorf("offset = %d, want 41", offset.Offset)
	}

	// Unknown partition has no committed offset.
	rec = doJSON(t, h, http.MethodGet,
		"/streams/1/topics/1/consumer-offsets?consumer_id=7&group_id=1&partition_id=3", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing offset status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/streams/1/topics/1/consumer-groups/1/leave",
		map[string]any{"member_id": 7})
	if rec.Code != http.StatusOK {
		t.Fatalf("leave status = %d", rec.Code)
	}
	decodeBody(t, rec, &group)
	if len(group.Members) != 0 {
		t.Errorf("members after leave = %v", group.Members)
	}

	rec = doJSON(t, h, http.MethodDelete, "/streams/1/topics/1/consumer-groups/1", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete group status = %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/streams/99", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing stream status = %d, want 404", rec.Code)
	}
	var body struct {
		Code uint32 `json:"code"`
	}
	decodeBody(t, rec, &body)
	if want := streaming.ErrorCode(streaming.ErrStreamNotFound); body.Code != want {
		t.Errorf("error code = %d, want %d", body.Code, want)
	}

	rec = doJSON(t, h, http.MethodPost, "/streams", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
}

func TestPartitionRoutes(t *testing.T) {
	h := newTestServer(t).Handler()
	createStreamAndTopic(t, h, 2, "none")

	rec := doJSON(t, h, http.MethodPost, "/streams/1/topics/1/partitions",
		map[string]any{"partitions_count": 3})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create partitions status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/streams/1/topics/1", nil)
	var topic topicJSON
	decodeBody(t, rec, &topic)
	if topic.PartitionsCount != 5 {
		t.Errorf("partitions = %d, want 5", topic.PartitionsCount)
	}

	rec = doJSON(t, h, http.MethodDelete, "/streams/1/topics/1/partitions?partitions_count=4", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete partitions status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodGet, "/streams/1/topics/1", nil)
	decodeBody(t, rec, &topic)
	if topic.PartitionsCount != 1 {
		t.Errorf("partitions = %d, want 1", topic.PartitionsCount)
	}
}
