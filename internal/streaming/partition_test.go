package streaming

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ilikepi63/iggy/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPartitionConfig rolls segments after four messages so a handful of
// appends exercises the multi-segment paths.
func testPartitionConfig() PartitionConfig {
	segment := storage.DefaultSegmentConfig()
	segment.IndexInterval = 1
	segment.MaxMessages = 4
	return PartitionConfig{Segment: segment}
}

func newTestPartition(t *testing.T, cfg PartitionConfig) *Partition {
	t.Helper()
	p, err := NewPartition(t.TempDir(), 1, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func plainMessages(prefix string, count int) []Message {
	out := make([]Message, count)
	for i := range out {
		out[i] = Message{Payload: []byte(fmt.Sprintf("%s-%d", prefix, i))}
	}
	return out
}

// appendPairs appends count messages two at a time, so with MaxMessages 4 the
// partition rolls a segment every other batch.
func appendPairs(t *testing.T, p *Partition, count int) {
	t.Helper()
	for i := 0; i < count; i += 2 {
		if _, _, err := p.Append(plainMessages(fmt.Sprintf("m%d", i), 2)); err != nil {
			t.Fatalf("Append failed at %d: %v", i, err)
		}
	}
}

func assertOffsets(t *testing.T, messages []*storage.RetainedMessage, want ...uint64) {
	t.Helper()
	if len(messages) != len(want) {
		t.Fatalf("polled %d messages, want %d", len(messages), len(want))
	}
	for i, m := range messages {
		if m.Offset != want[i] {
			t.Errorf("messages[%d].Offset = %d, want %d", i, m.Offset, want[i])
		}
	}
}

func TestPartitionAppendAssignsDenseOffsets(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())

	first, last, err := p.Append(plainMessages("a", 3))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if first != 0 || last != 2 {
		t.Errorf("first batch range = [%d, %d], want [0, 2]", first, last)
	}

	first, last, err = p.Append(plainMessages("b", 2))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if first != 3 || last != 4 {
		t.Errorf("second batch range = [%d, %d], want [3, 4]", first, last)
	}

	// The second batch would have crossed the four-message cap, so it
	// landed whole in a freshly rolled segment.
	if got := p.SegmentCount(); got != 2 {
		t.Errorf("segment count = %d, want 2", got)
	}
	if current, ok := p.CurrentOffset(); !ok || current != 4 {
		t.Errorf("current offset = (%d, %v), want (4, true)", current, ok)
	}
	if got := p.MessageCount(); got != 5 {
		t.Errorf("message count = %d, want 5", got)
	}

	messages, err := p.Poll(PollingStrategy{Kind: PollFirst}, 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 0, 1, 2, 3, 4)
	for i, m := range messages {
		if m.ID.IsZero() {
			t.Errorf("messages[%d] has a zero id", i)
		}
		if m.Timestamp == 0 {
			t.Errorf("messages[%d] has no timestamp", i)
		}
		if m.State != storage.MessageStateAvailable {
			t.Errorf("messages[%d].State = %v", i, m.State)
		}
	}
}

func TestPartitionAppendEmptyBatch(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())
	if _, _, err := p.Append(nil); err != nil {
		t.Fatalf("Append of an empty batch failed: %v", err)
	}
	if _, ok := p.CurrentOffset(); ok {
		t.Errorf("empty batch changed the offset state")
	}
}

func TestPartitionAppendRejectsInvalidMessages(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())

	_, _, err := p.Append([]Message{{Payload: nil}})
	if !errors.Is(err, storage.ErrInvalidMessagePayloadLength) {
		t.Errorf("empty payload error = %v", err)
	}

	_, _, err = p.Append([]Message{{Payload: make([]byte, storage.MaxPayloadSize+1)}})
	if !errors.Is(err, storage.ErrInvalidMessagePayloadLength) {
		t.Errorf("oversized payload error = %v", err)
	}

	_, _, err = p.Append([]Message{{
		Headers: make([]byte, storage.MaxHeadersSize+1),
		Payload: []byte("x"),
	}})
	if !errors.Is(err, storage.ErrTooBigHeadersPayload) {
		t.Errorf("oversized headers error = %v", err)
	}

	// A batch with one bad message is rejected whole: the valid message
	// must not become visible.
	_, _, err = p.Append([]Message{
		{Payload: []byte("valid")},
		{Payload: nil},
	})
	if !errors.Is(err, storage.ErrInvalidMessagePayloadLength) {
		t.Errorf("mixed batch error = %v", err)
	}
	if _, ok := p.CurrentOffset(); ok {
		t.Errorf("rejected batches changed the offset state")
	}
	if got := p.MessageCount(); got != 0 {
		t.Errorf("message count = %d after rejected batches", got)
	}
}

func TestPartitionPollByOffset(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())
	appendPairs(t, p, 10) // segments at bases 0, 4 and 8

	if got := p.SegmentCount(); got != 3 {
		t.Fatalf("segment count = %d, want 3", got)
	}

	// Within one segment.
	messages, err := p.Poll(PollingStrategy{Kind: PollOffset, Value: 5}, 2)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 5, 6)

	// Across one segment boundary.
	messages, err = p.Poll(PollingStrategy{Kind: PollOffset, Value: 3}, 4)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 3, 4, 5, 6)

	// A poll crosses at most one boundary; the client re-polls from where
	// the batch ended.
	messages, err = p.Poll(PollingStrategy{Kind: PollFirst}, 100)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 0, 1, 2, 3, 4, 5, 6, 7)
	messages, err = p.Poll(PollingStrategy{Kind: PollOffset, Value: 8}, 100)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 8, 9)

	// Past the current offset.
	messages, err = p.Poll(PollingStrategy{Kind: PollOffset, Value: 10}, 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("polled %d messages past the end, want 0", len(messages))
	}

	// Zero count.
	messages, err = p.Poll(PollingStrategy{Kind: PollFirst}, 0)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("polled %d messages with count 0", len(messages))
	}

	if _, err := p.Poll(PollingStrategy{Kind: PollKind(99)}, 10); !errors.Is(err, ErrInvalidOffset) {
		t.Errorf("unknown strategy error = %v", err)
	}
}

func TestPartitionPollLast(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())
	appendPairs(t, p, 10)

	messages, err := p.Poll(PollingStrategy{Kind: PollLast, Value: 3}, 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 7, 8, 9)

	// Value zero falls back to the poll count.
	messages, err = p.Poll(PollingStrategy{Kind: PollLast}, 4)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 6, 7, 8, 9)

	// Asking for more than is retained starts at the first offset.
	messages, err = p.Poll(PollingStrategy{Kind: PollLast, Value: 50}, 100)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(messages) == 0 || messages[0].Offset != 0 {
		t.Errorf("oversized last poll starts at %v, want offset 0", messages)
	}
}

func TestPartitionPollByTimestamp(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())
	appendPairs(t, p, 10)

	all, err := p.Poll(PollingStrategy{Kind: PollFirst}, 100)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	// From the epoch: delivery starts at the first retained message.
	messages, err := p.Poll(PollingStrategy{Kind: PollTimestamp, Value: 0}, 100)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(messages) == 0 || messages[0].Offset != 0 {
		t.Fatalf("timestamp poll from 0 starts at %+v, want offset 0", messages)
	}

	// From a mid-log timestamp: everything delivered qualifies and the
	// stamped message itself is included.
	ts := all[4].Timestamp
	messages, err = p.Poll(PollingStrategy{Kind: PollTimestamp, Value: ts}, 100)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	found := false
	for i, m := range messages {
		if m.Timestamp < ts {
			t.Errorf("messages[%d].Timestamp = %d, want >= %d", i, m.Timestamp, ts)
		}
		if i > 0 && m.Offset != messages[i-1].Offset+1 {
			t.Errorf("messages out of order at %d", i)
		}
		if m.Offset == 4 {
			found = true
		}
	}
	if !found {
		t.Errorf("timestamp poll skipped the message the timestamp came from")
	}

	// Past the newest message. A single first-offset poll stops at a
	// segment boundary, so the newest timestamp comes from a last-1 poll.
	newest, err := p.Poll(PollingStrategy{Kind: PollLast, Value: 1}, 1)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(newest) != 1 || newest[0].Offset != 9 {
		t.Fatalf("newest poll = %+v, want offset 9", newest)
	}
	messages, err = p.Poll(PollingStrategy{Kind: PollTimestamp, Value: newest[0].Timestamp + 1}, 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("polled %d messages newer than the log, want 0", len(messages))
	}
}

func TestPartitionPollWithCache(t *testing.T) {
	cfg := testPartitionConfig()
	cfg.CacheEnabled = true
	cfg.CacheBytes = DefaultCacheBytes
	p := newTestPartition(t, cfg)
	appendPairs(t, p, 10)

	// Every message is still cached, so even a poll spanning what on disk
	// are three segments is served whole.
	messages, err := p.Poll(PollingStrategy{Kind: PollOffset, Value: 0}, 100)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	for i, m := range messages {
		want := fmt.Sprintf("m%d-%d", i/2*2, i%2)
		if string(m.Payload) != want {
			t.Errorf("messages[%d].Payload = %q, want %q", i, m.Payload, want)
		}
	}

	messages, err = p.Poll(PollingStrategy{Kind: PollOffset, Value: 42}, 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("polled %d messages past the end, want 0", len(messages))
	}
}

func TestPartitionRetentionByExpiry(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())
	appendPairs(t, p, 10) // bases 0, 4, 8; the segment at 8 is active

	p.SetRetention(time.Nanosecond, 0)
	dropped, err := p.EvaluateRetention(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("EvaluateRetention failed: %v", err)
	}
	if dropped != 2 {
		t.Errorf("dropped %d segments, want 2", dropped)
	}
	if got := p.SegmentCount(); got != 1 {
		t.Errorf("segment count = %d, want 1", got)
	}
	if got := p.MessageCount(); got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}
	if current, ok := p.CurrentOffset(); !ok || current != 9 {
		t.Errorf("current offset = (%d, %v), want (9, true)", current, ok)
	}

	// A start offset that predates retention is clamped to the oldest
	// retained message.
	messages, err := p.Poll(PollingStrategy{Kind: PollOffset, Value: 0}, 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 8, 9)
}

func TestPartitionRetentionBySize(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())
	appendPairs(t, p, 10)

	p.SetRetention(0, 1) // any closed byte is over budget
	dropped, err := p.EvaluateRetention(time.Now())
	if err != nil {
		t.Fatalf("EvaluateRetention failed: %v", err)
	}
	if dropped != 2 {
		t.Errorf("dropped %d segments, want 2", dropped)
	}
	if got := p.SegmentCount(); got != 1 {
		t.Errorf("segment count = %d, want 1", got)
	}
}

func TestPartitionRetentionSparesSoleSegment(t *testing.T) {
	p := newTestPartition(t, testPartitionConfig())
	if _, _, err := p.Append(plainMessages("only", 2)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	p.SetRetention(time.Nanosecond, 1)
	dropped, err := p.EvaluateRetention(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("EvaluateRetention failed: %v", err)
	}
	if dropped != 0 {
		t.Errorf("dropped %d segments from a single-segment partition", dropped)
	}
	if got := p.MessageCount(); got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}
}

func TestPartitionReload(t *testing.T) {
	dir := t.TempDir()
	cfg := testPartitionConfig()

	p, err := NewPartition(dir, 1, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	appendPairs(t, p, 10)
	if err := p.Flush(true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := LoadPartition(dir, 1, cfg, testLogger())
	if err != nil {
		t.Fatalf("LoadPartition failed: %v", err)
	}
	defer loaded.Close()

	if current, ok := loaded.CurrentOffset(); !ok || current != 9 {
		t.Errorf("current offset = (%d, %v), want (9, true)", current, ok)
	}
	if got := loaded.MessageCount(); got != 10 {
		t.Errorf("message count = %d, want 10", got)
	}
	if got := loaded.SegmentCount(); got != 3 {
		t.Errorf("segment count = %d, want 3", got)
	}

	messages, err := loaded.Poll(PollingStrategy{Kind: PollOffset, Value: 8}, 10)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	assertOffsets(t, messages, 8, 9)

	// The offset sequence continues where it left off.
	first, last, err := loaded.Append(plainMessages("after", 2))
	if err != nil {
		t.Fatalf("Append after reload failed: %v", err)
	}
	if first != 10 || last != 11 {
		t.Errorf("post-reload batch range = [%d, %d], want [10, 11]", first, last)
	}
}

func TestPartitionLoadEmptyDirectory(t *testing.T) {
	p, err := LoadPartition(t.TempDir(), 1, testPartitionConfig(), testLogger())
	if err != nil {
		t.Fatalf("LoadPartition failed: %v", err)
	}
	defer p.Close()

	if _, ok := p.CurrentOffset(); ok {
		t.Errorf("fresh partition reports an offset")
	}
	if got := p.SegmentCount(); got != 1 {
		t.Errorf("segment count = %d, want 1", got)
	}
}
