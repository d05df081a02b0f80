package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testSegmentConfig() SegmentConfig {
	cfg := DefaultSegmentConfig()
	cfg.IndexInterval = 1 // index every message so lookups are exact
	return cfg
}

// makeBatch builds count contiguous messages starting at startOffset, with
// timestamps spaced 10 microseconds apart from a fixed epoch.
func makeBatch(t *testing.T, startOffset uint64, count int) []*RetainedMessage {
	t.Helper()
	const epoch = 1_700_000_000_000_000
	batch := make([]*RetainedMessage, 0, count)
	for i := 0; i < count; i++ {
		offset := startOffset + uint64(i)
		payload := []byte(fmt.Sprintf("message-%d", offset))
		batch = append(batch, NewRetainedMessage(NewMessageID(), offset, epoch+offset*10, nil, payload))
	}
	return batch
}

func TestSegmentAppendAndReadFrom(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	batch := makeBatch(t, 0, 10)
	if err := seg.Append(batch); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if got := seg.MessageCount(); got != 10 {
		t.Errorf("message count = %d, want 10", got)
	}
	if got := seg.EndOffset(); got != 9 {
		t.Errorf("end offset = %d, want 9", got)
	}

	messages, err := seg.ReadFrom(3, 4, 0)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("read %d messages, want 4", len(messages))
	}
	for i, m := range messages {
		want := uint64(3 + i)
		if m.Offset != want {
			t.Errorf("messages[%d].Offset = %d, want %d", i, m.Offset, want)
		}
		if !bytes.Equal(m.Payload, batch[want].Payload) {
			t.Errorf("messages[%d] payload differs", i)
		}
	}
}

func TestSegmentReadPastEnd(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	if err := seg.Append(makeBatch(t, 0, 3)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	messages, err := seg.ReadFrom(100, 10, 0)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("read %d messages past the end, want 0", len(messages))
	}
}

func TestSegmentReadFromRespectsMaxBytes(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	batch := makeBatch(t, 0, 10)
	if err := seg.Append(batch); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Budget for exactly two messages.
	budget := batch[0].SizeOnDisk() + batch[1].SizeOnDisk()
	messages, err := seg.ReadFrom(0, 10, budget)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("read %d messages with a two-message budget, want 2", len(messages))
	}

	// A budget below one message still returns the first message.
	messages, err = seg.ReadFrom(0, 10, 1)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("read %d messages with a one-byte budget, want 1", len(messages))
	}
}

func TestSegmentReadFromTimestamp(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	batch := makeBatch(t, 0, 10)
	if err := seg.Append(batch); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Target between messages 4 and 5: the first qualifying message is 5.
	target := batch[4].Timestamp + 1
	messages, err := seg.ReadFromTimestamp(target, 100, 0)
	if err != nil {
		t.Fatalf("ReadFromTimestamp failed: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("read %d messages, want 5", len(messages))
	}
	if messages[0].Offset != 5 {
		t.Errorf("first offset = %d, want 5", messages[0].Offset)
	}

	// Exact timestamp match is included.
	messages, err = seg.ReadFromTimestamp(batch[7].Timestamp, 100, 0)
	if err != nil {
		t.Fatalf("ReadFromTimestamp failed: %v", err)
	}
	if len(messages) != 3 || messages[0].Offset != 7 {
		t.Errorf("read %d messages starting at %d, want 3 starting at 7",
			len(messages), messages[0].Offset)
	}

	// Target past the last timestamp returns nothing.
	messages, err = seg.ReadFromTimestamp(batch[9].Timestamp+1, 100, 0)
	if err != nil {
		t.Fatalf("ReadFromTimestamp failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("read %d messages past the last timestamp, want 0", len(messages))
	}
}

func TestSegmentIsFull(t *testing.T) {
	cfg := testSegmentConfig()
	cfg.MaxMessages = 5
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	// An empty segment is never full, whatever the batch looks like.
	if seg.IsFull(1<<30, 1<<30) {
		t.Errorf("empty segment reported full")
	}
	if err := seg.Append(makeBatch(t, 0, 5)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !seg.IsFull(1, 1) {
		t.Errorf("segment at its message cap not reported full")
	}
}

func TestSegmentAppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	if err := seg.Append(makeBatch(t, 0, 1)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seg.MarkClosed(); err != nil {
		t.Fatalf("MarkClosed failed: %v", err)
	}
	if err := seg.Append(makeBatch(t, 1, 1)); !errors.Is(err, ErrSegmentClosed) {
		t.Fatalf("err = %v, want ErrSegmentClosed", err)
	}
}

func TestSegmentFailedAppendLeavesIndexClean(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, testSegmentConfig())
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	if err := seg.Append(makeBatch(t, 0, 3)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	indexed := seg.index.Count()

	// Writes to a closed descriptor fail, standing in for a full disk.
	if err := seg.logFile.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}
	if err := seg.Append(makeBatch(t, 3, 2)); !errors.Is(err, ErrCannotAppendMessages) {
		t.Fatalf("err = %v, want ErrCannotAppendMessages", err)
	}

	// The failed batch must leave no trace: no index entries pointing past
	// the end of the log, no counter movement.
	if got := seg.index.Count(); got != indexed {
		t.Errorf("index entries = %d after failed append, want %d", got, indexed)
	}
	if entry, ok := seg.timeIndex.Last(); !ok || entry.RelativeOffset != 2 {
		t.Errorf("last time index entry = %+v, want relative offset 2", entry)
	}
	if got := seg.MessageCount(); got != 3 {
		t.Errorf("message count = %d after failed append, want 3", got)
	}
	if got := seg.EndOffset(); got != 2 {
		t.Errorf("end offset = %d after failed append, want 2", got)
	}
}

func TestSegmentReload(t *testing.T) {
	cfg := testSegmentConfig()
	dir := t.TempDir()
	seg, err := NewSegment(dir, 100, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	batch := makeBatch(t, 100, 20)
	if err := seg.Append(batch); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := LoadSegment(dir, 100, cfg)
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	defer loaded.Close()

	if got := loaded.BaseOffset(); got != 100 {
		t.Errorf("base offset = %d, want 100", got)
	}
	if got := loaded.EndOffset(); got != 119 {
		t.Errorf("end offset = %d, want 119", got)
	}
	if got := loaded.MessageCount(); got != 20 {
		t.Errorf("message count = %d, want 20", got)
	}
	if got := loaded.FirstTimestamp(); got != batch[0].Timestamp {
		t.Errorf("first timestamp = %d, want %d", got, batch[0].Timestamp)
	}
	if got := loaded.LastTimestamp(); got != batch[19].Timestamp {
		t.Errorf("last timestamp = %d, want %d", got, batch[19].Timestamp)
	}

	messages, err := loaded.ReadFrom(110, 5, 0)
	if err != nil {
		t.Fatalf("ReadFrom after reload failed: %v", err)
	}
	if len(messages) != 5 || messages[0].Offset != 110 {
		t.Fatalf("read %d messages starting at %d, want 5 starting at 110",
			len(messages), messages[0].Offset)
	}

	// Appends continue past the recovered end.
	if err := loaded.Append(makeBatch(t, 120, 1)); err != nil {
		t.Fatalf("Append after reload failed: %v", err)
	}
	if got := loaded.EndOffset(); got != 120 {
		t.Errorf("end offset after append = %d, want 120", got)
	}
}

func TestSegmentReloadTruncatesPartialRecord(t *testing.T) {
	cfg := testSegmentConfig()
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	if err := seg.Append(makeBatch(t, 0, 5)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash mid-write: a record with a length prefix promising
	// more bytes than the file holds.
	logPath := filepath.Join(dir, LogFileName(0))
	intactSize := int64(0)
	if stat, err := os.Stat(logPath); err == nil {
		intactSize = stat.Size()
	} else {
		t.Fatalf("stat log: %v", err)
	}
	partial := makeBatch(t, 5, 1)[0].AppendRecord(nil)
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write(partial[:len(partial)-3]); err != nil {
		t.Fatalf("write partial record: %v", err)
	}
	f.Close()

	loaded, err := LoadSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	defer loaded.Close()

	if got := loaded.EndOffset(); got != 4 {
		t.Errorf("end offset = %d, want 4", got)
	}
	if got := loaded.MessageCount(); got != 5 {
		t.Errorf("message count = %d, want 5", got)
	}
	stat, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat log after reload: %v", err)
	}
	if stat.Size() != intactSize {
		t.Errorf("log size = %d, want %d (partial record truncated)", stat.Size(), intactSize)
	}
}

func TestSegmentReloadRebuildsMissingIndex(t *testing.T) {
	cfg := testSegmentConfig()
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	if err := seg.Append(makeBatch(t, 0, 8)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, IndexFileName(0))); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	loaded, err := LoadSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	defer loaded.Close()

	if got := loaded.MessageCount(); got != 8 {
		t.Errorf("message count = %d, want 8", got)
	}
	messages, err := loaded.ReadFrom(6, 10, 0)
	if err != nil {
		t.Fatalf("ReadFrom after rebuild failed: %v", err)
	}
	if len(messages) != 2 || messages[0].Offset != 6 {
		t.Fatalf("read %d messages starting at %d, want 2 starting at 6",
			len(messages), messages[0].Offset)
	}
	// The rebuilt index is persisted.
	if _, err := os.Stat(filepath.Join(dir, IndexFileName(0))); err != nil {
		t.Errorf("rebuilt index file missing: %v", err)
	}
}

func TestSegmentReloadRebuildsCorruptIndex(t *testing.T) {
	cfg := testSegmentConfig()
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	if err := seg.Append(makeBatch(t, 0, 8)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Garbage of a non-entry-aligned size.
	if err := os.WriteFile(filepath.Join(dir, IndexFileName(0)), []byte("garbage"), 0644); err != nil {
		t.Fatalf("corrupt index: %v", err)
	}

	loaded, err := LoadSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	defer loaded.Close()

	if got := loaded.MessageCount(); got != 8 {
		t.Errorf("message count = %d, want 8", got)
	}
}

func TestSegmentFlushResetsUnsavedCounters(t *testing.T) {
	cfg := testSegmentConfig()
	cfg.MessagesRequiredToSave = 0
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	if err := seg.Append(makeBatch(t, 0, 4)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	seg.mu.RLock()
	unsynced := seg.notSyncedMessages
	seg.mu.RUnlock()
	if unsynced != 4 {
		t.Fatalf("unsynced messages = %d, want 4", unsynced)
	}

	if err := seg.Flush(true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	seg.mu.RLock()
	unsynced = seg.notSyncedMessages
	unsyncedBytes := seg.notSyncedBytes
	seg.mu.RUnlock()
	if unsynced != 0 || unsyncedBytes != 0 {
		t.Errorf("unsynced after flush = %d messages / %d bytes, want 0/0", unsynced, unsyncedBytes)
	}
}

func TestSegmentEnforceFsync(t *testing.T) {
	cfg := testSegmentConfig()
	cfg.EnforceFsync = true
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Close()

	if err := seg.Append(makeBatch(t, 0, 3)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	seg.mu.RLock()
	unsynced := seg.notSyncedMessages
	seg.mu.RUnlock()
	if unsynced != 0 {
		t.Errorf("unsynced messages = %d with fsync enforcement, want 0", unsynced)
	}
}

func TestSegmentDelete(t *testing.T) {
	cfg := testSegmentConfig()
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, cfg)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	if err := seg.Append(makeBatch(t, 0, 2)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := seg.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for _, name := range []string{LogFileName(0), IndexFileName(0), TimeIndexFileName(0)} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("file %s still exists after delete", name)
		}
	}
}
