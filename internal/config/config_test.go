package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataRoot != "local_data" {
		t.Errorf("data root = %q", cfg.DataRoot)
	}
	if !cfg.System.Cache.Enabled || cfg.System.Cache.Size == 0 {
		t.Errorf("cache defaults = %+v", cfg.System.Cache)
	}
	if cfg.Topic.Compression != "none" {
		t.Errorf("compression default = %q", cfg.Topic.Compression)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_root: /var/lib/iggy
segment:
  size: 4096
  messages_required_to_save: 50
  index_interval: 1024
partition:
  enforce_fsync: true
  unsaved_buffer_bytes: 65536
  flush_interval_ms: 250
topic:
  max_size: 1048576
  message_expiry: 3600
  compression: gzip
system:
  cache:
    enabled: false
  retention_check_interval_ms: 5000
rate_limit:
  bytes_per_second: 1000
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataRoot != "/var/lib/iggy" {
		t.Errorf("data_root = %q", cfg.DataRoot)
	}
	if cfg.Segment.Size != 4096 || cfg.Segment.MessagesRequiredToSave != 50 || cfg.Segment.IndexInterval != 1024 {
		t.Errorf("segment = %+v", cfg.Segment)
	}
	if !cfg.Partition.EnforceFsync || cfg.Partition.FlushIntervalMs != 250 {
		t.Errorf("partition = %+v", cfg.Partition)
	}
	if cfg.RateLimit.BytesPerSecond != 1000 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}

	engine := cfg.EngineConfig()
	if engine.Segment.Size != 4096 || !engine.Segment.EnforceFsync {
		t.Errorf("engine segment = %+v", engine.Segment)
	}
	if engine.FlushInterval != 250*time.Millisecond {
		t.Errorf("flush interval = %v", engine.FlushInterval)
	}
	if engine.RetentionCheckInterval != 5*time.Second {
		t.Errorf("retention interval = %v", engine.RetentionCheckInterval)
	}
	if engine.CacheEnabled {
		t.Errorf("cache should be disabled")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IGGY_DATA_ROOT", "/data/env")
	t.Setenv("IGGY_SEGMENT_SIZE", "8192")
	t.Setenv("IGGY_PARTITION_ENFORCE_FSYNC", "true")
	t.Setenv("IGGY_RATE_LIMIT_BYTES_PER_SECOND", "2048")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataRoot != "/data/env" {
		t.Errorf("data_root = %q", cfg.DataRoot)
	}
	if cfg.Segment.Size != 8192 {
		t.Errorf("segment.size = %d", cfg.Segment.Size)
	}
	if !cfg.Partition.EnforceFsync {
		t.Errorf("enforce_fsync not applied")
	}
	if cfg.RateLimit.BytesPerSecond != 2048 {
		t.Errorf("rate limit = %d", cfg.RateLimit.BytesPerSecond)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("IGGY_SEGMENT_SIZE", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Fatalf("Load accepted a bad env value")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = ""
	cfg.Segment.Size = 0
	cfg.Topic.Compression = "zstd"
	cfg.LogLevel = "trace"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("Validate accepted a broken config")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type %T, want *ValidationError", err)
	}
	if len(verr.Errors) < 4 {
		t.Errorf("collected %d errors, want at least 4: %v", len(verr.Errors), verr.Errors)
	}
	for _, want := range []string{"data_root", "segment.size", "topic.compression", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error message missing %q: %s", want, err)
		}
	}
}

func TestEngineConfigPreservesSizes(t *testing.T) {
	cfg := Default()
	cfg.Segment.Size = 1 << 31
	cfg.Partition.UnsavedBufferBytes = 1 << 24
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate rejected in-range sizes: %v", err)
	}

	engine := cfg.EngineConfig()
	if got := uint64(engine.Segment.Size); got != cfg.Segment.Size {
		t.Errorf("engine segment size = %d, want %d", got, cfg.Segment.Size)
	}
	if got := uint64(engine.Segment.UnsavedBufferSize); got != cfg.Partition.UnsavedBufferBytes {
		t.Errorf("engine unsaved buffer = %d, want %d", got, cfg.Partition.UnsavedBufferBytes)
	}
}

func TestValidateRejectsOversizedSizes(t *testing.T) {
	cfg := Default()
	cfg.Segment.Size = math.MaxUint32 + 1
	cfg.Partition.UnsavedBufferBytes = math.MaxUint32 + 1

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("Validate accepted sizes past 32 bits")
	}
	for _, want := range []string{"segment.size", "partition.unsaved_buffer_bytes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error message missing %q: %s", want, err)
		}
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "data_root: [not: a: string\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted malformed YAML")
	}

	path = writeConfig(t, "topic:\n  compression: lz4\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted unknown compression")
	}
}
