// Package config loads and validates the server configuration: a YAML file
// with IGGY_-prefixed environment overrides layered on top.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ilikepi63/iggy/internal/storage"
	"github.com/ilikepi63/iggy/internal/streaming"
)

// Config is the full server configuration.
type Config struct {
	DataRoot string `yaml:"data_root"`

	Segment   SegmentConfig   `yaml:"segment"`
	Partition PartitionConfig `yaml:"partition"`
	Topic     TopicConfig     `yaml:"topic"`
	System    SystemConfig    `yaml:"system"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	TCP       TCPConfig       `yaml:"tcp"`
	HTTP      HTTPConfig      `yaml:"http"`

	LogLevel string `yaml:"log_level"`
}

// SegmentConfig controls segment files.
type SegmentConfig struct {
	Size                   uint64 `yaml:"size"`
	MessagesRequiredToSave uint32 `yaml:"messages_required_to_save"`
	IndexInterval          uint32 `yaml:"index_interval"`
}

// PartitionConfig controls partition durability.
type PartitionConfig struct {
	EnforceFsync       bool   `yaml:"enforce_fsync"`
	UnsavedBufferBytes uint64 `yaml:"unsaved_buffer_bytes"`
	FlushIntervalMs    uint32 `yaml:"flush_interval_ms"`
}

// TopicConfig carries the defaults applied to topics created without
// explicit settings.
type TopicConfig struct {
	MaxSize           uint64 `yaml:"max_size"`
	MessageExpirySecs uint64 `yaml:"message_expiry"`
	Compression       string `yaml:"compression"`
}

// SystemConfig controls engine-wide behavior.
type SystemConfig struct {
	Cache                    CacheConfig `yaml:"cache"`
	RetentionCheckIntervalMs uint32      `yaml:"retention_check_interval_ms"`
}

// CacheConfig controls the per-partition tail cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Size    uint64 `yaml:"size"`
}

// RateLimitConfig throttles TCP connections.
type RateLimitConfig struct {
	BytesPerSecond uint64 `yaml:"bytes_per_second"`
}

// TCPConfig configures the binary protocol listener.
type TCPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	MaxFrameSize uint32 `yaml:"max_frame_size"`
	RequireAuth  bool   `yaml:"require_auth"`
}

// HTTPConfig configures the HTTP gateway.
type HTTPConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Addr             string `yaml:"addr"`
	ReadTimeoutSecs  uint32 `yaml:"read_timeout"`
	WriteTimeoutSecs uint32 `yaml:"write_timeout"`
	IdleTimeoutSecs  uint32 `yaml:"idle_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataRoot: "local_data",
		Segment: SegmentConfig{
			Size:                   storage.DefaultSegmentSize,
			MessagesRequiredToSave: 10_000,
			IndexInterval:          storage.DefaultIndexInterval,
		},
		Partition: PartitionConfig{
			EnforceFsync:       false,
			UnsavedBufferBytes: storage.DefaultUnsavedBufferSize,
			FlushIntervalMs:    1000,
		},
		Topic: TopicConfig{
			Compression: "none",
		},
		System: SystemConfig{
			Cache: CacheConfig{
				Enabled: true,
				Size:    streaming.DefaultCacheBytes,
			},
			RetentionCheckIntervalMs: 60_000,
		},
		TCP: TCPConfig{
			Enabled: true,
			Addr:    ":8090",
		},
		HTTP: HTTPConfig{
			Enabled:          true,
			Addr:             ":3000",
			ReadTimeoutSecs:  30,
			WriteTimeoutSecs: 30,
			IdleTimeoutSecs:  60,
		},
		LogLevel: "info",
	}
}

// Load reads the configuration: defaults, then the YAML file if path is
// non-empty, then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays IGGY_ environment variables. The variable name is the
// uppercased key path with separators replaced by underscores, e.g.
// segment.messages_required_to_save becomes IGGY_SEGMENT_MESSAGES_REQUIRED_TO_SAVE.
func (c *Config) applyEnv() error {
	for _, o := range []struct {
		name  string
		apply func(string) error
	}{
		{"IGGY_DATA_ROOT", func(v string) error { c.DataRoot = v; return nil }},
		{"IGGY_LOG_LEVEL", func(v string) error { c.LogLevel = v; return nil }},
		{"IGGY_SEGMENT_SIZE", envUint64(&c.Segment.Size)},
		{"IGGY_SEGMENT_MESSAGES_REQUIRED_TO_SAVE", envUint32(&c.Segment.MessagesRequiredToSave)},
		{"IGGY_SEGMENT_INDEX_INTERVAL", envUint32(&c.Segment.IndexInterval)},
		{"IGGY_PARTITION_ENFORCE_FSYNC", envBool(&c.Partition.EnforceFsync)},
		{"IGGY_PARTITION_UNSAVED_BUFFER_BYTES", envUint64(&c.Partition.UnsavedBufferBytes)},
		{"IGGY_PARTITION_FLUSH_INTERVAL_MS", envUint32(&c.Partition.FlushIntervalMs)},
		{"IGGY_TOPIC_MAX_SIZE", envUint64(&c.Topic.MaxSize)},
		{"IGGY_TOPIC_MESSAGE_EXPIRY", envUint64(&c.Topic.MessageExpirySecs)},
		{"IGGY_TOPIC_COMPRESSION", func(v string) error { c.Topic.Compression = v; return nil }},
		{"IGGY_SYSTEM_CACHE_ENABLED", envBool(&c.System.Cache.Enabled)},
		{"IGGY_SYSTEM_CACHE_SIZE", envUint64(&c.System.Cache.Size)},
		{"IGGY_RATE_LIMIT_BYTES_PER_SECOND", envUint64(&c.RateLimit.BytesPerSecond)},
		{"IGGY_TCP_ADDR", func(v string) error { c.TCP.Addr = v; return nil }},
		{"IGGY_HTTP_ADDR", func(v string) error { c.HTTP.Addr = v; return nil }},
	} {
		v, ok := os.LookupEnv(o.name)
		if !ok {
			continue
		}
		if err := o.apply(v); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return nil
}

func envUint64(dst *uint64) func(string) error {
	return func(v string) error {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	}
}

func envUint32(dst *uint32) func(string) error {
	return func(v string) error {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		*dst = uint32(parsed)
		return nil
	}
}

func envBool(dst *bool) func(string) error {
	return func(v string) error {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	}
}

// ValidationError collects every problem found so the operator can fix the
// whole file in one pass.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}
	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs []string

	if c.DataRoot == "" {
		errs = append(errs, "data_root: must not be empty")
	}
	if c.Segment.Size == 0 {
		errs = append(errs, "segment.size: must be positive")
	}
	if c.Segment.Size < storage.RecordLengthSize+storage.RecordHeaderSize {
		errs = append(errs, "segment.size: smaller than a single record header")
	}
	// The segment store tracks sizes in 32 bits.
	if c.Segment.Size > math.MaxUint32 {
		errs = append(errs, fmt.Sprintf("segment.size: %d exceeds the %d byte maximum", c.Segment.Size, uint64(math.MaxUint32)))
	}
	if c.Partition.UnsavedBufferBytes > math.MaxUint32 {
		errs = append(errs, fmt.Sprintf("partition.unsaved_buffer_bytes: %d exceeds the %d byte maximum", c.Partition.UnsavedBufferBytes, uint64(math.MaxUint32)))
	}
	if c.Segment.IndexInterval == 0 {
		errs = append(errs, "segment.index_interval: must be positive")
	}
	if _, err := streaming.ParseCompressionKind(c.Topic.Compression); err != nil {
		errs = append(errs, fmt.Sprintf("topic.compression: %v", err))
	}
	if c.System.Cache.Enabled && c.System.Cache.Size == 0 {
		errs = append(errs, "system.cache.size: must be positive when the cache is enabled")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level: unknown level %q", c.LogLevel))
	}
	if c.TCP.Enabled && c.TCP.Addr == "" {
		errs = append(errs, "tcp.addr: must not be empty when the TCP server is enabled")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, "http.addr: must not be empty when the HTTP server is enabled")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// EngineConfig converts the file representation to the engine configuration.
func (c Config) EngineConfig() streaming.SystemConfig {
	return streaming.SystemConfig{
		DataRoot: c.DataRoot,
		Segment: storage.SegmentConfig{
			Size:                   uint32(c.Segment.Size),
			MaxMessages:            storage.DefaultSegmentMaxMessages,
			IndexInterval:          c.Segment.IndexInterval,
			UnsavedBufferSize:      uint32(c.Partition.UnsavedBufferBytes),
			MessagesRequiredToSave: c.Segment.MessagesRequiredToSave,
			EnforceFsync:           c.Partition.EnforceFsync,
		},
		CacheEnabled:           c.System.Cache.Enabled,
		CacheBytes:             c.System.Cache.Size,
		FlushInterval:          time.Duration(c.Partition.FlushIntervalMs) * time.Millisecond,
		RetentionCheckInterval: time.Duration(c.System.RetentionCheckIntervalMs) * time.Millisecond,
	}
}

// Level converts the configured log level to a slog level.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
