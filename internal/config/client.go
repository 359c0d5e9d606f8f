// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads the client library's YAML configuration,
// applying defaults after unmarshal the same way the source repo's
// agent/server loaders do.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the full configuration for one audiocore client
// instance (spec §6 "Environment" plus the ambient concerns this
// rewrite adds: diagnostics export and watchdog tuning).
type ClientConfig struct {
	RuntimeDir     string         `yaml:"runtime_dir"`     // overrides $XDG_RUNTIME_DIR-style default
	ConnectionType string         `yaml:"connection_type"` // selects the socket filename under RuntimeDir
	Stream         StreamDefaults `yaml:"stream"`
	Diagnostics    Diagnostics    `yaml:"diagnostics"`
	Watchdog       Watchdog       `yaml:"watchdog"`
	Logging        LoggingInfo    `yaml:"logging"`
}

// StreamDefaults seed new streams that don't override them explicitly.
type StreamDefaults struct {
	BufferFrames      uint32 `yaml:"buffer_frames"`
	CallbackThreshold uint32 `yaml:"callback_threshold"`
}

// Diagnostics controls the optional debug-info export pipeline
// (internal/diag): compression codec, and an optional S3 destination.
type Diagnostics struct {
	Enabled    bool          `yaml:"enabled"`
	Codec      string        `yaml:"codec"` // "gzip", "zstd"
	OutputDir  string        `yaml:"output_dir"`
	S3Bucket   string        `yaml:"s3_bucket"` // empty disables upload
	S3Region   string        `yaml:"s3_region"`
	S3Prefix   string        `yaml:"s3_prefix"`
	UploadTime time.Duration `yaml:"upload_timeout"`
}

// Watchdog tunes the cron-driven fallback socket recheck and the
// reconnect/event throttle (internal/watchdog).
type Watchdog struct {
	FallbackPollCron string        `yaml:"fallback_poll_cron"`
	ReconnectBurst   int           `yaml:"reconnect_burst"`
	ReconnectPerSec  float64       `yaml:"reconnect_per_second"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
}

// LoggingInfo mirrors the source repo's logging block.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultConnectionType names the socket file used when none is set.
const DefaultConnectionType = "audio"

// LoadClientConfig reads and validates the YAML configuration file at
// path, applying defaults for anything left unset.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) applyDefaults() error {
	if c.ConnectionType == "" {
		c.ConnectionType = DefaultConnectionType
	}

	if c.Stream.BufferFrames == 0 {
		c.Stream.BufferFrames = 8192
	}
	if c.Stream.CallbackThreshold == 0 {
		c.Stream.CallbackThreshold = 480
	}
	if c.Stream.CallbackThreshold > c.Stream.BufferFrames {
		return fmt.Errorf("stream.callback_threshold (%d) must not exceed stream.buffer_frames (%d)",
			c.Stream.CallbackThreshold, c.Stream.BufferFrames)
	}

	if c.Diagnostics.Enabled {
		if c.Diagnostics.Codec == "" {
			c.Diagnostics.Codec = "zstd"
		}
		if c.Diagnostics.Codec != "zstd" && c.Diagnostics.Codec != "gzip" {
			return fmt.Errorf("diagnostics.codec must be zstd or gzip, got %q", c.Diagnostics.Codec)
		}
		if c.Diagnostics.OutputDir == "" {
			return fmt.Errorf("diagnostics.output_dir is required when diagnostics.enabled is true")
		}
		if c.Diagnostics.UploadTime <= 0 {
			c.Diagnostics.UploadTime = 30 * time.Second
		}
	}

	if c.Watchdog.FallbackPollCron == "" {
		c.Watchdog.FallbackPollCron = "@every 30s"
	}
	if c.Watchdog.ReconnectBurst <= 0 {
		c.Watchdog.ReconnectBurst = 1
	}
	if c.Watchdog.ReconnectPerSec <= 0 {
		c.Watchdog.ReconnectPerSec = 0.2 // one reconnect attempt every 5s, sustained
	}
	if c.Watchdog.StatsInterval <= 0 {
		c.Watchdog.StatsInterval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb" or "1gb"
// into bytes. No configuration field in this package is parsed with
// it; it is exported for callers that express sizes this way.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
