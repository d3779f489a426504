// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig is the full configuration for the tlspump-proxy demo binary:
// which side of the handshake to take, where the mTLS material lives, how
// the ciphertext side is transported, and the ambient knobs (rate limiting,
// the plaintext sink, stats reporting, logging).
type ProxyConfig struct {
	Mode     string         `yaml:"mode"` // "listen" or "dial"
	Listen   string         `yaml:"listen"`
	Dial     string         `yaml:"dial"`
	TLS      TLSInfo        `yaml:"tls"`
	Transport TransportInfo `yaml:"transport"`
	Sink     SinkInfo       `yaml:"sink"`
	RateLimit RateLimitInfo `yaml:"rate_limit"`
	Stats    StatsInfo      `yaml:"stats"`
	Logging  LoggingInfo    `yaml:"logging"`
}

// TLSInfo contains the mTLS certificate paths. The same fields serve
// either a server (ServerCert/ServerKey) or a client (ClientCert/ClientKey)
// depending on Mode.
type TLSInfo struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	// ALPNProtocols, if set, is offered/accepted during the handshake in
	// order; tlsengine surfaces whatever was negotiated on its ALPN future.
	ALPNProtocols []string `yaml:"alpn_protocols"`
}

// TransportInfo configures the smux session multiplexer carrying ciphertext
// for one or more pump sessions over a single TCP connection.
type TransportInfo struct {
	// KeepAliveInterval governs the smux session's keep-alive probes.
	// "0" or empty disables the override and uses smux's own default.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	// MaxFrameSize caps a single smux frame; "0" uses smux's own default.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// SinkInfo configures the plaintext downstream: either "stdout" (the
// default, used for quick manual testing) or "s3", which gzips and
// uploads decrypted application bytes to an object storage bucket.
type SinkInfo struct {
	Kind            string `yaml:"kind"` // "stdout" | "s3"
	S3Bucket        string `yaml:"s3_bucket"`
	S3Prefix        string `yaml:"s3_prefix"`
	S3Region        string `yaml:"s3_region"`
	FlushBufferSize string `yaml:"flush_buffer_size"` // ex: "4mb" (default: 4mb)
	FlushBufferRaw  int64  `yaml:"-"`
}

// RateLimitInfo configures the token-bucket limiter wrapping the plaintext
// sink. BytesPerSecond == "0" or empty disables rate limiting.
type RateLimitInfo struct {
	BytesPerSecond string `yaml:"bytes_per_second"` // ex: "10mb"
	BytesPerSecondRaw int64 `yaml:"-"`
	Burst          string `yaml:"burst"` // ex: "1mb" (default: BytesPerSecondRaw)
	BurstRaw       int64  `yaml:"-"`
}

// StatsInfo configures the periodic system/pump stats reporter.
type StatsInfo struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, default "@every 30s"
}

// LoggingInfo configures the ambient slog logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// SessionLogDir, if set, gets one dedicated DEBUG-level log file per pump
	// session under SessionLogDir/<role>/<sessionID>.log, in addition to the
	// level-filtered ambient logger above. Empty disables per-session files.
	SessionLogDir string `yaml:"session_log_dir"`
}

// Load reads and validates the proxy's YAML configuration file.
func Load(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading proxy config: %w", err)
	}

	var cfg ProxyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing proxy config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating proxy config: %w", err)
	}
	return &cfg, nil
}

func (c *ProxyConfig) validate() error {
	switch c.Mode {
	case "listen":
		if c.Listen == "" {
			return fmt.Errorf("listen is required when mode is \"listen\"")
		}
		if c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.server_cert and tls.server_key are required when mode is \"listen\"")
		}
	case "dial":
		if c.Dial == "" {
			return fmt.Errorf("dial is required when mode is \"dial\"")
		}
		if c.TLS.ClientCert == "" || c.TLS.ClientKey == "" {
			return fmt.Errorf("tls.client_cert and tls.client_key are required when mode is \"dial\"")
		}
	default:
		return fmt.Errorf("mode must be \"listen\" or \"dial\", got %q", c.Mode)
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}

	if c.Sink.Kind == "" {
		c.Sink.Kind = "stdout"
	}
	if c.Sink.Kind != "stdout" && c.Sink.Kind != "s3" {
		return fmt.Errorf("sink.kind must be \"stdout\" or \"s3\", got %q", c.Sink.Kind)
	}
	if c.Sink.Kind == "s3" && c.Sink.S3Bucket == "" {
		return fmt.Errorf("sink.s3_bucket is required when sink.kind is \"s3\"")
	}
	if c.Sink.FlushBufferSize == "" {
		c.Sink.FlushBufferSize = "4mb"
	}
	flushParsed, err := ParseByteSize(c.Sink.FlushBufferSize)
	if err != nil {
		return fmt.Errorf("sink.flush_buffer_size: %w", err)
	}
	c.Sink.FlushBufferRaw = flushParsed

	if c.RateLimit.BytesPerSecond == "" || c.RateLimit.BytesPerSecond == "0" {
		c.RateLimit.BytesPerSecondRaw = 0
	} else {
		parsed, err := ParseByteSize(c.RateLimit.BytesPerSecond)
		if err != nil {
			return fmt.Errorf("rate_limit.bytes_per_second: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("rate_limit.bytes_per_second must be > 0 or \"0\" to disable, got %s", c.RateLimit.BytesPerSecond)
		}
		c.RateLimit.BytesPerSecondRaw = parsed

		if c.RateLimit.Burst == "" {
			c.RateLimit.BurstRaw = parsed
		} else {
			burstParsed, err := ParseByteSize(c.RateLimit.Burst)
			if err != nil {
				return fmt.Errorf("rate_limit.burst: %w", err)
			}
			c.RateLimit.BurstRaw = burstParsed
		}
	}

	if c.Stats.Schedule == "" {
		c.Stats.Schedule = "@every 30s"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts a human-readable size string such as "256mb" or
// "1gb" into bytes. A bare number is interpreted as a byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest suffix first so "mb" never matches as "b".
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
