// Package config provides the configuration schema and loader for the
// SpeechGuard gateway.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values can be written in the familiar
// "400ms" / "30s" form.
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "250ms" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Breakers   BreakersConfig   `yaml:"breakers"`
	Flow       FlowConfig       `yaml:"flow"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
}

// ServerConfig holds network and logging settings for the gateway process.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists origin patterns permitted to open WebSocket
	// sessions. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig describes the inference service and the retry policy used
// when forwarding audio batches to it.
type UpstreamConfig struct {
	// BaseURL is the inference service root (e.g., "http://asr.internal:8000").
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as X-API-Key on every forwarded request.
	APIKey string `yaml:"api_key"`

	// RequestTimeout bounds a single forward attempt. Zero means 10s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// MaxRetries is the number of retries after the first attempt. Zero means
	// the default of 2; -1 disables retries.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first retry delay; later retries double it.
	// Zero means 100ms.
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
}

// BreakersConfig holds the two independent circuit breakers: one guarding
// audio forwarding, one guarding health probes.
type BreakersConfig struct {
	Main   BreakerConfig `yaml:"main"`
	Health BreakerConfig `yaml:"health"`
}

// BreakerConfig tunes one circuit breaker. Zero values fall back to the
// breaker package defaults.
type BreakerConfig struct {
	// Disabled turns the breaker into a pass-through that still records
	// metrics and events.
	Disabled bool `yaml:"disabled"`

	// FailureThreshold trips the breaker on this many recorded failures.
	FailureThreshold int64 `yaml:"failure_threshold"`

	// RequestVolumeThreshold is the minimum number of calls before the
	// rate-based rules apply.
	RequestVolumeThreshold int64 `yaml:"request_volume_threshold"`

	// ErrorPercentageThreshold trips the breaker when the failure rate
	// reaches this percentage, once the volume threshold is met.
	ErrorPercentageThreshold int64 `yaml:"error_percentage_threshold"`

	// SlowCallDurationThreshold marks calls slower than this as slow.
	SlowCallDurationThreshold Duration `yaml:"slow_call_duration_threshold"`

	// SlowCallPercentageThreshold trips the breaker when the slow-call rate
	// reaches this percentage, once the volume threshold is met.
	SlowCallPercentageThreshold int64 `yaml:"slow_call_percentage_threshold"`

	// ResetTimeout is how long the breaker stays open before a half-open probe.
	ResetTimeout Duration `yaml:"reset_timeout"`

	// EventBufferSize bounds the retained breaker event history.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// FlowConfig tunes the adaptive flow controller.
type FlowConfig struct {
	// Interval is the probe cadence. Zero means 10s.
	Interval Duration `yaml:"interval"`

	// TargetLatency is the round-trip latency the controller sizes buffers
	// against. Zero means 300ms.
	TargetLatency Duration `yaml:"target_latency"`

	// HistorySize bounds the retained sample window. Zero means 32.
	HistorySize int `yaml:"history_size"`

	// ProbeBytes is the synthetic payload size used for throughput probes.
	// Zero means 3200 (100ms of 16 kHz PCM).
	ProbeBytes int `yaml:"probe_bytes"`
}

// AggregatorConfig tunes per-session audio batching.
type AggregatorConfig struct {
	// FlushWindow bounds how long a batch accumulates before it is forwarded.
	// Zero means 400ms.
	FlushWindow Duration `yaml:"flush_window"`
}
