package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":8080"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in the
// listen address default. It returns a joined error listing all validation
// failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Upstream
	if cfg.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	} else if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url %q is not a valid http(s) URL", cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; requests will be sent unauthenticated")
	}
	if cfg.Upstream.MaxRetries < -1 {
		errs = append(errs, fmt.Errorf("upstream.max_retries %d is invalid; use -1 to disable retries", cfg.Upstream.MaxRetries))
	}
	if cfg.Upstream.RequestTimeout < 0 {
		errs = append(errs, errors.New("upstream.request_timeout must not be negative"))
	}
	if cfg.Upstream.RetryBaseDelay < 0 {
		errs = append(errs, errors.New("upstream.retry_base_delay must not be negative"))
	}

	// Breakers
	errs = append(errs, validateBreaker("breakers.main", &cfg.Breakers.Main)...)
	errs = append(errs, validateBreaker("breakers.health", &cfg.Breakers.Health)...)

	// Flow
	if cfg.Flow.Interval < 0 {
		errs = append(errs, errors.New("flow.interval must not be negative"))
	}
	if cfg.Flow.TargetLatency < 0 {
		errs = append(errs, errors.New("flow.target_latency must not be negative"))
	}
	if cfg.Flow.HistorySize < 0 {
		errs = append(errs, errors.New("flow.history_size must not be negative"))
	}
	if cfg.Flow.ProbeBytes < 0 {
		errs = append(errs, errors.New("flow.probe_bytes must not be negative"))
	}

	// Aggregator
	if cfg.Aggregator.FlushWindow < 0 {
		errs = append(errs, errors.New("aggregator.flush_window must not be negative"))
	}

	return errors.Join(errs...)
}

// validateBreaker checks one breaker block. prefix names the block in error
// messages.
func validateBreaker(prefix string, b *BreakerConfig) []error {
	var errs []error
	if b.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s.failure_threshold must not be negative", prefix))
	}
	if b.RequestVolumeThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s.request_volume_threshold must not be negative", prefix))
	}
	if b.ErrorPercentageThreshold < 0 || b.ErrorPercentageThreshold > 100 {
		errs = append(errs, fmt.Errorf("%s.error_percentage_threshold %d is out of range [0, 100]", prefix, b.ErrorPercentageThreshold))
	}
	if b.SlowCallPercentageThreshold < 0 || b.SlowCallPercentageThreshold > 100 {
		errs = append(errs, fmt.Errorf("%s.slow_call_percentage_threshold %d is out of range [0, 100]", prefix, b.SlowCallPercentageThreshold))
	}
	if b.SlowCallDurationThreshold < 0 {
		errs = append(errs, fmt.Errorf("%s.slow_call_duration_threshold must not be negative", prefix))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout must not be negative", prefix))
	}
	if b.EventBufferSize < 0 {
		errs = append(errs, fmt.Errorf("%s.event_buffer_size must not be negative", prefix))
	}
	return errs
}
