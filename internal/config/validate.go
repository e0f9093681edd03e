package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/wsmux/internal/protocol"
)

// Validate checks that all values are valid. Defaults must be applied
// first.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if err := c.Connection.validate("connection"); err != nil {
		return err
	}

	if c.Dispatch.FlushInterval < 0 {
		return errors.New("dispatch.flush_interval must be >= 0")
	}
	if c.Dispatch.PressureThreshold < 1 {
		return errors.New("dispatch.pressure_threshold must be >= 1")
	}
	if c.Dispatch.MaxBatch < 0 {
		return errors.New("dispatch.max_batch must be >= 0")
	}

	if c.Mux.SubscribeTimeout <= 0 {
		return errors.New("mux.subscribe_timeout must be > 0")
	}
	if c.Mux.DedupWindow < 0 {
		return errors.New("mux.dedup_window must be >= 0")
	}

	for i, sub := range c.Subscriptions {
		prefix := fmt.Sprintf("subscriptions[%d]", i)
		if sub.Endpoint == "" {
			return fmt.Errorf("%s.endpoint is required", prefix)
		}
		if !strings.HasPrefix(sub.Endpoint, "ws://") && !strings.HasPrefix(sub.Endpoint, "wss://") {
			return fmt.Errorf("%s.endpoint must be a ws:// or wss:// URL, got %q", prefix, sub.Endpoint)
		}
		if sub.Channel == "" {
			return fmt.Errorf("%s.channel is required", prefix)
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

// ValidateRecorder checks the settings the recorder needs on top of
// Validate.
func (c *Config) ValidateRecorder() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Subscriptions) == 0 {
		return errors.New("subscriptions must not be empty")
	}
	if err := c.Recorder.Database.validate("recorder.database"); err != nil {
		return err
	}
	if c.Recorder.Table == "" {
		return errors.New("recorder.table is required")
	}
	if c.Recorder.BatchSize < 1 {
		return errors.New("recorder.batch_size must be >= 1")
	}
	if c.Recorder.BufferSize < 1 {
		return errors.New("recorder.buffer_size must be >= 1")
	}
	if c.Recorder.FlushInterval <= 0 {
		return errors.New("recorder.flush_interval must be > 0")
	}
	return nil
}

func (cc *ConnectionConfig) validate(prefix string) error {
	if cc.MaxRetries < 1 {
		return fmt.Errorf("%s.max_retries must be >= 1", prefix)
	}
	if cc.RetryDelay <= 0 {
		return fmt.Errorf("%s.retry_delay must be > 0", prefix)
	}
	if cc.BackoffMultiplier < 1 {
		return fmt.Errorf("%s.backoff_multiplier must be >= 1, got %g", prefix, cc.BackoffMultiplier)
	}
	if cc.MaxRetryDelay < cc.RetryDelay {
		return fmt.Errorf("%s.max_retry_delay (%s) cannot be less than retry_delay (%s)", prefix, cc.MaxRetryDelay, cc.RetryDelay)
	}
	if cc.HeartbeatInterval < 0 {
		return fmt.Errorf("%s.heartbeat_interval must be >= 0", prefix)
	}
	if cc.ConnectTimeout <= 0 {
		return fmt.Errorf("%s.connect_timeout must be > 0", prefix)
	}
	if cc.BufferSize < 1 {
		return fmt.Errorf("%s.buffer_size must be >= 1", prefix)
	}
	if _, err := protocol.CodecFor(cc.Codec); err != nil {
		return fmt.Errorf("%s.codec: %w", prefix, err)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
