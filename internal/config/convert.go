package config

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/dispatch"
	"github.com/rickgao/wsmux/internal/mux"
	"github.com/rickgao/wsmux/internal/recorder"
)

// Options converts the connection section into connection options.
func (cc ConnectionConfig) Options() connection.Options {
	reconnect := true
	if cc.Reconnect != nil {
		reconnect = *cc.Reconnect
	}
	heartbeat := cc.HeartbeatInterval
	if cc.DisableHeartbeat {
		heartbeat = 0
	}

	return connection.Options{
		Reconnect:         reconnect,
		MaxRetries:        cc.MaxRetries,
		RetryDelay:        cc.RetryDelay,
		BackoffMultiplier: cc.BackoffMultiplier,
		MaxRetryDelay:     cc.MaxRetryDelay,
		HeartbeatInterval: heartbeat,
		PingTimeout:       cc.PingTimeout,
		ConnectTimeout:    cc.ConnectTimeout,
		WriteTimeout:      cc.WriteTimeout,
		BufferSize:        cc.BufferSize,
		KeepAlive:         cc.KeepAlive,
		Codec:             cc.Codec,
	}
}

// Options returns the connection options for one subscription: the
// connection section plus the subscription's connection name.
func (sc SubscriptionConfig) Options(cc ConnectionConfig) connection.Options {
	opts := cc.Options()
	opts.Name = sc.Name
	return opts
}

// RecorderConfig builds the recorder settings.
func (c *Config) RecorderConfig() recorder.Config {
	return recorder.Config{
		Table:         c.Recorder.Table,
		BatchSize:     c.Recorder.BatchSize,
		FlushInterval: c.Recorder.FlushInterval,
		BufferSize:    c.Recorder.BufferSize,
	}
}

// RegistryConfig builds the connection registry settings. header is sent
// on every handshake.
func (c *Config) RegistryConfig(header http.Header) connection.RegistryConfig {
	return connection.RegistryConfig{
		Defaults:          c.Connection.Options(),
		Header:            header,
		MessageBufferSize: c.Connection.MessageBufferSize,
		FailureCooldown:   c.Connection.FailureCooldown,
	}
}

// MuxConfig builds the multiplexer settings.
func (c *Config) MuxConfig() mux.Config {
	return mux.Config{
		SubscribeTimeout: c.Mux.SubscribeTimeout,
		DedupWindow:      c.Mux.DedupWindow,
		DedupCacheSize:   c.Mux.DedupCacheSize,
		Dispatch: dispatch.Config{
			FlushInterval:     c.Dispatch.FlushInterval,
			PressureThreshold: c.Dispatch.PressureThreshold,
			MaxBatch:          c.Dispatch.MaxBatch,
			QueueCapacity:     c.Dispatch.QueueCapacity,
		},
	}
}

// SlogLevel parses the configured level; unknown values map to info.
func (lc LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(lc.Level) {
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

// NewLogger builds the process logger writing to w.
func (lc LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
