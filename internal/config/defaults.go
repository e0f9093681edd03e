package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultAuthScheme        = "Bearer"
	DefaultAuthHeader        = "Authorization"
	DefaultMaxRetries        = 5
	DefaultRetryDelay        = 1 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultBufferSize        = 1024
	DefaultCodec             = "json"
	DefaultMessageBufferSize = 4096
	DefaultFlushInterval     = 16 * time.Millisecond
	DefaultPressureThreshold = 1024
	DefaultMaxBatch          = 256
	DefaultQueueCapacity     = 16
	DefaultSubscribeTimeout  = 10 * time.Second
	DefaultDedupCacheSize    = 4096
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultRecorderTable     = "stream_events"
	DefaultBatchSize         = 1000
	DefaultRecorderFlush     = 1 * time.Second
	DefaultRecorderBuffer    = 10000
	DefaultHealthPort        = 8081
	DefaultHealthPath        = "/healthz"
)

func (c *Config) applyDefaults() {
	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Auth defaults
	if c.Auth.Scheme == "" {
		c.Auth.Scheme = DefaultAuthScheme
	}
	if c.Auth.Header == "" {
		c.Auth.Header = DefaultAuthHeader
	}

	// Connection defaults
	conn := &c.Connection
	if conn.Reconnect == nil {
		reconnect := true
		conn.Reconnect = &reconnect
	}
	if conn.MaxRetries == 0 {
		conn.MaxRetries = DefaultMaxRetries
	}
	if conn.RetryDelay == 0 {
		conn.RetryDelay = DefaultRetryDelay
	}
	if conn.BackoffMultiplier == 0 {
		conn.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if conn.MaxRetryDelay == 0 {
		conn.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if conn.HeartbeatInterval == 0 && !conn.DisableHeartbeat {
		conn.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if conn.PingTimeout == 0 && conn.HeartbeatInterval > 0 {
		conn.PingTimeout = 2 * conn.HeartbeatInterval
	}
	if conn.ConnectTimeout == 0 {
		conn.ConnectTimeout = DefaultConnectTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.BufferSize == 0 {
		conn.BufferSize = DefaultBufferSize
	}
	if conn.Codec == "" {
		conn.Codec = DefaultCodec
	}
	if conn.MessageBufferSize == 0 {
		conn.MessageBufferSize = DefaultMessageBufferSize
	}

	// Dispatch defaults; a zero flush interval is meaningful
	if c.Dispatch.PressureThreshold == 0 {
		c.Dispatch.PressureThreshold = DefaultPressureThreshold
	}
	if c.Dispatch.MaxBatch == 0 {
		c.Dispatch.MaxBatch = DefaultMaxBatch
	}
	if c.Dispatch.QueueCapacity == 0 {
		c.Dispatch.QueueCapacity = DefaultQueueCapacity
	}

	// Mux defaults
	if c.Mux.SubscribeTimeout == 0 {
		c.Mux.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.Mux.DedupCacheSize == 0 {
		c.Mux.DedupCacheSize = DefaultDedupCacheSize
	}

	// Recorder defaults
	applyDBDefaults(&c.Recorder.Database)
	if c.Recorder.Table == "" {
		c.Recorder.Table = DefaultRecorderTable
	}
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultRecorderFlush
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultRecorderBuffer
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
