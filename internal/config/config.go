package config

import "time"

// Config is the root configuration for wsmux commands.
type Config struct {
	Log           LogConfig            `yaml:"log" envPrefix:"LOG_"`
	Auth          AuthConfig           `yaml:"auth" envPrefix:"AUTH_"`
	Connection    ConnectionConfig     `yaml:"connection" envPrefix:"CONNECTION_"`
	Dispatch      DispatchConfig       `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Mux           MuxConfig            `yaml:"mux" envPrefix:"MUX_"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Recorder      RecorderConfig       `yaml:"recorder" envPrefix:"RECORDER_"`
	Health        HealthConfig         `yaml:"health" envPrefix:"HEALTH_"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text or json
}

// AuthConfig holds the opaque credential sent on every handshake.
type AuthConfig struct {
	Token     string `yaml:"token" env:"TOKEN"`
	TokenFile string `yaml:"token_file" env:"TOKEN_FILE"` // Read when Token is empty
	Scheme    string `yaml:"scheme" env:"SCHEME"`         // Authorization scheme, e.g. "Bearer"
	Header    string `yaml:"header" env:"HEADER"`         // Header name, default Authorization
}

// ConnectionConfig holds default WebSocket connection settings.
type ConnectionConfig struct {
	Reconnect         *bool         `yaml:"reconnect" env:"RECONNECT"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay        time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay" env:"MAX_RETRY_DELAY"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	DisableHeartbeat  bool          `yaml:"disable_heartbeat" env:"DISABLE_HEARTBEAT"`
	PingTimeout       time.Duration `yaml:"ping_timeout" env:"PING_TIMEOUT"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize        int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	KeepAlive         bool          `yaml:"keep_alive" env:"KEEP_ALIVE"`
	Codec             string        `yaml:"codec" env:"CODEC"`
	MessageBufferSize int           `yaml:"message_buffer_size" env:"MESSAGE_BUFFER_SIZE"`
	FailureCooldown   time.Duration `yaml:"failure_cooldown" env:"FAILURE_COOLDOWN"`
}

// DispatchConfig holds batched delivery settings.
type DispatchConfig struct {
	FlushInterval     time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	PressureThreshold int           `yaml:"pressure_threshold" env:"PRESSURE_THRESHOLD"`
	MaxBatch          int           `yaml:"max_batch" env:"MAX_BATCH"`
	QueueCapacity     int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
}

// MuxConfig holds channel multiplexer settings.
type MuxConfig struct {
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout" env:"SUBSCRIBE_TIMEOUT"`
	DedupWindow      time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	DedupCacheSize   int           `yaml:"dedup_cache_size" env:"DEDUP_CACHE_SIZE"`
}

// SubscriptionConfig is one channel to subscribe to at startup.
type SubscriptionConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Channel  string   `yaml:"channel"`
	Types    []string `yaml:"types"` // Optional event type filter
	Name     string   `yaml:"name"`  // Optional connection name
}

// RecorderConfig holds event recorder settings.
type RecorderConfig struct {
	Database      DBConfig      `yaml:"database" envPrefix:"DB_"`
	Table         string        `yaml:"table" env:"TABLE"`
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Name     string `yaml:"name" env:"NAME"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConns int    `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int    `yaml:"min_conns" env:"MIN_CONNS"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port" env:"PORT"`
	Path string `yaml:"path" env:"PATH"`
}
