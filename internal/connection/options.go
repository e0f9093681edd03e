package connection

import (
	"math"
	"net/http"
	"time"
)

// Default connection options.
const (
	DefaultMaxRetries        = 5
	DefaultRetryDelay        = 1 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultBufferSize        = 1024
)

// Options configures one connection.
type Options struct {
	Reconnect         bool          // Reconnect automatically after an unexpected close
	MaxRetries        int           // Reconnect attempts before giving up
	RetryDelay        time.Duration // Delay before the first reconnect attempt
	BackoffMultiplier float64       // Growth factor between attempts
	MaxRetryDelay     time.Duration // Cap on the delay between attempts
	HeartbeatInterval time.Duration // Keep-alive ping cadence; 0 disables pings
	PingTimeout       time.Duration // Silence that marks a connection stale; defaults to 2x heartbeat
	ConnectTimeout    time.Duration // Max time for the initial open
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Client-side inbound buffer
	KeepAlive         bool          // Keep the connection open when its last owner leaves
	Name              string        // Distinguishes several connections to the same URL
	Codec             string        // "json" (default) or "cbor"
	Header            http.Header   // Extra handshake headers
}

// DefaultOptions returns conservative defaults: reconnect on, 5 retries,
// 1s base delay doubling up to 30s.
func DefaultOptions() Options {
	return Options{
		Reconnect:         true,
		MaxRetries:        DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxRetryDelay:     DefaultMaxRetryDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		BufferSize:        DefaultBufferSize,
	}
}

// normalized fills zero numeric fields with defaults. Booleans and the
// heartbeat are taken as given.
func (o Options) normalized() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.MaxRetryDelay < o.RetryDelay {
		o.MaxRetryDelay = o.RetryDelay
	}
	if o.PingTimeout <= 0 && o.HeartbeatInterval > 0 {
		o.PingTimeout = 2 * o.HeartbeatInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// Backoff returns the delay before reconnect attempt n (0-based):
// min(RetryDelay * BackoffMultiplier^n, MaxRetryDelay).
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(o.RetryDelay) * math.Pow(o.BackoffMultiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(o.MaxRetryDelay) {
		return o.MaxRetryDelay
	}
	return time.Duration(d)
}

// clientConfig derives the client configuration for url. The connect
// timeout is enforced by the dial context, not the handshake timeout.
func (o Options) clientConfig(url string, header http.Header) ClientConfig {
	return ClientConfig{
		URL:               url,
		Header:            header,
		HeartbeatInterval: o.HeartbeatInterval,
		PingTimeout:       o.PingTimeout,
		WriteTimeout:      o.WriteTimeout,
		BufferSize:        o.BufferSize,
	}
}

// EndpointKey identifies the connection used for url with opts.
func EndpointKey(url string, opts Options) string {
	if opts.Name == "" {
		return url
	}
	return url + "#" + opts.Name
}
