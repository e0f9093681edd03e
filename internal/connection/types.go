package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrStaleConnection   = errors.New("connection stale (no ping)")
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrRetriesExhausted  = errors.New("reconnect retries exhausted")
	ErrUnexpectedClosure = errors.New("connection closed unexpectedly")
)

// ConnectionError reports that a connection could not be opened or was
// permanently lost.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotConnectedError reports a send on a connection that is not open.
type NotConnectedError struct {
	Target string
	State  State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("send to %s: not connected (state %s)", e.Target, e.State)
}

func (e *NotConnectedError) Unwrap() error { return ErrNotConnected }

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data        []byte    // Raw message bytes from WebSocket
	MessageType int       // websocket.TextMessage or websocket.BinaryMessage
	ReceivedAt  time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is an inbound frame handed to the connection's consumer.
type RawMessage struct {
	Data        []byte
	MessageType int
	ConnID      string // Which connection this came from
	Key         string // Endpoint key of the connection
	Generation  int    // Client generation; increments on every reconnect
	ReceivedAt  time.Time
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL               string        // WebSocket URL (e.g., wss://feed.example.com/ws)
	Header            http.Header   // Handshake headers (auth token, etc.)
	HandshakeTimeout  time.Duration // Max time for the opening handshake
	HeartbeatInterval time.Duration // Ping cadence; 0 disables keep-alive pings
	PingTimeout       time.Duration // Max time without ping/pong/data before considering connection stale
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PingTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1024,
	}
}

// RegistryConfig configures the Connection Registry.
type RegistryConfig struct {
	Defaults          Options       // Options used when a caller passes none
	Header            http.Header   // Sent on every handshake (e.g. Authorization)
	MessageBufferSize int           // Buffer of each connection's inbound channel
	FailureCooldown   time.Duration // Fail fast for endpoints that exhausted retries recently; 0 disables
	FailureCacheSize  int           // Max endpoints remembered for the cooldown
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Defaults:          DefaultOptions(),
		MessageBufferSize: 4096,
		FailureCooldown:   0,
		FailureCacheSize:  256,
	}
}
