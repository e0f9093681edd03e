// Package auth turns an opaque access token into WebSocket handshake
// headers. The token is never interpreted.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Defaults used when Credentials leave Scheme or HeaderName empty.
const (
	DefaultScheme     = "Bearer"
	DefaultHeaderName = "Authorization"
)

// ErrEmptyToken is returned when a token source yields no token.
var ErrEmptyToken = errors.New("token is empty")

// Credentials holds the token sent on every handshake.
type Credentials struct {
	Token      string
	Scheme     string // e.g. "Bearer"; "-" sends the bare token
	HeaderName string // e.g. "Authorization"
}

// LoadCredentials resolves the token from token, or from the file at
// tokenPath when token is empty. Neither set means anonymous access and
// returns nil credentials.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token == "" && tokenPath == "" {
		return nil, nil
	}

	if token == "" {
		var err error
		token, err = LoadToken(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
	}

	return &Credentials{Token: token}, nil
}

// LoadToken reads a token from a file, ignoring surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyToken)
	}
	return token, nil
}

// Header returns the handshake headers carrying the token. Nil
// credentials produce an empty header.
func (c *Credentials) Header() http.Header {
	h := http.Header{}
	if c == nil || c.Token == "" {
		return h
	}

	name := c.HeaderName
	if name == "" {
		name = DefaultHeaderName
	}

	switch c.Scheme {
	case "-":
		h.Set(name, c.Token)
	case "":
		h.Set(name, DefaultScheme+" "+c.Token)
	default:
		h.Set(name, c.Scheme+" "+c.Token)
	}
	return h
}

// Redacted returns a form of the token safe to log.
func (c *Credentials) Redacted() string {
	if c == nil || c.Token == "" {
		return "<none>"
	}
	if len(c.Token) <= 8 {
		return "****"
	}
	return c.Token[:4] + "****"
}
