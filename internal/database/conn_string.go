package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/wsmux/internal/config"
)

// BuildConnString returns a postgres:// URL for cfg. SSLMode defaults to
// prefer when empty.
func BuildConnString(cfg config.DBConfig) string {
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}
