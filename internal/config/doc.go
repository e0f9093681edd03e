// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation. After the file is parsed, WSMUX_-prefixed environment
// variables override individual fields (for example WSMUX_AUTH_TOKEN or
// WSMUX_CONNECTION_MAX_RETRIES).
package config
