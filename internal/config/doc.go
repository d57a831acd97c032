// Package config loads and validates runtime configuration for tickwire.
//
// Configuration is read from `config/config.yaml` and can be overridden via
// environment variables prefixed with TW (for example TW_KCP_PORT or
// TW_TRANSPORT_TIMEOUT). See `internal/config/config.go` for keys.
package config
