package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultBaseURL      = "http://localhost:5000/api"
	DefaultMaxImageSize = "5MiB"
	DefaultMaxMediaSize = "100MiB"
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Timeout is the per-request HTTP timeout for resource clients.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolvedSocketURL returns the chat channel endpoint. When unset it is
// derived from the API base URL: same host, ws(s) scheme, path /ws.
func (c APIConfig) ResolvedSocketURL() (string, error) {
	if c.SocketURL != "" {
		return c.SocketURL, nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", &ConfigError{Message: "invalid api.baseUrl: " + err.Error()}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// ReconnectEnabled reports whether the chat channel redials after a drop.
func (c ChatConfig) ReconnectEnabled() bool {
	return c.Reconnect == nil || *c.Reconnect
}

// ReconnectMax is the ceiling on the redial backoff.
func (c ChatConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSeconds) * time.Second
}

// Limits parses the attachment ceilings into byte counts.
func (c AttachmentsConfig) Limits() (image, media int64, err error) {
	img, err := humanize.ParseBytes(c.MaxImageSize)
	if err != nil {
		return 0, 0, &ConfigError{Message: "invalid attachments.maxImageSize: " + err.Error()}
	}
	med, err := humanize.ParseBytes(c.MaxMediaSize)
	if err != nil {
		return 0, 0, &ConfigError{Message: "invalid attachments.maxMediaSize: " + err.Error()}
	}
	return int64(img), int64(med), nil
}

// ListenAddr returns the host:port the relay binds to.
func (c RelayConfig) ListenAddr() string {
	host := "127.0.0.1"
	switch strings.ToLower(c.Bind) {
	case "lan":
		host = "0.0.0.0"
	case "custom":
		if c.CustomBindHost != "" {
			host = c.CustomBindHost
		}
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}
