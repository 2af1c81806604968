package config

// Config is the root configuration for the back-office CLI and the chat relay.
type Config struct {
	API         APIConfig         `yaml:"api,omitempty"`
	Session     SessionConfig     `yaml:"session,omitempty"`
	Chat        ChatConfig        `yaml:"chat,omitempty"`
	Dashboard   DashboardConfig   `yaml:"dashboard,omitempty"`
	Attachments AttachmentsConfig `yaml:"attachments,omitempty"`
	Relay       RelayConfig       `yaml:"relay,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Hooks       HooksConfig       `yaml:"hooks,omitempty"`
}

// APIConfig points the resource clients at the REST backend.
type APIConfig struct {
	BaseURL           string  `yaml:"baseUrl,omitempty"`   // common base path, e.g. http://localhost:5000/api
	SocketURL         string  `yaml:"socketUrl,omitempty"` // chat channel endpoint; derived from baseUrl when empty
	TimeoutSeconds    int     `yaml:"timeoutSeconds,omitempty"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty"` // 0 disables pacing
	Burst             int     `yaml:"burst,omitempty"`
}

// SessionConfig selects where the signed-in session is persisted.
type SessionConfig struct {
	Store string `yaml:"store,omitempty"` // "sqlite" | "memory"
}

// ChatConfig controls the real-time chat channel.
type ChatConfig struct {
	Reconnect           *bool `yaml:"reconnect,omitempty"` // defaults to true
	ReconnectMaxSeconds int   `yaml:"reconnectMaxSeconds,omitempty"`
}

// DashboardConfig controls the summary screen.
type DashboardConfig struct {
	RecentLimit int `yaml:"recentLimit,omitempty"`
}

// AttachmentsConfig holds upload ceilings in human units ("5MiB", "100 MB").
type AttachmentsConfig struct {
	MaxImageSize string `yaml:"maxImageSize,omitempty"`
	MaxMediaSize string `yaml:"maxMediaSize,omitempty"` // video and documents
}

// RelayConfig controls the reference chat relay server.
type RelayConfig struct {
	Port           int       `yaml:"port,omitempty"`
	Bind           string    `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string    `yaml:"customBindHost,omitempty"`
	Auth           RelayAuth `yaml:"auth,omitempty"`
	TLS            RelayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string  `yaml:"allowedOrigins,omitempty"`
	Database       string    `yaml:"database,omitempty"` // defaults to <data>/relay.db
	MediaDir       string    `yaml:"mediaDir,omitempty"` // defaults to <base>/media
	PublicURL      string    `yaml:"publicUrl,omitempty"`
}

// RelayAuth holds the shared secret used to verify bearer tokens.
type RelayAuth struct {
	Secret string `yaml:"secret,omitempty"`
}

// RelayTLS configures TLS for the relay.
type RelayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// HooksConfig defines relay event hooks.
type HooksConfig struct {
	RelayStart       []HookEntry `yaml:"relayStart,omitempty"`
	RelayStop        []HookEntry `yaml:"relayStop,omitempty"`
	MessagePersisted []HookEntry `yaml:"messagePersisted,omitempty"`
	ChatResolved     []HookEntry `yaml:"chatResolved,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}
