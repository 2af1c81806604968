package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// fields that commonly hold secrets or per-deployment hosts.
func expandSensitiveFields(cfg *Config) {
	cfg.Relay.Auth.Secret = expandEnvVars(cfg.Relay.Auth.Secret)
	cfg.API.BaseURL = expandEnvVars(cfg.API.BaseURL)
	cfg.API.SocketURL = expandEnvVars(cfg.API.SocketURL)
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped; variables already set in
// the environment win.
func LoadDotEnv(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = DefaultBaseURL
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = 30
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 5
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "sqlite"
	}
	if cfg.Chat.ReconnectMaxSeconds == 0 {
		cfg.Chat.ReconnectMaxSeconds = 30
	}
	if cfg.Dashboard.RecentLimit == 0 {
		cfg.Dashboard.RecentLimit = 5
	}
	if cfg.Attachments.MaxImageSize == "" {
		cfg.Attachments.MaxImageSize = DefaultMaxImageSize
	}
	if cfg.Attachments.MaxMediaSize == "" {
		cfg.Attachments.MaxMediaSize = DefaultMaxMediaSize
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = 5050
	}
	if cfg.Relay.Bind == "" {
		cfg.Relay.Bind = "loopback"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}

// applyEnvOverrides reads BACKOFFICE_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BACKOFFICE_API_URL"); v != "" {
		cfg.API.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("BACKOFFICE_SOCKET_URL"); v != "" {
		cfg.API.SocketURL = v
	}
	if v := os.Getenv("BACKOFFICE_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Relay.Port = port
		}
	}
	if v := os.Getenv("BACKOFFICE_RELAY_BIND"); v != "" {
		cfg.Relay.Bind = v
	}
	if v := os.Getenv("BACKOFFICE_RELAY_SECRET"); v != "" {
		cfg.Relay.Auth.Secret = v
	}
	if v := os.Getenv("BACKOFFICE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
