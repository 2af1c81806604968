package config

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/dustin/go-humanize"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	// API validation
	if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		issues = append(issues, ValidationIssue{
			Path:    "api.baseUrl",
			Message: fmt.Sprintf("must be an absolute http(s) URL, got %q", cfg.API.BaseURL),
		})
	}
	if cfg.API.SocketURL != "" {
		if u, err := url.Parse(cfg.API.SocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			issues = append(issues, ValidationIssue{
				Path:    "api.socketUrl",
				Message: fmt.Sprintf("must be a ws(s) URL, got %q", cfg.API.SocketURL),
			})
		}
	}
	if cfg.API.TimeoutSeconds < 0 {
		issues = append(issues, ValidationIssue{Path: "api.timeoutSeconds", Message: "must not be negative"})
	}
	if cfg.API.RequestsPerSecond < 0 {
		issues = append(issues, ValidationIssue{Path: "api.requestsPerSecond", Message: "must not be negative"})
	}

	// Session validation
	validStores := []string{"sqlite", "memory"}
	if cfg.Session.Store != "" && !slices.Contains(validStores, cfg.Session.Store) {
		issues = append(issues, ValidationIssue{
			Path:    "session.store",
			Message: fmt.Sprintf("must be one of %v, got %q", validStores, cfg.Session.Store),
		})
	}

	if cfg.Dashboard.RecentLimit < 0 || cfg.Dashboard.RecentLimit > 100 {
		issues = append(issues, ValidationIssue{
			Path:    "dashboard.recentLimit",
			Message: fmt.Sprintf("must be 0-100, got %d", cfg.Dashboard.RecentLimit),
		})
	}

	// Attachment ceilings
	for path, v := range map[string]string{
		"attachments.maxImageSize": cfg.Attachments.MaxImageSize,
		"attachments.maxMediaSize": cfg.Attachments.MaxMediaSize,
	} {
		if v == "" {
			continue
		}
		if _, err := humanize.ParseBytes(v); err != nil {
			issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf("not a byte size: %q", v)})
		}
	}

	// Relay validation
	if cfg.Relay.Port < 0 || cfg.Relay.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "relay.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Relay.Port),
		})
	}
	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Relay.Bind != "" && !slices.Contains(validBinds, cfg.Relay.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "relay.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Relay.Bind),
		})
	}
	if cfg.Relay.Bind == "custom" && cfg.Relay.CustomBindHost == "" {
		issues = append(issues, ValidationIssue{Path: "relay.customBindHost", Message: "required when bind is custom"})
	}
	if cfg.Relay.TLS.Enabled && (cfg.Relay.TLS.CertPath == "" || cfg.Relay.TLS.KeyPath == "") {
		issues = append(issues, ValidationIssue{Path: "relay.tls", Message: "certPath and keyPath are required when TLS is enabled"})
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	// Hooks
	for name, entries := range map[string][]HookEntry{
		"hooks.relayStart":       cfg.Hooks.RelayStart,
		"hooks.relayStop":        cfg.Hooks.RelayStop,
		"hooks.messagePersisted": cfg.Hooks.MessagePersisted,
		"hooks.chatResolved":     cfg.Hooks.ChatResolved,
	} {
		for i, e := range entries {
			if e.Command == "" {
				issues = append(issues, ValidationIssue{
					Path:    fmt.Sprintf("%s[%d].command", name, i),
					Message: "command is required",
				})
			}
		}
	}

	slices.SortStableFunc(issues, func(a, b ValidationIssue) int {
		switch {
		case a.Path < b.Path:
			return -1
		case a.Path > b.Path:
			return 1
		}
		return 0
	})
	return issues
}
