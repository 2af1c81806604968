package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, Validate(&cfg))
}

func paths(issues []ValidationIssue) []string {
	var out []string
	for _, i := range issues {
		out = append(out, i.Path)
	}
	return out
}

func TestValidate_Issues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"relative base url", func(c *Config) { c.API.BaseURL = "/api" }, "api.baseUrl"},
		{"ftp base url", func(c *Config) { c.API.BaseURL = "ftp://x/api" }, "api.baseUrl"},
		{"http socket url", func(c *Config) { c.API.SocketURL = "http://x/ws" }, "api.socketUrl"},
		{"negative timeout", func(c *Config) { c.API.TimeoutSeconds = -1 }, "api.timeoutSeconds"},
		{"negative pacing", func(c *Config) { c.API.RequestsPerSecond = -2 }, "api.requestsPerSecond"},
		{"unknown session store", func(c *Config) { c.Session.Store = "redis" }, "session.store"},
		{"recent limit too large", func(c *Config) { c.Dashboard.RecentLimit = 500 }, "dashboard.recentLimit"},
		{"bad image size", func(c *Config) { c.Attachments.MaxImageSize = "five" }, "attachments.maxImageSize"},
		{"bad port", func(c *Config) { c.Relay.Port = 70000 }, "relay.port"},
		{"bad bind", func(c *Config) { c.Relay.Bind = "tailnet" }, "relay.bind"},
		{"custom bind without host", func(c *Config) { c.Relay.Bind = "custom" }, "relay.customBindHost"},
		{"tls without cert", func(c *Config) { c.Relay.TLS.Enabled = true }, "relay.tls"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad console style", func(c *Config) { c.Logging.ConsoleStyle = "compact" }, "logging.consoleStyle"},
		{"hook without command", func(c *Config) { c.Hooks.RelayStart = []HookEntry{{}} }, "hooks.relayStart[0].command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			issues := Validate(&cfg)
			require.NotEmpty(t, issues)
			assert.Contains(t, paths(issues), tt.path)
		})
	}
}

func TestValidate_SortedByPath(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.Port = -1
	cfg.API.TimeoutSeconds = -1
	cfg.Logging.Level = "loud"

	assert.Equal(t, []string{"api.timeoutSeconds", "logging.level", "relay.port"}, paths(Validate(&cfg)))
}

func TestValidationIssueString(t *testing.T) {
	v := ValidationIssue{Path: "relay.port", Message: "bad"}
	assert.Equal(t, "relay.port: bad", v.String())
}
