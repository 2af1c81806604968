package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/soyeahso/backoffice/internal/version.Version=1.0.0
//	  -X github.com/soyeahso/backoffice/internal/version.Commit=abc123
//	  -X github.com/soyeahso/backoffice/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("backoffice %s (commit: %s, built: %s, %s/%s)",
		Version, short(Commit), Date, runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on every outbound API request and in the chat handshake.
func UserAgent() string {
	return "backoffice/" + Version + " (" + runtime.GOOS + ")"
}

// Build describes the running binary for health and status payloads.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current returns the build metadata baked into this binary.
func Current() Build {
	return Build{Version: Version, Commit: short(Commit), Date: Date}
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
