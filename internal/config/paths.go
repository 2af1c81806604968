package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultBaseDir = ".backoffice"

// Paths holds resolved filesystem paths for back-office data.
type Paths struct {
	Base     string // ~/.backoffice
	Config   string // ~/.backoffice/config.yaml
	Env      string // ~/.backoffice/.env
	Data     string // ~/.backoffice/data
	Database string // ~/.backoffice/data/backoffice.db
	Logs     string // ~/.backoffice/logs
	Media    string // ~/.backoffice/media
}

// ResolvePaths computes all standard paths from the home directory.
// If BACKOFFICE_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("BACKOFFICE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	data := filepath.Join(base, "data")
	return Paths{
		Base:     base,
		Config:   filepath.Join(base, "config.yaml"),
		Env:      filepath.Join(base, ".env"),
		Data:     data,
		Database: filepath.Join(data, "backoffice.db"),
		Logs:     filepath.Join(base, "logs"),
		Media:    filepath.Join(base, "media"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.Base, p.Data, p.Logs, p.Media}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// segmentPattern matches one key of a dotted config path, e.g. "maxImageSize".
var segmentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ParseConfigPath splits a dotted path such as "relay.auth.secret" into keys.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		if !segmentPattern.MatchString(p) {
			return nil, &ConfigError{Message: fmt.Sprintf("invalid config key %q", p)}
		}
	}
	return parts, nil
}

// parent walks every key but the last and returns the map that holds it.
// With create set, missing or non-map intermediates are replaced by maps.
func parent(root map[string]any, path []string, create bool) (map[string]any, string, bool) {
	cur := root
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			if !create {
				return nil, "", false
			}
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	return cur, path[len(path)-1], true
}

// GetValueAtPath returns the value at path in a decoded YAML tree.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return root, true
	}
	m, key, ok := parent(root, path, false)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// SetValueAtPath stores value at path, creating intermediate maps.
func SetValueAtPath(root map[string]any, path []string, value any) {
	m, key, _ := parent(root, path, true)
	m[key] = value
}

// UnsetValueAtPath deletes the value at path and reports whether it existed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	m, key, ok := parent(root, path, false)
	if !ok {
		return false
	}
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	return true
}
