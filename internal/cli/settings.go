package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvServer = "RICEVUTE_SERVER"
	EnvToken  = "RICEVUTE_TOKEN"

	DefaultServer = "http://localhost:8081"
)

// Settings is the client configuration file.
type Settings struct {
	Server  string        `yaml:"server"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultSettingsPath is $XDG_CONFIG_HOME/ricevute/config.yaml, falling
// back to the OS user config dir.
func DefaultSettingsPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		d, err := os.UserConfigDir()
		if err != nil {
			return ""
		}
		dir = d
	}
	return filepath.Join(dir, "ricevute", "config.yaml")
}

// LoadSettings reads path. A missing file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := Settings{Server: DefaultServer}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(s.Server) == "" {
		s.Server = DefaultServer
	}
	if s.Timeout < 0 {
		return s, fmt.Errorf("parse %s: timeout must not be negative", path)
	}
	return s, nil
}

// applyEnv lets RICEVUTE_SERVER and RICEVUTE_TOKEN override the file.
func (s *Settings) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServer)); v != "" {
		s.Server = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		s.Token = v
	}
}
