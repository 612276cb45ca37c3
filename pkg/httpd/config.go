package httpd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything a Server needs. Durations in YAML are Go duration
// strings such as "30s". A zero timeout disables it.
type Config struct {
	Port          int           `yaml:"port"`
	Root          string        `yaml:"root"`
	MaxConns      int           `yaml:"max_conns"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	MaxOutput     int64         `yaml:"max_output"`
	NumericStatus bool          `yaml:"numeric_status"`
	Env           []string      `yaml:"env"`

	// Stderr receives the scripts' standard error. Defaults to os.Stderr.
	Stderr io.Writer `yaml:"-"`
}

// DefaultConfig serves the working directory.
func DefaultConfig() Config {
	return Config{
		Root:          ".",
		MaxConns:      64,
		ScriptTimeout: 30 * time.Second,
		ReadTimeout:   30 * time.Second,
		ShutdownGrace: 10 * time.Second,
	}
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path just returns
// the defaults. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks c and makes Root absolute.
func (c *Config) Validate() error {
	switch {
	case c.MaxConns < 0:
		return fmt.Errorf("max_conns must not be negative, got %d", c.MaxConns)
	case c.ScriptTimeout < 0, c.ReadTimeout < 0, c.WriteTimeout < 0, c.ShutdownGrace < 0:
		return errors.New("timeouts must not be negative")
	case c.MaxOutput < 0:
		return fmt.Errorf("max_output must not be negative, got %d", c.MaxOutput)
	}
	for _, e := range c.Env {
		if k, _, ok := strings.Cut(e, "="); !ok || k == "" {
			return fmt.Errorf("invalid env entry %q: must be KEY=VALUE", e)
		}
	}

	if c.Root == "" {
		c.Root = "."
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve root %s: %w", c.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to access root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", root)
	}
	c.Root = root
	return nil
}

// Style is the status line style c asks for.
func (c *Config) Style() StatusStyle {
	if c.NumericStatus {
		return NumericStatus
	}
	return LegacyStatus
}
