package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/emufetch/emufetch/internal/download"
)

// Config is the persisted settings file. Flags layer on top of it; anything
// not set here falls back to the built-in defaults.
type Config struct {
	// Backend selects the download engine: "aria2", "rust", or "auto".
	Backend string `yaml:"backend"`
	// Profile picks an options preset: "default", "high-speed", "cdn-friendly".
	Profile string `yaml:"profile"`
	SaveDir string `yaml:"save_dir"`
	Debug   bool   `yaml:"debug"`

	Mirror struct {
		Enabled bool   `yaml:"enabled"`
		Base    string `yaml:"base"`
	} `yaml:"mirror"`

	Aria2 struct {
		Binary string `yaml:"binary"`
	} `yaml:"aria2"`
}

func Default() Config {
	var c Config
	c.Backend = "auto"
	c.Profile = "default"
	c.Mirror.Enabled = true
	c.Mirror.Base = download.DefaultMirrorBase
	if home, err := os.UserHomeDir(); err == nil {
		c.SaveDir = filepath.Join(home, "Downloads")
	} else {
		c.SaveDir = "."
	}
	return c
}

// DefaultPath is the settings file location under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "emufetch.yaml"
	}
	return filepath.Join(dir, "emufetch", "config.yaml")
}

// Load reads the settings file at path. A missing file yields the defaults;
// a malformed file is an error.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Default(), err
	}
	return c, nil
}

// Save writes the settings file, creating the parent directory when needed.
func Save(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Options materializes the configured preset.
func (c Config) Options() download.Options {
	var opts download.Options
	switch c.Profile {
	case "high-speed":
		opts = download.HighSpeedOptions()
	case "cdn-friendly":
		opts = download.CDNFriendlyOptions()
	default:
		opts = download.DefaultOptions()
	}
	opts.SaveDir = c.SaveDir
	opts.UseMirror = c.Mirror.Enabled
	return opts
}

// RouterConfig materializes the backend knobs.
func (c Config) RouterConfig() download.RouterConfig {
	return download.RouterConfig{
		Aria2Binary: c.Aria2.Binary,
		SaveDir:     c.SaveDir,
		MirrorBase:  c.Mirror.Base,
	}
}

// ParseBackend maps the configured selector.
func (c Config) ParseBackend() download.Backend {
	return download.ParseBackend(c.Backend)
}
