// Package config loads msczkit settings from YAML, .env and the environment.
//
// Precedence, lowest first: built-in defaults, the YAML file, variables from
// .env, the process environment (MSCZKIT_*), then command-line flags applied
// by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	cerrors "github.com/FocuswithJustin/msczkit/core/errors"
	"github.com/FocuswithJustin/msczkit/internal/logging"
	"github.com/FocuswithJustin/msczkit/internal/render"
	"github.com/FocuswithJustin/msczkit/internal/validation"
)

// DefaultFile is read when no config path is given and it exists.
const DefaultFile = "msczkit.yaml"

// Environment variable names.
const (
	EnvMuseScore3 = "MSCZKIT_MUSESCORE3"
	EnvMuseScore4 = "MSCZKIT_MUSESCORE4"
	EnvTimeout    = "MSCZKIT_RENDER_TIMEOUT"
	EnvWorkers    = "MSCZKIT_WORKERS"
	EnvLedger     = "MSCZKIT_LEDGER"
	EnvLogLevel   = "MSCZKIT_LOG_LEVEL"
	EnvLogFormat  = "MSCZKIT_LOG_FORMAT"
)

type Config struct {
	Renderer struct {
		MuseScore3 string        `yaml:"musescore3"`
		MuseScore4 string        `yaml:"musescore4"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"renderer"`
	Workers int `yaml:"workers"`
	Ledger  struct {
		Path string `yaml:"path"` // empty disables the ledger
	} `yaml:"ledger"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in settings.
func Default() *Config {
	var cfg Config
	cfg.Renderer.MuseScore3 = render.DefaultMuseScore3
	cfg.Renderer.MuseScore4 = render.DefaultMuseScore4
	cfg.Renderer.Timeout = render.DefaultTimeout
	cfg.Workers = runtime.GOMAXPROCS(0)
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// Load builds the configuration. An empty path reads DefaultFile when it
// exists; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, cerrors.NewParse("yaml", path, err.Error())
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, cerrors.NewIO("read", path, err)
	}

	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvMuseScore3); v != "" {
		c.Renderer.MuseScore3 = v
	}
	if v := os.Getenv(EnvMuseScore4); v != "" {
		c.Renderer.MuseScore4 = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Renderer.Timeout = d
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	if v := os.Getenv(EnvLedger); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Renderer.Timeout <= 0 {
		return fmt.Errorf("renderer.timeout must be positive, got %s: %w", c.Renderer.Timeout, cerrors.ErrInvalidInput)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d: %w", c.Workers, cerrors.ErrInvalidInput)
	}
	for key, path := range map[string]string{
		"renderer.musescore3": c.Renderer.MuseScore3,
		"renderer.musescore4": c.Renderer.MuseScore4,
	} {
		if err := validation.ValidatePath(path); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.Ledger.Path != "" {
		if err := validation.ValidatePath(c.Ledger.Path); err != nil {
			return fmt.Errorf("ledger.path: %w", err)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	return nil
}
