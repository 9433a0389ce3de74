// Package config loads the provider configuration from YAML with SYNCPROV_*
// environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/viant/syncprov/checkpoint"
	"github.com/viant/syncprov/syncprov"
)

const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Config is the provider configuration file.
type Config struct {
	Suffix   string `yaml:"suffix" validate:"required"`
	ServerID int    `yaml:"serverID" validate:"gte=0,lte=4095"`
	// Database is the SQLite DSN holding entries and, for the sqlite store,
	// the context CSN.
	Database   string            `yaml:"database" validate:"required"`
	Checkpoint checkpoint.Config `yaml:"checkpoint"`
	SessionLog SessionLog        `yaml:"sessionLog"`
	NoPresent  bool              `yaml:"noPresent"`
	ReloadHint bool              `yaml:"reloadHint"`
	Delivery   Delivery          `yaml:"delivery"`
	Store      string            `yaml:"store" validate:"oneof=sqlite badger"`
	Badger     Badger            `yaml:"badger"`
	LogLevel   string            `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
}

type SessionLog struct {
	Size int `yaml:"size" validate:"gte=0"`
}

type Delivery struct {
	Workers int `yaml:"workers" validate:"gte=0"`
}

// Badger locates the Badger checkpoint store.
type Badger struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"inMemory"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Database:   ":memory:",
		Checkpoint: checkpoint.Config{Ops: 100, Interval: 5 * time.Minute},
		Delivery:   Delivery{Workers: syncprov.DefaultWorkers},
		Store:      StoreSQLite,
		LogLevel:   "info",
	}
}

var validate = validator.New()

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses the defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the rules spanning several keys.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Store == StoreBadger && c.Badger.Path == "" && !c.Badger.InMemory {
		return fmt.Errorf("config: badger store needs badger.path or badger.inMemory")
	}
	return nil
}

type override struct {
	name string
	set  func(c *Config, v string) error
}

var overrides = []override{
	{"SYNCPROV_SUFFIX", func(c *Config, v string) error { c.Suffix = v; return nil }},
	{"SYNCPROV_SERVER_ID", func(c *Config, v string) error { return setInt(&c.ServerID, v) }},
	{"SYNCPROV_DATABASE", func(c *Config, v string) error { c.Database = v; return nil }},
	{"SYNCPROV_CHECKPOINT_OPS", func(c *Config, v string) error { return setInt(&c.Checkpoint.Ops, v) }},
	{"SYNCPROV_CHECKPOINT_INTERVAL", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Checkpoint.Interval = d
		return err
	}},
	{"SYNCPROV_SESSIONLOG_SIZE", func(c *Config, v string) error { return setInt(&c.SessionLog.Size, v) }},
	{"SYNCPROV_NOPRESENT", func(c *Config, v string) error { return setBool(&c.NoPresent, v) }},
	{"SYNCPROV_RELOADHINT", func(c *Config, v string) error { return setBool(&c.ReloadHint, v) }},
	{"SYNCPROV_DELIVERY_WORKERS", func(c *Config, v string) error { return setInt(&c.Delivery.Workers, v) }},
	{"SYNCPROV_STORE", func(c *Config, v string) error { c.Store = v; return nil }},
	{"SYNCPROV_BADGER_PATH", func(c *Config, v string) error { c.Badger.Path = v; return nil }},
	{"SYNCPROV_BADGER_INMEMORY", func(c *Config, v string) error { return setBool(&c.Badger.InMemory, v) }},
	{"SYNCPROV_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil }},
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(o.name)
		if !ok {
			continue
		}
		if err := o.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s: %w", o.name, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

// Level maps LogLevel to a slog level; unknown values mean info.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Options maps the configuration onto provider options.
func (c *Config) Options(logger *slog.Logger) syncprov.Options {
	return syncprov.Options{
		Suffix:         c.Suffix,
		ServerID:       c.ServerID,
		Checkpoint:     checkpoint.Config{Ops: c.Checkpoint.Ops, Interval: c.Checkpoint.Interval},
		SessionLogSize: c.SessionLog.Size,
		NoPresent:      c.NoPresent,
		UseHint:        c.ReloadHint,
		Workers:        c.Delivery.Workers,
		Logger:         logger,
	}
}
