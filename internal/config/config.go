// Package config loads repository configuration from
// <repo>/.oplog/config.yaml, layered over Default and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/oplog/internal/store"
)

// FileName is the config file inside the repository data directory.
const FileName = "config.yaml"

// Backend names.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendGit    = "git"
)

// Environment overrides.
const (
	EnvUserName  = "OPLOG_USER_NAME"
	EnvUserEmail = "OPLOG_USER_EMAIL"
)

type User struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type Transaction struct {
	// MaxAttempts bounds the merge-and-retry loop of a commit.
	MaxAttempts int `yaml:"max_attempts"`
}

type Index struct {
	Persist      bool `yaml:"persist"`
	SquashFactor int  `yaml:"squash_factor"`
}

type Cache struct {
	// Objects is the number of records kept in the read cache. 0 disables it.
	Objects int `yaml:"objects"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full repository configuration.
type Config struct {
	User        User        `yaml:"user"`
	Backend     string      `yaml:"backend"`
	Transaction Transaction `yaml:"transaction"`
	Index       Index       `yaml:"index"`
	Cache       Cache       `yaml:"cache"`
	Log         Log         `yaml:"log"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Backend:     BackendFile,
		Transaction: Transaction{MaxAttempts: 5},
		Index:       Index{Persist: true, SquashFactor: 2},
		Cache:       Cache{Objects: store.DefaultCacheSize},
		Log:         Log{Level: "info", Format: "text"},
	}
}

// Load reads path over Default and applies environment overrides. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDir loads the config file of a repository data directory.
func LoadDir(dir string) (Config, error) {
	return Load(filepath.Join(dir, FileName))
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvUserName); v != "" {
		c.User.Name = v
	}
	if v := os.Getenv(EnvUserEmail); v != "" {
		c.User.Email = v
	}
}

// Validate rejects configurations the repository cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile, BackendBadger, BackendGit:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Transaction.MaxAttempts < 1 {
		return fmt.Errorf("transaction.max_attempts must be positive, got %d", c.Transaction.MaxAttempts)
	}
	if c.Index.SquashFactor < 1 {
		return fmt.Errorf("index.squash_factor must be positive, got %d", c.Index.SquashFactor)
	}
	if c.Cache.Objects < 0 {
		return fmt.Errorf("cache.objects must not be negative, got %d", c.Cache.Objects)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Save writes c to path.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return store.SafeWrite(path, data, 0o644)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds the slog logger the configuration asks for.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
