// Package config provides configuration for split stores.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"splitstore/keys"
)

// Backend names.
const (
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// StoreConfig describes one named store.
type StoreConfig struct {
	Name string `yaml:"name" validate:"required"`
	// Backend is one of badger, sqlite, postgres or memory.
	Backend string `yaml:"backend" validate:"required,oneof=badger sqlite postgres memory"`
	// DataDir is the database directory for badger and sqlite.
	DataDir string `yaml:"data" validate:"required_if=Backend badger,required_if=Backend sqlite"`
	// DSN is the lib/pq connection string for postgres.
	DSN string `yaml:"dsn" validate:"required_if=Backend postgres"`
}

// Mappings route courses to named stores.
type Mappings struct {
	// Courses maps a serialized course key to a store name.
	Courses map[string]string `yaml:"courses"`
	// Orgs maps an organization to a store name.
	Orgs map[string]string `yaml:"orgs"`
}

// Config holds store configuration.
type Config struct {
	// Stores lists the configured stores. FromEnv yields exactly one.
	Stores []StoreConfig `yaml:"stores" validate:"required,min=1,dive"`
	// Default names the store that unmapped courses use.
	Default  string   `yaml:"default" validate:"required"`
	Mappings Mappings `yaml:"mappings"`

	// MaxRetries bounds how often a write is retried after a conflict.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
	// StructureCacheMB bounds the in-process structure cache.
	StructureCacheMB int64 `yaml:"structure_cache_mb" validate:"gte=0"`
	// DefinitionCacheItems bounds the in-process definition cache.
	DefinitionCacheItems int64 `yaml:"definition_cache_items" validate:"gte=0"`
	// RedisAddr enables the shared structure cache when set.
	RedisAddr string        `yaml:"redis_addr"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
	// LogMode is passed to logging.New.
	LogMode string `yaml:"log_mode"`
	// Branch is the default branch setting: draft or published.
	Branch string `yaml:"branch" validate:"omitempty,oneof=draft published"`
}

// FromEnv creates a single-store Config from environment variables.
func FromEnv() *Config {
	return &Config{
		Stores: []StoreConfig{{
			Name:    "default",
			Backend: getEnv("SPLIT_BACKEND", BackendBadger),
			DataDir: getEnv("SPLIT_DATA", "./data"),
			DSN:     getEnv("SPLIT_DSN", ""),
		}},
		Default:              "default",
		MaxRetries:           getEnvInt("SPLIT_MAX_RETRIES", 3),
		StructureCacheMB:     getEnvInt64("SPLIT_STRUCTURE_CACHE_MB", 64),
		DefinitionCacheItems: getEnvInt64("SPLIT_DEFINITION_CACHE_ITEMS", 10000),
		RedisAddr:            getEnv("SPLIT_REDIS_ADDR", ""),
		RedisTTL:             getEnvDuration("SPLIT_REDIS_TTL", time.Hour),
		LogMode:              getEnv("SPLIT_LOG_MODE", "prod"),
		Branch:               getEnv("SPLIT_BRANCH", "draft"),
	}
}

// FromArgs creates a Config from explicit values, with env fallbacks.
func FromArgs(backend, dataDir string) *Config {
	cfg := FromEnv()
	if backend != "" {
		cfg.Stores[0].Backend = backend
	}
	if dataDir != "" {
		cfg.Stores[0].DataDir = dataDir
	}
	return cfg
}

// Load reads a YAML config file. Fields the file leaves unset take their
// values from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := FromEnv()
	cfg.Stores = nil
	cfg.Default = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Default == "" && len(cfg.Stores) == 1 {
		cfg.Default = cfg.Stores[0].Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and that every store reference names a
// configured store.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	names := make(map[string]bool, len(c.Stores))
	for _, s := range c.Stores {
		if names[s.Name] {
			return fmt.Errorf("duplicate store %q", s.Name)
		}
		names[s.Name] = true
	}
	var errs []error
	if !names[c.Default] {
		errs = append(errs, fmt.Errorf("default store %q is not configured", c.Default))
	}
	for course, name := range c.Mappings.Courses {
		if _, err := keys.ParseCourseKey(course); err != nil {
			errs = append(errs, err)
		}
		if !names[name] {
			errs = append(errs, fmt.Errorf("course %s: unknown store %q", course, name))
		}
	}
	for org, name := range c.Mappings.Orgs {
		if !names[name] {
			errs = append(errs, fmt.Errorf("org %s: unknown store %q", org, name))
		}
	}
	return errors.Join(errs...)
}

// Store returns the named store's configuration.
func (c *Config) Store(name string) (StoreConfig, bool) {
	for _, s := range c.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
