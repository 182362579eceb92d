package main

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"

	"catalog-editor/core"
	"catalog-editor/offline"
	"catalog-editor/stores/memory"
	"catalog-editor/stores/sqlite"

	"sigs.k8s.io/yaml"
)

type CacheConfig struct {
	// Type is memory or sqlite.
	Type string `json:"type"`
	Path string `json:"path"`
}

// Config is the gateway's YAML configuration.
type Config struct {
	Listen       string      `json:"listen"`
	Origin       string      `json:"origin"`
	Generation   string      `json:"generation"`
	Manifest     []string    `json:"manifest"`
	RootDocument string      `json:"rootDocument"`
	Cache        CacheConfig `json:"cache"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Cache.Type == "" {
		c.Cache.Type = "memory"
	}
	if c.Cache.Type == "sqlite" && c.Cache.Path == "" {
		c.Cache.Path = "gateway-cache.db"
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin %q must be an absolute URL", c.Origin)
	}
	if c.Generation == "" {
		return fmt.Errorf("generation is required")
	}
	for _, p := range c.Manifest {
		if len(p) == 0 || p[0] != '/' {
			return fmt.Errorf("manifest entry %q must start with /", p)
		}
	}
	switch c.Cache.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	return nil
}

// OriginURL returns the parsed origin. It is valid after LoadConfig.
func (c *Config) OriginURL() *url.URL {
	u, _ := url.Parse(c.Origin)
	return u
}

// CacheGeneration describes the cache generation the config asks for.
func (c *Config) CacheGeneration() offline.Generation {
	return offline.Generation{
		Name:         c.Generation,
		Origin:       c.Origin,
		Manifest:     c.Manifest,
		RootDocument: c.RootDocument,
	}.WithDefaults()
}

// openCacheStorage returns the configured cache storage and a func that
// releases it.
func openCacheStorage(cfg CacheConfig) (core.CacheStorage, func(), error) {
	switch cfg.Type {
	case "sqlite":
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open cache database: %w", err)
		}
		storage, err := sqlite.NewCacheStorage(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return storage, closeDB(db), nil
	default:
		return memory.NewCacheStorage(), func() {}, nil
	}
}

func closeDB(db *sql.DB) func() {
	return func() { db.Close() }
}
