// Package config loads the route cache configuration from YAML.
package config

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ericselin/routecache/cache"
	"github.com/ericselin/routecache/policy"
	"github.com/ericselin/routecache/routing"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen           string        `yaml:"listen"`
	Origin           string        `yaml:"origin"`
	OriginHost       string        `yaml:"originHost"`
	StatusHeader     bool          `yaml:"statusHeader"`
	KeyIncludesQuery bool          `yaml:"keyIncludesQuery"`
	Log              LogConfig     `yaml:"log"`
	Store            StoreConfig   `yaml:"store"`
	Metrics          MetricsConfig `yaml:"metrics"`
	Tracing          TracingConfig `yaml:"tracing"`
	Groups           []GroupConfig `yaml:"groups"`
	Routes           []RouteConfig `yaml:"routes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type StoreConfig struct {
	// "memory" or "sqlite"
	Provider        string        `yaml:"provider"`
	SizeLimit       int64         `yaml:"sizeLimit"`
	CompactInterval time.Duration `yaml:"compactInterval"`
	// sqlite only
	DSN string `yaml:"dsn"`
}

type MetricsConfig struct {
	// Path of the Prometheus endpoint, empty to disable.
	Path string `yaml:"path"`
}

type TracingConfig struct {
	// OTLP/HTTP collector endpoint (host:port), empty to disable.
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sampleRate"`
}

// PolicyConfig is the YAML form of policy.Policy.
type PolicyConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	SafeRead          bool          `yaml:"safeRead"`
	ExpiresAt         time.Time     `yaml:"expiresAt"`
	ExpiresAfter      time.Duration `yaml:"expiresAfter"`
	SlidingExpiration time.Duration `yaml:"slidingExpiration"`
	Priority          string        `yaml:"priority"`
	Size              int64         `yaml:"size"`
}

type GroupConfig struct {
	Name     string          `yaml:"name"`
	Cache    *PolicyConfig   `yaml:"cache"`
	Handlers []HandlerConfig `yaml:"handlers"`
}

type HandlerConfig struct {
	Name  string        `yaml:"name"`
	Cache *PolicyConfig `yaml:"cache"`
}

type RouteConfig struct {
	Method  string `yaml:"method"`
	Pattern string `yaml:"pattern"`
	Group   string `yaml:"group"`
	Handler string `yaml:"handler"`
}

func Default() Config {
	return Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "debug"},
		Store: StoreConfig{
			Provider:        "memory",
			CompactInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Tracing: TracingConfig{SampleRate: 1},
	}
}

// Load reads the configuration file, applies environment overrides and validates the result.
func Load(filename string) (Config, error) {
	config := Default()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	LoadFromEnv(&config)
	return config, config.Validate()
}

// LoadFromEnv overrides configuration values with ROUTECACHE_* environment variables.
func LoadFromEnv(config *Config) {
	if v := os.Getenv("ROUTECACHE_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("ROUTECACHE_ORIGIN"); v != "" {
		config.Origin = v
	}
	if v := os.Getenv("ROUTECACHE_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("ROUTECACHE_STORE"); v != "" {
		config.Store.Provider = v
	}
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

func (c Config) Validate() error {
	if c.Origin != "" {
		if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid origin %q", c.Origin)
		}
	}
	switch c.Store.Provider {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Store.SizeLimit < 0 {
		return fmt.Errorf("negative store size limit")
	}
	for _, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("group without name")
		}
		if err := g.Cache.validate(); err != nil {
			return fmt.Errorf("group %s: %w", g.Name, err)
		}
		for _, h := range g.Handlers {
			if h.Name == "" {
				return fmt.Errorf("group %s: handler without name", g.Name)
			}
			if err := h.Cache.validate(); err != nil {
				return fmt.Errorf("group %s handler %s: %w", g.Name, h.Name, err)
			}
		}
	}
	for i, r := range c.Routes {
		if !knownMethods[strings.ToUpper(r.Method)] {
			return fmt.Errorf("route %d: unsupported method %q", i, r.Method)
		}
		if !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("route %d: pattern %q must start with /", i, r.Pattern)
		}
	}
	return nil
}

func (p *PolicyConfig) validate() error {
	if p == nil {
		return nil
	}
	if p.ExpiresAfter < 0 || p.SlidingExpiration < 0 || p.Size < 0 {
		return fmt.Errorf("negative cache option")
	}
	_, err := cache.ParsePriority(p.Priority)
	return err
}

// Policy converts the YAML form. A declared policy is enabled unless it says otherwise.
func (p PolicyConfig) Policy() (policy.Policy, error) {
	priority, err := cache.ParsePriority(p.Priority)
	if err != nil {
		return policy.Policy{}, err
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return policy.Policy{
		Enabled:           enabled,
		SafeRead:          p.SafeRead,
		ExpiresAt:         p.ExpiresAt,
		ExpiresAfter:      p.ExpiresAfter,
		SlidingExpiration: p.SlidingExpiration,
		Priority:          priority,
		Size:              p.Size,
	}, nil
}

// PolicyTable builds the declared group and handler policies.
func (c Config) PolicyTable() (*policy.Table, error) {
	table := policy.NewTable()
	for _, g := range c.Groups {
		if g.Cache != nil {
			p, err := g.Cache.Policy()
			if err != nil {
				return nil, fmt.Errorf("group %s: %w", g.Name, err)
			}
			table.DeclareGroup(g.Name, p)
		}
		for _, h := range g.Handlers {
			if h.Cache == nil {
				continue
			}
			p, err := h.Cache.Policy()
			if err != nil {
				return nil, fmt.Errorf("group %s handler %s: %w", g.Name, h.Name, err)
			}
			table.DeclareHandler(g.Name, h.Name, p)
		}
	}
	return table, nil
}

// RouteTable builds the route table with the declared policies.
func (c Config) RouteTable() (*routing.Table, error) {
	policies, err := c.PolicyTable()
	if err != nil {
		return nil, err
	}
	table := routing.NewTable(policies)
	for _, r := range c.Routes {
		table.Handle(r.Method, r.Pattern, routing.Route{Group: r.Group, Handler: r.Handler})
	}
	return table, nil
}

// NewStore creates the configured store.
func (c Config) NewStore() (Store, error) {
	switch c.Store.Provider {
	case "sqlite":
		store, err := cache.NewSQLiteStore(cache.SQLiteOptions{
			DSN:       c.Store.DSN,
			SizeLimit: c.Store.SizeLimit,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return cache.NewMemoryStore(cache.MemoryOptions{SizeLimit: c.Store.SizeLimit}), nil
	}
}

// Store is a cache.Store that can be compacted in the background and closed.
type Store interface {
	cache.Store
	Run(ctx context.Context, interval time.Duration)
	Len() int
	Size() int64
	Close() error
}
