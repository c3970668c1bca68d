// Package config holds the proxy's YAML-plus-env-override configuration,
// following the teacher's Config/Get()/LoadConfig() singleton pattern,
// trimmed to the sections this service needs and made hot-swappable via
// an atomic.Pointer, per the FSM spec's "cache_param is process-wide,
// read-mostly, swap the whole struct atomically" design note.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Redis   RedisConfig   `yaml:"redis"`
	Policy  PolicyConfig  `yaml:"policy"`
	Metrics MetricsConfig `yaml:"metrics"`
	Fetch   FetchConfig   `yaml:"fetch"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	AdminAddr       string `yaml:"admin_addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

// CacheConfig governs FSM-level behavior: §3/§9's cache_param equivalent.
type CacheConfig struct {
	MaxRestarts          int     `yaml:"max_restarts"`
	HTTPRespSize         int     `yaml:"http_resp_size"`
	LRUTouchThresholdSec float64 `yaml:"lru_touch_threshold_sec"`
	GzipEnabled          bool    `yaml:"gzip_enabled"`
	DebugTrace           bool    `yaml:"debug_trace"`
}

func (c CacheConfig) LRUTouchThreshold() time.Duration {
	return time.Duration(c.LRUTouchThresholdSec * float64(time.Second))
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Prefix  string `yaml:"prefix"`
}

type PolicyConfig struct {
	Remote     bool   `yaml:"remote"`
	RemoteAddr string `yaml:"remote_addr"`
	DialTimeoutSec int `yaml:"dial_timeout_sec"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type FetchConfig struct {
	Backends       []string `yaml:"backends"`
	DialTimeoutSec int      `yaml:"dial_timeout_sec"`
	ReqTimeoutSec  int      `yaml:"req_timeout_sec"`
	StreamChunks   bool     `yaml:"stream_chunks"`
}

func (f FetchConfig) DialTimeout() time.Duration { return time.Duration(f.DialTimeoutSec) * time.Second }
func (f FetchConfig) ReqTimeout() time.Duration  { return time.Duration(f.ReqTimeoutSec) * time.Second }

var current atomic.Pointer[Config]

// Get returns the currently active configuration snapshot. Call Load or
// Store first; otherwise Get installs and returns defaultConfig()'s
// built-in defaults.
func Get() *Config {
	cfg := current.Load()
	if cfg == nil {
		cfg = defaultConfig()
		current.Store(cfg)
	}
	return cfg
}

// Store hot-swaps the active configuration. Handlers always read through
// Get, so in-flight requests finish against whichever snapshot they
// started with.
func Store(cfg *Config) {
	current.Store(cfg)
}

// Load reads path as YAML, layers environment overrides on top, and
// installs the result as the active snapshot.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("config: failed to open config file, using defaults", "path", path, "error", err)
	} else {
		defer f.Close()
		if derr := yaml.NewDecoder(f).Decode(cfg); derr != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, derr)
		}
	}

	cfg.applyEnvOverrides()
	current.Store(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			AdminAddr:       ":8081",
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
			IdleTimeoutSec:  120,
		},
		Cache: CacheConfig{
			MaxRestarts:          5,
			HTTPRespSize:         8192,
			LRUTouchThresholdSec: 60,
			GzipEnabled:          true,
		},
		Policy: PolicyConfig{DialTimeoutSec: 5},
		Fetch: FetchConfig{
			DialTimeoutSec: 5,
			ReqTimeoutSec:  30,
			StreamChunks:   true,
		},
		Metrics: MetricsConfig{Enabled: true, ListenAddr: ":9090"},
	}
}

func (c *Config) applyEnvOverrides() {
	c.Server.ListenAddr = getEnv("CACHEPROXY_LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.AdminAddr = getEnv("CACHEPROXY_ADMIN_ADDR", c.Server.AdminAddr)

	c.Cache.MaxRestarts = getEnvInt("CACHEPROXY_MAX_RESTARTS", c.Cache.MaxRestarts)
	c.Cache.GzipEnabled = getEnvBool("CACHEPROXY_GZIP_ENABLED", c.Cache.GzipEnabled)
	c.Cache.DebugTrace = getEnvBool("CACHEPROXY_DEBUG_TRACE", c.Cache.DebugTrace)

	c.Redis.Enabled = getEnvBool("CACHEPROXY_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("CACHEPROXY_REDIS_ADDR", c.Redis.Addr)

	c.Policy.Remote = getEnvBool("CACHEPROXY_POLICY_REMOTE", c.Policy.Remote)
	c.Policy.RemoteAddr = getEnv("CACHEPROXY_POLICY_ADDR", c.Policy.RemoteAddr)

	c.Metrics.Enabled = getEnvBool("CACHEPROXY_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.ListenAddr = getEnv("CACHEPROXY_METRICS_ADDR", c.Metrics.ListenAddr)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
