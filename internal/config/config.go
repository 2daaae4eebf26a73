// Package config loads trafficmon settings from a YAML file over built-in
// defaults, and store credentials from the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/limiter"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/telemetry"
)

// CredentialsEnv names the environment variable holding the JSON store
// credentials.
const CredentialsEnv = "TRAFFICMON_STORE_CREDENTIALS"

// Config is the top-level configuration for a trafficmon process.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Admin     AdminConfig         `yaml:"admin"`
	Limiter   limiter.Config      `yaml:"limiter"`
	Redis     limiter.RedisConfig `yaml:"redis"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Geo       GeoConfig           `yaml:"geo"`
	Storage   StorageConfig       `yaml:"storage"`
	Presence  PresenceConfig      `yaml:"presence"`
	Log       LogConfig           `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins is checked against the Origin header of WebSocket
	// upgrades and echoed in CORS headers. "*" allows any origin.
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SendQueue is the per-observer buffer of pending presence messages.
	SendQueue int `yaml:"send_queue"`
}

// AdminConfig protects the /admin routes. An empty token disables the check.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// TelemetryConfig controls the visit buffer and its flusher.
type TelemetryConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	BufferCapacity int           `yaml:"buffer_capacity"` // 0 = unbounded
	Overflow       string        `yaml:"overflow"`        // reject | drop_oldest
	MaxAttempts    int           `yaml:"max_attempts"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// DeadLetterPath is an NDJSON file for abandoned batches. Empty logs
	// and drops them.
	DeadLetterPath string `yaml:"dead_letter_path"`
}

// GeoConfig controls location enrichment.
type GeoConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// StorageConfig holds durable store settings that are not credentials.
type StorageConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// PresenceConfig shapes the presence broadcast.
type PresenceConfig struct {
	ExposeLocation bool `yaml:"expose_location"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":3000",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
			SendQueue:       16,
		},
		Limiter: limiter.Config{
			Backend: limiter.BackendMemory,
			Limit:   100,
			Window:  time.Minute,
		},
		Redis: limiter.RedisConfig{
			Addr: "localhost:6379",
		},
		Telemetry: TelemetryConfig{
			FlushInterval:  10 * time.Second,
			BufferCapacity: 10000,
			Overflow:       string(telemetry.OverflowDropOldest),
			MaxAttempts:    3,
			WriteTimeout:   5 * time.Second,
		},
		Geo: GeoConfig{
			Enabled:   true,
			BaseURL:   "https://ipinfo.io",
			Timeout:   2 * time.Second,
			CacheTTL:  time.Hour,
			CacheSize: 4096,
		},
		Storage: StorageConfig{
			Retention: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.SendQueue <= 0 {
		return fmt.Errorf("server.send_queue must be positive, got %d", c.Server.SendQueue)
	}
	if err := c.Limiter.Validate(); err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	if c.Limiter.Backend == limiter.BackendRedis && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when limiter.backend is redis")
	}
	if c.Telemetry.FlushInterval <= 0 {
		return fmt.Errorf("telemetry.flush_interval must be positive, got %s", c.Telemetry.FlushInterval)
	}
	if c.Telemetry.BufferCapacity < 0 {
		return fmt.Errorf("telemetry.buffer_capacity must not be negative, got %d", c.Telemetry.BufferCapacity)
	}
	if _, err := telemetry.ParseOverflowPolicy(c.Telemetry.Overflow); err != nil {
		return fmt.Errorf("telemetry.overflow: %w", err)
	}
	if c.Telemetry.MaxAttempts <= 0 {
		return fmt.Errorf("telemetry.max_attempts must be positive, got %d", c.Telemetry.MaxAttempts)
	}
	if c.Geo.Enabled && c.Geo.Timeout <= 0 {
		return fmt.Errorf("geo.timeout must be positive, got %s", c.Geo.Timeout)
	}
	if c.Storage.Retention <= 0 {
		return fmt.Errorf("storage.retention must be positive, got %s", c.Storage.Retention)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q, must be text or json", c.Log.Format)
	}
	return nil
}

// Load decodes YAML from r over the defaults. Keys that are not part of
// Config are rejected so typos do not silently fall back to defaults.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Default(), fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML config file and merges it with defaults.
// Fields not specified in the file retain their default values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("reading config file: %w", err)
	}
	return Load(bytes.NewReader(data))
}

// LoadCredentials reads store credentials from path when it is set, and
// from CredentialsEnv otherwise. Missing or malformed credentials are an
// error; trafficmon does not start without a store.
func LoadCredentials(path string) (storage.Credentials, error) {
	var raw []byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return storage.Credentials{}, fmt.Errorf("reading credentials file: %w", err)
		}
		raw = data
	} else {
		v, ok := os.LookupEnv(CredentialsEnv)
		if !ok || v == "" {
			return storage.Credentials{}, fmt.Errorf("%s is not set", CredentialsEnv)
		}
		raw = []byte(v)
	}
	return storage.ParseCredentials(raw)
}

// Example is the annotated config written by WriteExample.
const Example = `# trafficmon configuration
server:
  addr: ":3000"
  allowed_origins: ["*"]
  shutdown_timeout: 10s
  send_queue: 16

admin:
  token: ""            # bearer token for /admin, empty disables auth

limiter:
  backend: memory      # memory | redis
  limit: 100           # requests per window per address
  window: 1m

redis:
  addr: localhost:6379
  password: ""
  db: 0

telemetry:
  flush_interval: 10s
  buffer_capacity: 10000
  overflow: drop_oldest  # reject | drop_oldest
  max_attempts: 3
  write_timeout: 5s
  dead_letter_path: ""

geo:
  enabled: true
  base_url: https://ipinfo.io
  token: ""
  timeout: 2s
  cache_ttl: 1h
  cache_size: 4096

storage:
  retention: 24h

presence:
  expose_location: false

log:
  level: info
  format: text
`

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	return os.WriteFile(path, []byte(Example), 0o644)
}
