package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/filter"
	"github.com/PratikDhanave/rum-correlator/internal/interceptor"
	"github.com/PratikDhanave/rum-correlator/internal/session"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config contains runtime configuration required by the service.
type Config struct {
	Addr     string
	LogLevel string
	Tracing  bool

	Driver string
	DSN    string

	APIKeys map[string]string // apiKey -> tenantID

	RateLimit RateLimit
	Redis     Redis
	Metrics   Metrics

	// Sessions is the engine configuration shared by every page session.
	Sessions session.ManagerConfig
}

// RateLimit bounds signal ingestion per tenant.
type RateLimit struct {
	RPS   float64
	Burst int
}

// Redis configures the optional record stream. Empty Addr disables it.
type Redis struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// Metrics configures the metric exporter: "stdout", "otlp" or "none".
type Metrics struct {
	Exporter string
	Endpoint string
	Insecure bool
	Interval time.Duration
}

// file is the koanf shape of config.yaml and RUM_ variables.
type file struct {
	Server struct {
		Addr      string  `koanf:"addr"`
		LogLevel  string  `koanf:"log_level"`
		Tracing   bool    `koanf:"tracing"`
		RateLimit float64 `koanf:"rate_limit"`
		Burst     int     `koanf:"burst"`
	} `koanf:"server"`
	Storage struct {
		Driver string `koanf:"driver"`
		DSN    string `koanf:"dsn"`
	} `koanf:"storage"`
	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
		Stream   string `koanf:"stream"`
		MaxLen   int64  `koanf:"max_len"`
	} `koanf:"redis"`
	Metrics struct {
		Exporter string `koanf:"exporter"`
		Endpoint string `koanf:"endpoint"`
		Insecure bool   `koanf:"insecure"`
		Interval string `koanf:"interval"`
	} `koanf:"metrics"`
	Engine struct {
		QuietWindow     string            `koanf:"quiet_window"`
		Deadlines       map[string]string `koanf:"deadlines"`
		Exclude         filter.Spec       `koanf:"exclude"`
		AlwaysSend      filter.Spec       `koanf:"always_send"`
		CapturePayloads bool              `koanf:"capture_payloads"`
		MaxPayloadBytes int               `koanf:"max_payload_bytes"`
		PollInterval    string            `koanf:"poll_interval"`
	} `koanf:"engine"`
	Sessions struct {
		MaxActive  int    `koanf:"max_active"`
		IdleExpiry string `koanf:"idle_expiry"`
	} `koanf:"sessions"`
}

// Load reads config.yaml (or the file named by RUM_CONFIG) when present,
// then RUM_-prefixed environment variables, then the DB_URL and API_KEYS
// variables.
// API_KEYS format: "tenant1:key1,tenant2:key2"
func Load() (Config, error) {
	path := strings.TrimSpace(os.Getenv("RUM_CONFIG"))
	if path == "" {
		path = "config.yaml"
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")

	// A missing file is fine; env vars may carry everything.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}

	// RUM_ENGINE__QUIET_WINDOW -> engine.quiet_window
	if err := k.Load(env.Provider("RUM_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RUM_")), "__", ".", -1)
	}), nil); err != nil {
		return Config{}, err
	}

	if !k.Exists("server.addr") {
		k.Set("server.addr", ":8080")
	}
	if !k.Exists("server.log_level") {
		k.Set("server.log_level", "info")
	}
	if !k.Exists("server.rate_limit") {
		k.Set("server.rate_limit", 50.0)
	}
	if !k.Exists("server.burst") {
		k.Set("server.burst", 100)
	}
	if !k.Exists("redis.stream") {
		k.Set("redis.stream", "rum:interactions")
	}
	if !k.Exists("metrics.exporter") {
		k.Set("metrics.exporter", "stdout")
	}
	if !k.Exists("metrics.interval") {
		k.Set("metrics.interval", "60s")
	}

	var f file
	if err := k.Unmarshal("", &f); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:     f.Server.Addr,
		LogLevel: f.Server.LogLevel,
		Tracing:  f.Server.Tracing,
		Driver:   strings.ToLower(strings.TrimSpace(f.Storage.Driver)),
		DSN:      strings.TrimSpace(f.Storage.DSN),
		RateLimit: RateLimit{
			RPS:   f.Server.RateLimit,
			Burst: f.Server.Burst,
		},
		Redis: Redis{
			Addr:     f.Redis.Addr,
			Password: f.Redis.Password,
			DB:       f.Redis.DB,
			Stream:   f.Redis.Stream,
			MaxLen:   f.Redis.MaxLen,
		},
	}

	if err := storage(&cfg); err != nil {
		return Config{}, err
	}
	var err error
	if cfg.Metrics, err = metrics(f); err != nil {
		return Config{}, err
	}

	keys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, err
	}
	// Local dev fallback so the service runs out-of-the-box.
	if len(keys) == 0 {
		keys["tenant-key-123"] = "tenant1"
	}
	cfg.APIKeys = keys

	if cfg.Sessions, err = sessions(f); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// storage picks the driver. The DB_URL variable alone still selects
// Postgres when nothing else is configured.
func storage(cfg *Config) error {
	dbURL := strings.TrimSpace(os.Getenv("DB_URL"))
	if cfg.Driver == "" {
		if dbURL != "" || strings.HasPrefix(cfg.DSN, "postgres") {
			cfg.Driver = DriverPostgres
		} else {
			cfg.Driver = DriverSQLite
		}
	}
	switch cfg.Driver {
	case DriverPostgres:
		if cfg.DSN == "" {
			cfg.DSN = dbURL
		}
		if cfg.DSN == "" {
			return errors.New("DB_URL required")
		}
	case DriverSQLite:
		if cfg.DSN == "" {
			cfg.DSN = "rum.db"
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q", DriverPostgres, DriverSQLite)
	}
	return nil
}

func metrics(f file) (Metrics, error) {
	m := Metrics{
		Exporter: strings.ToLower(strings.TrimSpace(f.Metrics.Exporter)),
		Endpoint: strings.TrimSpace(f.Metrics.Endpoint),
		Insecure: f.Metrics.Insecure,
	}
	switch m.Exporter {
	case "stdout", "none":
	case "otlp":
		if m.Endpoint == "" {
			return Metrics{}, errors.New("metrics.endpoint required for the otlp exporter")
		}
	default:
		return Metrics{}, fmt.Errorf("metrics.exporter must be stdout, otlp or none, got %q", m.Exporter)
	}
	d, err := duration("metrics.interval", f.Metrics.Interval)
	if err != nil {
		return Metrics{}, err
	}
	m.Interval = d
	return m, nil
}

func parseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return apiKeys, nil
	}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "tenant:key,tenant:key"`)
		}
		tenant := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if tenant == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "tenant:key,tenant:key"`)
		}
		apiKeys[key] = tenant
	}
	return apiKeys, nil
}

func sessions(f file) (session.ManagerConfig, error) {
	engine := correlator.DefaultConfig()
	if f.Engine.QuietWindow != "" {
		d, err := duration("engine.quiet_window", f.Engine.QuietWindow)
		if err != nil {
			return session.ManagerConfig{}, err
		}
		engine.QuietWindow = d
	}
	for typ, raw := range f.Engine.Deadlines {
		t := correlator.EventType(strings.ToLower(typ))
		if _, known := engine.Deadlines[t]; !known {
			return session.ManagerConfig{}, fmt.Errorf("engine.deadlines: unknown event type %q", typ)
		}
		d, err := duration("engine.deadlines."+typ, raw)
		if err != nil {
			return session.ManagerConfig{}, err
		}
		engine.Deadlines[t] = d
	}

	exclude, err := filter.FromSpec(f.Engine.Exclude)
	if err != nil {
		return session.ManagerConfig{}, fmt.Errorf("engine.exclude: %w", err)
	}
	alwaysSend, err := filter.FromSpec(f.Engine.AlwaysSend)
	if err != nil {
		return session.ManagerConfig{}, fmt.Errorf("engine.always_send: %w", err)
	}

	var poll time.Duration
	if f.Engine.PollInterval != "" {
		if poll, err = duration("engine.poll_interval", f.Engine.PollInterval); err != nil {
			return session.ManagerConfig{}, err
		}
	}

	var idle time.Duration
	if f.Sessions.IdleExpiry != "" {
		if idle, err = duration("sessions.idle_expiry", f.Sessions.IdleExpiry); err != nil {
			return session.ManagerConfig{}, err
		}
	}

	return session.ManagerConfig{
		Session: session.Config{
			Engine: engine,
			Interceptor: interceptor.Config{
				Exclude:         exclude,
				AlwaysSend:      alwaysSend,
				CapturePayloads: f.Engine.CapturePayloads,
				MaxPayloadBytes: f.Engine.MaxPayloadBytes,
				PollInterval:    poll,
			},
			PollInterval: poll,
		},
		MaxActive:  f.Sessions.MaxActive,
		IdleExpiry: idle,
	}, nil
}

func duration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}
