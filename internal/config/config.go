package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/telemetry-ingest-service/internal/schema"
)

const (
	DefaultRoutePath      = "/loftBMEData"
	DefaultCollection     = "loft"
	DefaultMongoURI       = "mongodb://localhost:27017"
	DefaultMongoDatabase  = "sensors"
	DefaultMaxBodyBytes   = 64 << 10
	defaultServerPort     = "8080"
	defaultStoreBackend   = "mongo"
	defaultRateLimitRPS   = 10
	defaultRateLimitBurst = 20
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	RequestTimeout time.Duration
	MaxBodyBytes   int64

	StoreBackend        string // "mongo", "postgres" or "memory"
	MongoURI            string
	MongoDatabase       string
	MongoConnectTimeout time.Duration
	MongoMaxPoolSize    uint64
	PostgresDSN         string
	PostgresMaxConns    int32

	NormalizeSingleQuotes bool

	Routes []schema.RouteSchema

	RateLimitRPS   int // 0 disables the limiter
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	HealthPingTimeout    time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	AdminEnabled bool
}

type fileConfig struct {
	Server struct {
		Port         string `yaml:"port"`
		Addr         string `yaml:"addr"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		IdleTimeout  string `yaml:"idle_timeout"`
	} `yaml:"server"`

	Request struct {
		Timeout      string `yaml:"timeout"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
	} `yaml:"request"`

	Store struct {
		Backend string `yaml:"backend"`
		Mongo   struct {
			URI            string `yaml:"uri"`
			Database       string `yaml:"database"`
			ConnectTimeout string `yaml:"connect_timeout"`
			MaxPoolSize    uint64 `yaml:"max_pool_size"`
		} `yaml:"mongo"`
		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int32  `yaml:"max_conns"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Validation struct {
		NormalizeSingleQuotes bool `yaml:"normalize_single_quotes"`
	} `yaml:"validation"`

	Routes []routeConfig `yaml:"routes"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		HealthPingTimeout    string `yaml:"health_ping_timeout"`
	} `yaml:"lifecycle"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"inflight_timeout"`
		InFlightCheckInterval string `yaml:"inflight_check_interval"`
	} `yaml:"shutdown"`

	Admin struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"admin"`
}

type routeConfig struct {
	Path       string        `yaml:"path"`
	Collection string        `yaml:"collection"`
	Fields     []fieldConfig `yaml:"fields"`
}

type fieldConfig struct {
	Name string   `yaml:"name"`
	Type string   `yaml:"type"`
	Min  *float64 `yaml:"min"`
	Max  *float64 `yaml:"max"`
	Unit string   `yaml:"unit"`
}

type secretsFile struct {
	MongoURI    string `yaml:"mongo_uri"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "config", env+".yaml"))
}

// LoadFile reads configuration from path. secrets.yaml is looked up next to it.
// Env vars MONGO_URI, POSTGRES_DSN, LISTEN_ADDR and STORE_BACKEND take precedence.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	sec, err := loadSecrets(filepath.Join(filepath.Dir(path), "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ListenAddr = strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = strings.TrimSpace(fc.Server.Addr)
	}
	if cfg.ListenAddr == "" {
		port := fc.Server.Port
		if port == "" {
			port = defaultServerPort
		}
		cfg.ListenAddr = ":" + port
	}
	cfg.ReadTimeout = parseDuration(fc.Server.ReadTimeout, 10*time.Second)
	cfg.WriteTimeout = parseDuration(fc.Server.WriteTimeout, 10*time.Second)
	cfg.IdleTimeout = parseDuration(fc.Server.IdleTimeout, 60*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.MaxBodyBytes = fc.Request.MaxBodyBytes
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	cfg.StoreBackend = strings.TrimSpace(strings.ToLower(os.Getenv("STORE_BACKEND")))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = strings.TrimSpace(strings.ToLower(fc.Store.Backend))
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	cfg.MongoURI = firstNonEmpty(os.Getenv("MONGO_URI"), sec.MongoURI, fc.Store.Mongo.URI, DefaultMongoURI)
	cfg.MongoDatabase = firstNonEmpty(fc.Store.Mongo.Database, DefaultMongoDatabase)
	cfg.MongoConnectTimeout = parseDuration(fc.Store.Mongo.ConnectTimeout, 10*time.Second)
	cfg.MongoMaxPoolSize = fc.Store.Mongo.MaxPoolSize
	cfg.PostgresDSN = firstNonEmpty(os.Getenv("POSTGRES_DSN"), sec.PostgresDSN, fc.Store.Postgres.DSN)
	cfg.PostgresMaxConns = fc.Store.Postgres.MaxConns
	if cfg.PostgresMaxConns <= 0 {
		cfg.PostgresMaxConns = 4
	}

	cfg.NormalizeSingleQuotes = fc.Validation.NormalizeSingleQuotes

	cfg.Routes, err = buildRoutes(fc.Routes)
	if err != nil {
		return nil, err
	}

	switch rps := fc.Reliability.RateLimitRPS; {
	case rps < 0:
		cfg.RateLimitRPS = 0
	case rps == 0:
		cfg.RateLimitRPS = defaultRateLimitRPS
	default:
		cfg.RateLimitRPS = rps
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.HealthPingTimeout = parseDuration(fc.Lifecycle.HealthPingTimeout, 2*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 10*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 5*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 50*time.Millisecond)

	cfg.AdminEnabled = fc.Admin.Enabled

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

// buildRoutes converts route entries into schemas. No routes means the single
// default loft route; a route without fields gets the loft sensor's fields.
func buildRoutes(rcs []routeConfig) ([]schema.RouteSchema, error) {
	if len(rcs) == 0 {
		return []schema.RouteSchema{schema.LoftBME(DefaultRoutePath, DefaultCollection)}, nil
	}
	routes := make([]schema.RouteSchema, 0, len(rcs))
	for _, rc := range rcs {
		path := strings.TrimSpace(rc.Path)
		collection := strings.TrimSpace(rc.Collection)
		if len(rc.Fields) == 0 {
			routes = append(routes, schema.LoftBME(path, collection))
			continue
		}
		rs := schema.RouteSchema{Path: path, Collection: collection}
		for _, fc := range rc.Fields {
			f := schema.Field{
				Name: strings.TrimSpace(fc.Name),
				Type: schema.FieldType(strings.ToLower(strings.TrimSpace(fc.Type))),
				Unit: fc.Unit,
			}
			switch {
			case fc.Min != nil && fc.Max != nil:
				f.Bounds = &schema.Bounds{Min: *fc.Min, Max: *fc.Max}
			case fc.Min != nil || fc.Max != nil:
				return nil, fmt.Errorf("route %s: field %q needs both min and max", path, f.Name)
			}
			rs.Fields = append(rs.Fields, f)
		}
		routes = append(routes, rs)
	}
	return routes, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// validate performs post-load validation of configuration values. Routes are
// checked by building a registry so a bad schema fails at startup.
func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case "mongo", "memory":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN required for store.backend postgres (set env or config/secrets.yaml postgres_dsn)")
		}
	default:
		return fmt.Errorf("store.backend must be mongo, postgres or memory, got %q", cfg.StoreBackend)
	}
	if _, err := schema.NewRegistry(cfg.Routes...); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	if cfg.ShutdownInFlightTimeout > cfg.ShutdownTimeout {
		cfg.ShutdownInFlightTimeout = cfg.ShutdownTimeout
	}
	return nil
}
