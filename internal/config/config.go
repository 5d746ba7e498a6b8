package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Port       string `yaml:"port"`
	DBURL      string `yaml:"database_url"`
	DBMigrate  bool   `yaml:"db_migrate"`
	Migrations string `yaml:"migrations_dir"`
}

type Events struct {
	RedisURL      string `yaml:"redis_url"`
	AlertChannel  string `yaml:"alert_channel"`
	AMQPURL       string `yaml:"amqp_url"`
	AuditExchange string `yaml:"audit_exchange"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	WebhookTries  int    `yaml:"webhook_max_attempts"`
}

type Auth struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmac_secret"`
}

// Engine holds the reassignment and validation constants.
type Engine struct {
	ServiceMinutesPerStop int     `yaml:"service_minutes_per_stop"`
	DistanceKmPerStop     float64 `yaml:"distance_km_per_stop"`
	PenaltyFactor         float64 `yaml:"penalty_factor"`
	LicenseWarnDays       int     `yaml:"license_warn_days"`
	OptionLimit           int     `yaml:"option_limit"`
}

type Batch struct {
	Size         int     `yaml:"size"`
	TimeoutMs    int     `yaml:"timeout_ms"`
	ChunksPerSec float64 `yaml:"chunks_per_sec"`
}

type Solver struct {
	SpeedKph   float64 `yaml:"speed_kph"`
	ServiceSec int     `yaml:"service_sec"`
}

type Config struct {
	Server Server `yaml:"server"`
	Events Events `yaml:"events"`
	Auth   Auth   `yaml:"auth"`
	Engine Engine `yaml:"engine"`
	Batch  Batch  `yaml:"batch"`
	Solver Solver `yaml:"solver"`
}

func Defaults() Config {
	return Config{
		Server: Server{Port: "8080", DBMigrate: true, Migrations: "db/migrations"},
		Events: Events{AlertChannel: "alerts", AuditExchange: "audit_topic", WebhookTries: 5},
		Auth:   Auth{Mode: "dev"},
		Engine: Engine{ServiceMinutesPerStop: 15, DistanceKmPerStop: 5, PenaltyFactor: 1, LicenseWarnDays: 30, OptionLimit: 5},
		Batch:  Batch{Size: 500, TimeoutMs: 300000},
		Solver: Solver{SpeedKph: 40, ServiceSec: 300},
	}
}

func (b Batch) Timeout() time.Duration { return time.Duration(b.TimeoutMs) * time.Millisecond }

// Load applies defaults, then the YAML file at path (skipped when path is empty
// or missing), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(c *Config) error {
	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.DBURL = envOr("DATABASE_URL", c.Server.DBURL)
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		c.Server.DBMigrate = v != "false"
	}
	c.Events.RedisURL = envOr("REDIS_URL", c.Events.RedisURL)
	c.Events.AlertChannel = envOr("ALERT_CHANNEL", c.Events.AlertChannel)
	c.Events.AMQPURL = envOr("AMQP_URL", c.Events.AMQPURL)
	c.Events.AuditExchange = envOr("AUDIT_EXCHANGE", c.Events.AuditExchange)
	c.Events.WebhookURL = envOr("ALERT_WEBHOOK_URL", c.Events.WebhookURL)
	c.Events.WebhookSecret = envOr("ALERT_WEBHOOK_SECRET", c.Events.WebhookSecret)
	c.Auth.Mode = envOr("AUTH_MODE", c.Auth.Mode)
	c.Auth.HMACSecret = envOr("AUTH_HMAC_SECRET", c.Auth.HMACSecret)

	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil { errs = append(errs, fmt.Errorf("%s: %w", key, err)); return }
			*dst = n
		}
	}
	floatVar := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil { errs = append(errs, fmt.Errorf("%s: %w", key, err)); return }
			*dst = f
		}
	}
	intVar("ENGINE_SERVICE_MINUTES", &c.Engine.ServiceMinutesPerStop)
	floatVar("ENGINE_DISTANCE_KM", &c.Engine.DistanceKmPerStop)
	floatVar("ENGINE_PENALTY_FACTOR", &c.Engine.PenaltyFactor)
	intVar("ENGINE_LICENSE_WARN_DAYS", &c.Engine.LicenseWarnDays)
	intVar("ENGINE_OPTION_LIMIT", &c.Engine.OptionLimit)
	intVar("ALERT_WEBHOOK_MAX_ATTEMPTS", &c.Events.WebhookTries)
	intVar("BATCH_SIZE", &c.Batch.Size)
	intVar("BATCH_TIMEOUT_MS", &c.Batch.TimeoutMs)
	floatVar("BATCH_CHUNKS_PER_SEC", &c.Batch.ChunksPerSec)
	floatVar("SOLVER_SPEED_KPH", &c.Solver.SpeedKph)
	intVar("SOLVER_SERVICE_SEC", &c.Solver.ServiceSec)
	return errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	if c.Batch.Size <= 0 { errs = append(errs, errors.New("batch.size must be > 0")) }
	if c.Batch.TimeoutMs <= 0 { errs = append(errs, errors.New("batch.timeout_ms must be > 0")) }
	if c.Engine.OptionLimit <= 0 { errs = append(errs, errors.New("engine.option_limit must be > 0")) }
	if c.Engine.PenaltyFactor < 0 { errs = append(errs, errors.New("engine.penalty_factor must be >= 0")) }
	if c.Auth.Mode == "hmac" && c.Auth.HMACSecret == "" { errs = append(errs, errors.New("auth.hmac_secret is required in hmac mode")) }
	if c.Solver.SpeedKph <= 0 { errs = append(errs, errors.New("solver.speed_kph must be > 0")) }
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
