/*
config.go - Server configuration (TOML file + environment overrides)

PURPOSE:
  One Config struct drives the serve/migrate/seed commands. Values come
  from, in increasing precedence:
    1. DefaultConfig()
    2. The TOML file passed with --config (optional)
    3. LEDGER_* environment variables
    4. Command-line flags (applied by the cli package)

EXAMPLE (ledger.toml):
  [server]
  port = 8080
  shutdown_timeout = "10s"

  [database]
  driver = "sqlite"          # "sqlite" (pure Go) or "sqlite3" (cgo)
  path = "./data/ledger.db"

  [auth]
  jwt_secret = "change-me"

  [cors]
  allowed_origins = ["http://localhost:5173"]

  [monitor]
  enabled = true
  interval = "1h"
  warning_days = 7

  [log]
  level = "info"             # debug | info | warn | error
  format = "text"            # text | json

SEE ALSO:
  - cli/serve.go: Consumes the config
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	CORS     CORSConfig     `toml:"cors"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `toml:"issuer"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

type MonitorConfig struct {
	Enabled     bool   `toml:"enabled"`
	Interval    string `toml:"interval"`
	WarningDays int    `toml:"warning_days"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "",
			Port:            8080,
			ShutdownTimeout: "10s",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/ledger.db",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			Interval:    "1h",
			WarningDays: 7,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies the
// environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LEDGER_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("LEDGER_DB_PATH"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("LEDGER_DB_DRIVER"); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := lookup("LEDGER_JWT_SECRET"); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("LEDGER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LEDGER_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks the fields needed to serve HTTP.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout: %w", err))
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or sqlite3", c.Database.Driver))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters (or set LEDGER_JWT_SECRET)"))
	}
	if c.Monitor.Enabled {
		if d, err := time.ParseDuration(c.Monitor.Interval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("monitor.interval %q must be a positive duration", c.Monitor.Interval))
		}
		if c.Monitor.WarningDays < 0 {
			errs = append(errs, errors.New("monitor.warning_days must not be negative"))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ShutdownGrace parses ShutdownTimeout, falling back to 10s.
func (s ServerConfig) ShutdownGrace() time.Duration {
	d, err := time.ParseDuration(s.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Every parses Interval, falling back to one hour.
func (m MonitorConfig) Every() time.Duration {
	d, err := time.ParseDuration(m.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("log.level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger builds the process logger from the [log] section.
func (l LogConfig) NewLogger() *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
