package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/examlink/sebconn/helpers"
)

// DatabaseEndpointConfig holds configuration for a single PostgreSQL endpoint.
type DatabaseEndpointConfig struct {
	// Hosts accepts plain hostnames or host:port pairs. Multiple read hosts are
	// balanced by the driver.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // string or integer, default "5432"
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
	QueryTimeout    string      `toml:"query_timeout"`
}

// DatabaseConfig selects and configures the connection store.
type DatabaseConfig struct {
	Driver           string                  `toml:"driver"` // "postgres" or "sqlite"
	Debug            bool                    `toml:"debug"`  // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`
	WriteTimeout     string                  `toml:"write_timeout"`
	MigrationTimeout string                  `toml:"migration_timeout"`
	AutoMigrate      *bool                   `toml:"auto_migrate"`
	SQLitePath       string                  `toml:"sqlite_path"`
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"`
}

// GetPort returns the endpoint port as a string, accepting either TOML type.
func (e *DatabaseEndpointConfig) GetPort() (string, error) {
	switch p := e.Port.(type) {
	case nil:
		return "5432", nil
	case string:
		if p == "" {
			return "5432", nil
		}
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("invalid database port %q", p)
		}
		return p, nil
	case int64:
		return strconv.FormatInt(p, 10), nil
	case int:
		return strconv.Itoa(p), nil
	default:
		return "", fmt.Errorf("invalid database port type %T", e.Port)
	}
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the query timeout duration for an endpoint.
func (e *DatabaseEndpointConfig) GetQueryTimeout() (time.Duration, error) {
	if e.QueryTimeout == "" {
		return 0, nil // caller falls back to the database-wide timeout
	}
	return helpers.ParseDuration(e.QueryTimeout)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// GetAutoMigrate reports whether pending migrations run at startup (default true).
func (d *DatabaseConfig) GetAutoMigrate() bool {
	if d.AutoMigrate == nil {
		return true
	}
	return *d.AutoMigrate
}

func (d *DatabaseConfig) GetDebug() bool {
	return d.Debug
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"` // "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"` // "json" or "console"
	Level     string `toml:"level"`  // "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"`
}

// SessionConfig controls the connection lifecycle rules.
type SessionConfig struct {
	// AllowUnauthenticatedEstablish lets a REQUESTED connection be established
	// without a prior user session binding. A warning is logged when used.
	AllowUnauthenticatedEstablish *bool  `toml:"allow_unauthenticated_establish"`
	LockTimeout                   string `toml:"lock_timeout"` // wait for the per-token lock
}

func (s *SessionConfig) GetAllowUnauthenticatedEstablish() bool {
	if s.AllowUnauthenticatedEstablish == nil {
		return true
	}
	return *s.AllowUnauthenticatedEstablish
}

func (s *SessionConfig) GetLockTimeout() (time.Duration, error) {
	if s.LockTimeout == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(s.LockTimeout)
}

// CacheConfig configures the connection cache.
type CacheConfig struct {
	MaxSize      int    `toml:"max_size"`     // 0 means unbounded
	LoadTimeout  string `toml:"load_timeout"` // bound on a single store load
	ExamCacheTTL string `toml:"exam_cache_ttl"`
}

func (c *CacheConfig) GetLoadTimeout() (time.Duration, error) {
	if c.LoadTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(c.LoadTimeout)
}

func (c *CacheConfig) GetExamCacheTTL() (time.Duration, error) {
	if c.ExamCacheTTL == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.ExamCacheTTL)
}

// PingConfig selects and configures the ping monitor.
type PingConfig struct {
	Strategy       string `toml:"strategy"` // "local" or "redis"
	Timeout        string `toml:"timeout"`  // a connection without ping for this long counts as missing
	SweepInterval  string `toml:"sweep_interval"`
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	RedisKeyPrefix string `toml:"redis_key_prefix"`
	RedisRecordTTL string `toml:"redis_record_ttl"`
}

func (p *PingConfig) GetTimeout() (time.Duration, error) {
	if p.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(p.Timeout)
}

func (p *PingConfig) GetSweepInterval() (time.Duration, error) {
	if p.SweepInterval == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(p.SweepInterval)
}

func (p *PingConfig) GetRedisRecordTTL() (time.Duration, error) {
	if p.RedisRecordTTL == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(p.RedisRecordTTL)
}

// EventsConfig selects the event persistence strategy and sizes the
// indicator dispatcher.
type EventsConfig struct {
	Strategy         string `toml:"strategy"` // "single" or "batch"
	BatchSize        int    `toml:"batch_size"`
	FlushInterval    string `toml:"flush_interval"`
	IndicatorWorkers int    `toml:"indicator_workers"`
	QueueSize        int    `toml:"queue_size"`
}

func (e *EventsConfig) GetFlushInterval() (time.Duration, error) {
	if e.FlushInterval == "" {
		return 100 * time.Millisecond, nil
	}
	return helpers.ParseDuration(e.FlushInterval)
}

// AdminAPIConfig holds the admin/monitoring HTTP API configuration
type AdminAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Session  SessionConfig  `toml:"session"`
	Cache    CacheConfig    `toml:"cache"`
	Ping     PingConfig     `toml:"ping"`
	Events   EventsConfig   `toml:"events"`
	AdminAPI AdminAPIConfig `toml:"admin_api"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			QueryTimeout: "10s",
			WriteTimeout: "10s",
			SQLitePath:   "sebconn.db",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "sebconn",
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Cache: CacheConfig{
			MaxSize:      100000,
			LoadTimeout:  "5s",
			ExamCacheTTL: "30s",
		},
		Ping: PingConfig{
			Strategy:       "local",
			Timeout:        "5s",
			SweepInterval:  "2s",
			RedisAddr:      "localhost:6379",
			RedisKeyPrefix: "sebconn:ping:",
			RedisRecordTTL: "24h",
		},
		Events: EventsConfig{
			Strategy:         "single",
			BatchSize:        100,
			FlushInterval:    "100ms",
			IndicatorWorkers: 4,
			QueueSize:        10000,
		},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:8090",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks enum values, required fields and every duration string.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
			return fmt.Errorf("database.write.hosts is required for the postgres driver")
		}
		if _, err := c.Database.Write.GetPort(); err != nil {
			return fmt.Errorf("database.write: %w", err)
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be \"postgres\" or \"sqlite\", got %q", c.Database.Driver)
	}

	switch c.Ping.Strategy {
	case "local":
	case "redis":
		if c.Ping.RedisAddr == "" {
			return fmt.Errorf("ping.redis_addr is required for the redis strategy")
		}
	default:
		return fmt.Errorf("ping.strategy must be \"local\" or \"redis\", got %q", c.Ping.Strategy)
	}

	switch c.Events.Strategy {
	case "single":
	case "batch":
		if c.Events.BatchSize <= 0 {
			return fmt.Errorf("events.batch_size must be positive for the batch strategy")
		}
	default:
		return fmt.Errorf("events.strategy must be \"single\" or \"batch\", got %q", c.Events.Strategy)
	}
	if c.Events.IndicatorWorkers < 0 || c.Events.QueueSize < 0 {
		return fmt.Errorf("events.indicator_workers and events.queue_size must not be negative")
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("cache.max_size must not be negative")
	}

	if c.AdminAPI.Start && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api.api_key is required when the admin API is started")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"console\", got %q", c.Logging.Format)
	}

	durations := []struct {
		name string
		get  func() (time.Duration, error)
	}{
		{"database.query_timeout", c.Database.GetQueryTimeout},
		{"database.write_timeout", c.Database.GetWriteTimeout},
		{"database.migration_timeout", c.Database.GetMigrationTimeout},
		{"session.lock_timeout", c.Session.GetLockTimeout},
		{"cache.load_timeout", c.Cache.GetLoadTimeout},
		{"cache.exam_cache_ttl", c.Cache.GetExamCacheTTL},
		{"ping.timeout", c.Ping.GetTimeout},
		{"ping.sweep_interval", c.Ping.GetSweepInterval},
		{"ping.redis_record_ttl", c.Ping.GetRedisRecordTTL},
		{"events.flush_interval", c.Events.GetFlushInterval},
	}
	for _, d := range durations {
		v, err := d.get()
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	return nil
}
