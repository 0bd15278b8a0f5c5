package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/collab/pkg/auth"
	"github.com/vango-dev/collab/pkg/realtime"
	"github.com/vango-dev/collab/pkg/server"
	"github.com/vango-dev/collab/pkg/storage/postgres"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COLLAB_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverS3       = "s3"
)

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Realtime RealtimeConfig `yaml:"realtime" toml:"realtime"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Log      LogConfig      `yaml:"log" toml:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address" toml:"address"`
	AllowedOrigins  []string      `yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"`
	TrustedProxies  []string      `yaml:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	MaxMessageSize  int64         `yaml:"max_message_size" toml:"max_message_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	FlushInterval   time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

// RealtimeConfig configures sessions and connections.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	SendQueueSize     int           `yaml:"send_queue_size" toml:"send_queue_size"`
	MaxJoinAttempts   int           `yaml:"max_join_attempts" toml:"max_join_attempts"`
}

// StorageConfig selects and configures the content store.
type StorageConfig struct {
	// Driver is one of "memory", "postgres" or "s3".
	Driver   string         `yaml:"driver" toml:"driver"`
	Postgres PostgresConfig `yaml:"postgres" toml:"postgres"`
	S3       S3Config       `yaml:"s3" toml:"s3"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	DSN         string `yaml:"dsn" toml:"dsn"`
	Table       string `yaml:"table,omitempty" toml:"table,omitempty"`
	AutoMigrate bool   `yaml:"auto_migrate" toml:"auto_migrate"`
}

// DefaultTable reports whether the store uses the table Migrate creates.
func (p PostgresConfig) DefaultTable() bool {
	return p.Table == "" || p.Table == postgres.DefaultTable
}

// S3Config configures the S3 store.
type S3Config struct {
	Bucket      string `yaml:"bucket" toml:"bucket"`
	Prefix      string `yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	Region      string `yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	AccessKeyID string `yaml:"access_key_id,omitempty" toml:"access_key_id,omitempty"`
	SecretKey   string `yaml:"secret_key,omitempty" toml:"secret_key,omitempty"`
}

// AuthConfig configures token authentication. An empty secret disables it
// and every client connects anonymously.
type AuthConfig struct {
	Secret         string        `yaml:"secret,omitempty" toml:"secret,omitempty"`
	Issuer         string        `yaml:"issuer,omitempty" toml:"issuer,omitempty"`
	TokenTTL       time.Duration `yaml:"token_ttl" toml:"token_ttl"`
	AllowAnonymous bool          `yaml:"allow_anonymous" toml:"allow_anonymous"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`

	// File, when set, sends logs to a rotating file instead of stderr.
	File       string `yaml:"file,omitempty" toml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" toml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" toml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" toml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty" toml:"compress,omitempty"`
}

// New returns a Config with defaults applied.
func New() *Config {
	rt := realtime.DefaultConfig()
	srv := server.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Address:         srv.Address,
			MaxMessageSize:  srv.MaxMessageSize,
			WriteTimeout:    srv.WriteTimeout,
			ShutdownTimeout: srv.ShutdownTimeout,
			FlushInterval:   srv.FlushInterval,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: rt.HeartbeatInterval,
			SendQueueSize:     rt.SendQueueSize,
			MaxJoinAttempts:   rt.MaxJoinAttempts,
		},
		Storage: StorageConfig{Driver: DriverMemory},
		Auth:    AuthConfig{TokenTTL: 24 * time.Hour},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := New()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
		cfg.configPath = path
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	data = []byte(expandEnvVars(string(data)))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// ApplyEnv overrides fields from COLLAB_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("ADDRESS", &c.Server.Address)
	list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	list("TRUSTED_PROXIES", &c.Server.TrustedProxies)
	dur("FLUSH_INTERVAL", &c.Server.FlushInterval)
	dur("HEARTBEAT_INTERVAL", &c.Realtime.HeartbeatInterval)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("POSTGRES_DSN", &c.Storage.Postgres.DSN)
	str("POSTGRES_TABLE", &c.Storage.Postgres.Table)
	boolean("POSTGRES_AUTO_MIGRATE", &c.Storage.Postgres.AutoMigrate)
	str("S3_BUCKET", &c.Storage.S3.Bucket)
	str("S3_PREFIX", &c.Storage.S3.Prefix)
	str("S3_REGION", &c.Storage.S3.Region)
	str("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("AUTH_SECRET", &c.Auth.Secret)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	boolean("AUTH_ALLOW_ANONYMOUS", &c.Auth.AllowAnonymous)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
		if c.Storage.Postgres.AutoMigrate && !c.Storage.Postgres.DefaultTable() {
			errs = append(errs, fmt.Errorf("storage.postgres.auto_migrate only manages the %q table, not %q",
				postgres.DefaultTable, c.Storage.Postgres.Table))
		}
	case DriverS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, postgres, s3", c.Storage.Driver))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	if err := c.ServerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.configPath
}

// ServerConfig converts the file settings to a server.Config.
func (c *Config) ServerConfig() *server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = c.Server.Address
	cfg.AllowedOrigins = c.Server.AllowedOrigins
	cfg.CheckOrigin = nil // derived from AllowedOrigins
	cfg.TrustedProxies = c.Server.TrustedProxies
	cfg.MaxMessageSize = c.Server.MaxMessageSize
	cfg.WriteTimeout = c.Server.WriteTimeout
	cfg.ShutdownTimeout = c.Server.ShutdownTimeout
	cfg.FlushInterval = c.Server.FlushInterval
	cfg.Realtime = &realtime.Config{
		HeartbeatInterval: c.Realtime.HeartbeatInterval,
		SendQueueSize:     c.Realtime.SendQueueSize,
		MaxJoinAttempts:   c.Realtime.MaxJoinAttempts,
	}
	return cfg
}

// AuthEnabled reports whether a signing secret is configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Secret != ""
}

// AuthConfig converts the file settings to an auth.Config.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Secret:         []byte(c.Auth.Secret),
		Issuer:         c.Auth.Issuer,
		TokenTTL:       c.Auth.TokenTTL,
		AllowAnonymous: c.Auth.AllowAnonymous,
	}
}

// Encode writes the config in the format implied by ext (".yaml", ".yml"
// or ".toml"). Secrets are written as-is.
func (c *Config) Encode(ext string) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "yaml", "yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
		_ = enc.Close()
	case ".toml", "toml":
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("encoding toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	return buf.Bytes(), nil
}

// SaveTo writes the config to path, choosing the format from its extension.
func (c *Config) SaveTo(path string) error {
	data, err := c.Encode(filepath.Ext(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	c.configPath = path
	return nil
}
