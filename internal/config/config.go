// Package config loads the bridge configuration from an optional YAML file, a .env file and
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/akutishevsky/withings-mcp/security"
)

// MinEncryptionSecretLength is the shortest accepted vault secret in bytes
const MinEncryptionSecretLength = security.MinSecretLength

// Storage backends
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Config is the runtime configuration of the bridge
type Config struct {
	BaseURL    string `yaml:"baseURL"`
	ListenAddr string `yaml:"listenAddr"`

	Withings WithingsConfig `yaml:"withings"`

	// EncryptionSecret keys the credential vault. Never set it in the YAML file of a shared repo.
	EncryptionSecret string `yaml:"encryptionSecret"`

	AllowedOrigins []string `yaml:"allowedOrigins"`
	TrustProxy     bool     `yaml:"trustProxy"`

	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`

	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// WithingsConfig holds the Withings developer application credentials
type WithingsConfig struct {
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret"`
	RedirectURI  string   `yaml:"redirectURI"`
	Scopes       []string `yaml:"scopes"`
	APIBaseURL   string   `yaml:"apiBaseURL"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Backend string `yaml:"backend"`

	ValkeyAddr      string `yaml:"valkeyAddr"`
	ValkeyPassword  string `yaml:"valkeyPassword"`
	ValkeyDB        int    `yaml:"valkeyDB"`
	ValkeyKeyPrefix string `yaml:"valkeyKeyPrefix"`

	DatabaseURL string `yaml:"databaseURL"`
}

// SessionConfig tunes the MCP session transport
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	MaxSessions       int           `yaml:"maxSessions"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		BaseURL:    "http://localhost:3000",
		ListenAddr: ":3000",
		Storage: StorageConfig{
			Backend:         BackendMemory,
			ValkeyAddr:      "localhost:6379",
			ValkeyKeyPrefix: "withings-mcp:",
		},
		Session: SessionConfig{
			HeartbeatInterval: 15 * time.Second,
			IdleTimeout:       30 * time.Minute,
			SweepInterval:     time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (skipped when path is
// empty), then a .env file in the working directory if present, then the process environment.
// The result is not validated; call Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
		}
	}

	// A missing .env is normal; real environment variables always win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Withings.ClientID, "WITHINGS_CLIENT_ID")
	setString(&cfg.Withings.ClientSecret, "WITHINGS_CLIENT_SECRET")
	setString(&cfg.Withings.RedirectURI, "WITHINGS_REDIRECT_URI")
	setString(&cfg.Withings.APIBaseURL, "WITHINGS_API_BASE_URL")
	setList(&cfg.Withings.Scopes, "WITHINGS_SCOPES")

	setString(&cfg.EncryptionSecret, "ENCRYPTION_SECRET")
	setString(&cfg.BaseURL, "BASE_URL")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setList(&cfg.AllowedOrigins, "ALLOWED_ORIGINS")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.ValkeyAddr, "VALKEY_ADDR")
	setString(&cfg.Storage.ValkeyPassword, "VALKEY_PASSWORD")
	setString(&cfg.Storage.ValkeyKeyPrefix, "VALKEY_KEY_PREFIX")
	setString(&cfg.Storage.DatabaseURL, "DATABASE_URL")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	if err := setInt(&cfg.Storage.ValkeyDB, "VALKEY_DB"); err != nil {
		return err
	}
	if err := setInt(&cfg.Session.MaxSessions, "MAX_SESSIONS"); err != nil {
		return err
	}
	if err := setBool(&cfg.TrustProxy, "TRUST_PROXY"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Session.IdleTimeout, "SESSION_IDLE_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&cfg.Session.HeartbeatInterval, "SESSION_HEARTBEAT_INTERVAL")
}

// Validate refuses configurations the bridge cannot start with
func (c Config) Validate() error {
	var errs []error

	if c.Withings.ClientID == "" {
		errs = append(errs, errors.New("WITHINGS_CLIENT_ID is required"))
	}
	if c.Withings.ClientSecret == "" {
		errs = append(errs, errors.New("WITHINGS_CLIENT_SECRET is required"))
	}
	if c.Withings.RedirectURI == "" {
		errs = append(errs, errors.New("WITHINGS_REDIRECT_URI is required"))
	}
	if len(c.EncryptionSecret) < MinEncryptionSecretLength {
		errs = append(errs, fmt.Errorf("ENCRYPTION_SECRET must be at least %d bytes", MinEncryptionSecretLength))
	}

	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.BaseURL))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendValkey:
		if c.Storage.ValkeyAddr == "" {
			errs = append(errs, errors.New("VALKEY_ADDR is required for the valkey backend"))
		}
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", l.Level)
	}
	return level, nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	*dst = cleaned
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be a duration: %w", key, err)
	}
	*dst = d
	return nil
}
