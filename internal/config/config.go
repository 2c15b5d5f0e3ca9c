package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "GRAVITY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultShutdownTimeout   = 20 * time.Second
	defaultDatabasePath      = "gravity.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultCookieName        = "app_session"
	defaultIssuer            = "gravity-auth"
	defaultFlushDebounce     = 2 * time.Second
	defaultFlushMaxDelay     = 10 * time.Second
	defaultIdleTimeout       = 5 * time.Minute
	defaultSnapshotRetention = 10
)

// Configuration keys shared by flags, env and config files.
const (
	KeyHTTPAddress       = "http.address"
	KeyAllowedOrigins    = "http.allowed_origins"
	KeyShutdownTimeout   = "http.shutdown_timeout"
	KeyDatabasePath      = "database.path"
	KeyLogLevel          = "log.level"
	KeyLogEncoding       = "log.encoding"
	KeySigningSecret     = "auth.signing_secret"
	KeyIssuer            = "auth.issuer"
	KeyCookieName        = "auth.cookie_name"
	KeyFlushDebounce     = "collab.flush_debounce"
	KeyFlushMaxDelay     = "collab.flush_max_delay"
	KeyIdleTimeout       = "collab.idle_timeout"
	KeySnapshotRetention = "collab.snapshot_retention"
	KeyRedisURL          = "collab.redis_url"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	ShutdownTimeout   time.Duration
	DatabasePath      string
	LogLevel          string
	LogEncoding       string
	SigningSecret     string
	Issuer            string
	CookieName        string
	FlushDebounce     time.Duration
	FlushMaxDelay     time.Duration
	IdleTimeout       time.Duration
	SnapshotRetention int
	RedisURL          string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyShutdownTimeout, defaultShutdownTimeout)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyLogEncoding, defaultLogEncoding)
	configViper.SetDefault(KeyIssuer, defaultIssuer)
	configViper.SetDefault(KeyCookieName, defaultCookieName)
	configViper.SetDefault(KeyFlushDebounce, defaultFlushDebounce)
	configViper.SetDefault(KeyFlushMaxDelay, defaultFlushMaxDelay)
	configViper.SetDefault(KeyIdleTimeout, defaultIdleTimeout)
	configViper.SetDefault(KeySnapshotRetention, defaultSnapshotRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       strings.TrimSpace(configViper.GetString(KeyHTTPAddress)),
		AllowedOrigins:    splitList(configViper.Get(KeyAllowedOrigins)),
		ShutdownTimeout:   configViper.GetDuration(KeyShutdownTimeout),
		DatabasePath:      strings.TrimSpace(configViper.GetString(KeyDatabasePath)),
		LogLevel:          configViper.GetString(KeyLogLevel),
		LogEncoding:       strings.ToLower(strings.TrimSpace(configViper.GetString(KeyLogEncoding))),
		SigningSecret:     configViper.GetString(KeySigningSecret),
		Issuer:            strings.TrimSpace(configViper.GetString(KeyIssuer)),
		CookieName:        strings.TrimSpace(configViper.GetString(KeyCookieName)),
		FlushDebounce:     configViper.GetDuration(KeyFlushDebounce),
		FlushMaxDelay:     configViper.GetDuration(KeyFlushMaxDelay),
		IdleTimeout:       configViper.GetDuration(KeyIdleTimeout),
		SnapshotRetention: configViper.GetInt(KeySnapshotRetention),
		RedisURL:          strings.TrimSpace(configViper.GetString(KeyRedisURL)),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("%s is required", KeySigningSecret)
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("%s is required", KeyHTTPAddress)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if c.CookieName == "" {
		return fmt.Errorf("%s is required", KeyCookieName)
	}
	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		return fmt.Errorf("%s must be json or console, got %q", KeyLogEncoding, c.LogEncoding)
	}
	if c.FlushDebounce <= 0 || c.FlushMaxDelay <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("collab durations must be positive")
	}
	if c.FlushMaxDelay < c.FlushDebounce {
		return fmt.Errorf("%s must not be shorter than %s", KeyFlushMaxDelay, KeyFlushDebounce)
	}
	if c.SnapshotRetention <= 0 {
		return fmt.Errorf("%s must be positive", KeySnapshotRetention)
	}
	return nil
}

// splitList accepts a list from a config file or a comma separated env value.
func splitList(value any) []string {
	var parts []string
	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(typed, ",")
	case []string:
		parts = typed
	case []any:
		for _, item := range typed {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(typed)}
	}
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
