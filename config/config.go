// Package config loads relay settings from defaults, an optional TOML file
// and the environment.
package config

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/pkg/security"
)

// Config represents the complete relay configuration.
type Config struct {
	Slack     SlackConfig     `koanf:"slack" json:"slack"`
	HTTP      HTTPConfig      `koanf:"http" json:"http"`
	Upstream  UpstreamConfig  `koanf:"upstream" json:"upstream"`
	Hub       HubConfig       `koanf:"hub" json:"hub"`
	Profiles  ProfilesConfig  `koanf:"profiles" json:"profiles"`
	Processor ProcessorConfig `koanf:"processor" json:"processor"`
	Storage   StorageConfig   `koanf:"storage" json:"storage"`
	Translate TranslateConfig `koanf:"translate" json:"translate"`
	NATS      NATSConfig      `koanf:"nats" json:"nats"`
	Log       LogConfig       `koanf:"log" json:"log"`
}

// SlackConfig holds platform credentials and Web API settings.
type SlackConfig struct {
	AppToken          string        `koanf:"app_token" json:"app_token"`
	BotToken          string        `koanf:"bot_token" json:"bot_token"`
	BaseURL           string        `koanf:"base_url" json:"base_url"`
	Timeout           time.Duration `koanf:"timeout" json:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second" json:"requests_per_second"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Port           int           `koanf:"port" json:"port"`
	MaxRequestSize int64         `koanf:"max_request_size" json:"max_request_size"`
	RequestTimeout time.Duration `koanf:"request_timeout" json:"request_timeout"`
	CORSOrigins    []string      `koanf:"cors_origins" json:"cors_origins"`

	TLS security.ServerTLSConfig `koanf:"tls" json:"tls"`
}

// UpstreamConfig configures the socket session.
type UpstreamConfig struct {
	BackoffFloor time.Duration `koanf:"backoff_floor" json:"backoff_floor"`
	BackoffCap   time.Duration `koanf:"backoff_cap" json:"backoff_cap"`
	Jitter       float64       `koanf:"jitter" json:"jitter"`
	PingInterval time.Duration `koanf:"ping_interval" json:"ping_interval"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" json:"idle_timeout"`
	DialTimeout  time.Duration `koanf:"dial_timeout" json:"dial_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout" json:"write_timeout"`
}

// HubConfig configures the subscriber hub.
type HubConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" json:"heartbeat_interval"`
	InactivityTimeout time.Duration `koanf:"inactivity_timeout" json:"inactivity_timeout"`
	SweepInterval     time.Duration `koanf:"sweep_interval" json:"sweep_interval"`
	ReconnectWindow   time.Duration `koanf:"reconnect_window" json:"reconnect_window"`
	RetryAfter        time.Duration `koanf:"retry_after" json:"retry_after"`
	ClientRetry       time.Duration `koanf:"client_retry" json:"client_retry"`
	WriteTimeout      time.Duration `koanf:"write_timeout" json:"write_timeout"`
}

// ProfilesConfig configures the two-tier profile cache.
type ProfilesConfig struct {
	TTL          time.Duration `koanf:"ttl" json:"ttl"`
	PruneAge     time.Duration `koanf:"prune_age" json:"prune_age"`
	Capacity     int           `koanf:"capacity" json:"capacity"`
	PruneHour    int           `koanf:"prune_hour" json:"prune_hour"`
	FetchTimeout time.Duration `koanf:"fetch_timeout" json:"fetch_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout" json:"write_timeout"`
}

// ProcessorConfig configures the event processor.
type ProcessorConfig struct {
	ProfileTimeout time.Duration `koanf:"profile_timeout" json:"profile_timeout"`
	StoreTimeout   time.Duration `koanf:"store_timeout" json:"store_timeout"`
	PublishTimeout time.Duration `koanf:"publish_timeout" json:"publish_timeout"`
}

// StorageConfig selects the durable store. A postgres DatabaseURL wins over
// SQLitePath.
type StorageConfig struct {
	DatabaseURL string `koanf:"database_url" json:"database_url"`
	SQLitePath  string `koanf:"sqlite_path" json:"sqlite_path"`
}

// UsePostgres reports whether DatabaseURL names a Postgres server.
func (s StorageConfig) UsePostgres() bool {
	return strings.HasPrefix(s.DatabaseURL, "postgres://") || strings.HasPrefix(s.DatabaseURL, "postgresql://")
}

// SQLiteFile returns the SQLite path, honouring sqlite: database URLs.
func (s StorageConfig) SQLiteFile() string {
	if after, ok := strings.CutPrefix(s.DatabaseURL, "sqlite://"); ok {
		return after
	}
	if after, ok := strings.CutPrefix(s.DatabaseURL, "sqlite:"); ok {
		return after
	}
	return s.SQLitePath
}

// TranslateConfig configures the language model collaborator.
type TranslateConfig struct {
	Enabled    bool          `koanf:"enabled" json:"enabled"`
	OllamaHost string        `koanf:"ollama_host" json:"ollama_host"`
	Model      string        `koanf:"model" json:"model"`
	Timeout    time.Duration `koanf:"timeout" json:"timeout"`
	Attempts   int           `koanf:"attempts" json:"attempts"`
	Delay      time.Duration `koanf:"delay" json:"delay"`
	// AutoDirection translates every relayed message when set.
	AutoDirection string `koanf:"auto_direction" json:"auto_direction"`
}

// NATSConfig configures the optional bus mirror. Empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url" json:"url"`
	SubjectPrefix string `koanf:"subject_prefix" json:"subject_prefix"`

	TLS security.ClientTLSConfig `koanf:"tls" json:"tls"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", msg)
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return invalid("http.port must be between 0 and 65535")
	}
	if c.HTTP.MaxRequestSize <= 0 || c.HTTP.RequestTimeout <= 0 {
		return invalid("http limits must be positive")
	}
	if c.Slack.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Slack.BaseURL); err != nil {
			return invalid("slack.base_url is not a URL")
		}
	}
	if c.Slack.RequestsPerSecond < 0 {
		return invalid("slack.requests_per_second cannot be negative")
	}

	if c.HTTP.TLS.Enabled && (c.HTTP.TLS.CertFile == "" || c.HTTP.TLS.KeyFile == "") {
		return invalid("http.tls needs cert_file and key_file")
	}

	u := c.Upstream
	if u.BackoffFloor <= 0 || u.BackoffCap < u.BackoffFloor {
		return invalid("upstream backoff needs 0 < floor <= cap")
	}
	if u.Jitter < 0 || u.Jitter >= 1 {
		return invalid("upstream.jitter must be in [0, 1)")
	}
	if u.PingInterval <= 0 || u.IdleTimeout <= u.PingInterval {
		return invalid("upstream.idle_timeout must exceed ping_interval")
	}

	h := c.Hub
	if h.HeartbeatInterval <= 0 || h.InactivityTimeout <= h.HeartbeatInterval {
		return invalid("hub.inactivity_timeout must exceed heartbeat_interval")
	}

	p := c.Profiles
	if p.TTL <= 0 || p.PruneAge < p.TTL {
		return invalid("profiles.prune_age must be at least ttl")
	}
	if p.Capacity <= 0 {
		return invalid("profiles.capacity must be positive")
	}
	if p.PruneHour < 0 || p.PruneHour > 23 {
		return invalid("profiles.prune_hour must be 0-23")
	}

	if c.Storage.DatabaseURL == "" && c.Storage.SQLitePath == "" {
		return invalid("storage needs database_url or sqlite_path")
	}
	if c.Storage.DatabaseURL != "" && !c.Storage.UsePostgres() && !strings.HasPrefix(c.Storage.DatabaseURL, "sqlite:") {
		return invalid("storage.database_url must be postgres:// or sqlite:")
	}

	t := c.Translate
	if t.Enabled {
		if t.OllamaHost == "" || t.Model == "" {
			return invalid("translate needs ollama_host and model")
		}
		if t.Attempts <= 0 {
			return invalid("translate.attempts must be positive")
		}
	}
	if t.AutoDirection != "" && t.AutoDirection != "en-to-pt" && t.AutoDirection != "pt-to-en" {
		return invalid("translate.auto_direction must be en-to-pt or pt-to-en")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format must be json or text")
	}
	return nil
}

const redacted = "[REDACTED]"

// String returns an indented JSON rendering with secrets masked.
func (c *Config) String() string {
	clone := *c
	if clone.Slack.AppToken != "" {
		clone.Slack.AppToken = redacted
	}
	if clone.Slack.BotToken != "" {
		clone.Slack.BotToken = redacted
	}
	clone.Storage.DatabaseURL = redactURL(clone.Storage.DatabaseURL)
	clone.NATS.URL = redactURL(clone.NATS.URL)

	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
