package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/c360/chatrelay/errors"
)

// EnvPrefix prefixes relay environment variables. Nested keys use a double
// underscore: CHATRELAY_UPSTREAM__PING_INTERVAL sets upstream.ping_interval.
const EnvPrefix = "CHATRELAY_"

// legacyEnv maps the unprefixed variables of existing deployments to keys.
var legacyEnv = map[string]string{
	"SLACK_APP_LEVEL_TOKEN":      "slack.app_token",
	"SLACK_BOT_USER_OAUTH_TOKEN": "slack.bot_token",
	"PORT":                       "http.port",
	"DATABASE_URL":               "storage.database_url",
	"OLLAMA_HOST":                "translate.ollama_host",
	"OLLAMA_MODEL":               "translate.model",
	"NATS_URL":                   "nats.url",
}

// Defaults returns the built-in settings as a flat key map.
func Defaults() map[string]any {
	return map[string]any{
		"slack.base_url":            "https://slack.com/api",
		"slack.timeout":             10 * time.Second,
		"slack.requests_per_second": 0.0,

		"http.port":             4567,
		"http.max_request_size": int64(64 << 10),
		"http.request_timeout":  90 * time.Second,
		"http.cors_origins":     []string{"*"},

		"upstream.backoff_floor": time.Second,
		"upstream.backoff_cap":   30 * time.Second,
		"upstream.jitter":        0.2,
		"upstream.ping_interval": 10 * time.Second,
		"upstream.idle_timeout":  30 * time.Second,
		"upstream.dial_timeout":  10 * time.Second,
		"upstream.write_timeout": 5 * time.Second,

		"hub.heartbeat_interval": 15 * time.Second,
		"hub.inactivity_timeout": 3 * time.Minute,
		"hub.sweep_interval":     30 * time.Second,
		"hub.reconnect_window":   2 * time.Second,
		"hub.retry_after":        5 * time.Second,
		"hub.client_retry":       10 * time.Second,
		"hub.write_timeout":      10 * time.Second,

		"profiles.ttl":           24 * time.Hour,
		"profiles.prune_age":     7 * 24 * time.Hour,
		"profiles.capacity":      1000,
		"profiles.prune_hour":    3,
		"profiles.fetch_timeout": 10 * time.Second,
		"profiles.write_timeout": 5 * time.Second,

		"processor.profile_timeout": 15 * time.Second,
		"processor.store_timeout":   5 * time.Second,
		"processor.publish_timeout": 2 * time.Second,

		"storage.sqlite_path": "data/chatrelay.db",

		"translate.enabled":     true,
		"translate.ollama_host": "http://localhost:11434",
		"translate.model":       "llama3",
		"translate.timeout":     60 * time.Second,
		"translate.attempts":    3,
		"translate.delay":       500 * time.Millisecond,

		"nats.subject_prefix": "chatrelay.messages",

		"log.level":  "info",
		"log.format": "json",
	}
}

// Loader layers defaults, TOML files and the environment.
type Loader struct {
	layers     []string
	validation bool
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// AddLayer adds a TOML file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges defaults, file layers, legacy variables and prefixed
// variables, in that order of increasing precedence.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "load defaults")
	}

	for _, path := range l.layers {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
	}

	legacy := make(map[string]any)
	for name, key := range legacyEnv {
		if val, ok := l.lookupEnv(name); ok && val != "" {
			legacy[key] = val
		}
	}
	if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "load legacy environment")
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode configuration")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// envKey turns CHATRELAY_HUB__RETRY_AFTER into hub.retry_after.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Load is a shortcut for a validated load of an optional file.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	l.EnableValidation(true)
	return l.Load()
}
