// Package config loads the chat server configuration from defaults, an
// optional YAML file, CHAT_* environment variables and command line flags,
// in increasing order of precedence.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CHAT_SERVER_ADDR or CHAT_RATE_LIMIT_BURST.
const EnvPrefix = "CHAT"

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Chat      ChatConfig      `mapstructure:"chat" yaml:"chat"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig holds the HTTP listener settings and security controls.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RateLimitConfig defines the per-connection token bucket. Burst frames are
// allowed at once and the bucket refills completely every RefillInterval.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst" yaml:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval" yaml:"refill_interval"`
}

// ChatConfig tunes message delivery.
type ChatConfig struct {
	EchoToSender  bool `mapstructure:"echo_to_sender" yaml:"echo_to_sender"`
	SendBuffer    int  `mapstructure:"send_buffer" yaml:"send_buffer"`
	PersistBuffer int  `mapstructure:"persist_buffer" yaml:"persist_buffer"`
}

// StoreConfig selects the message history backend.
type StoreConfig struct {
	// Driver is memory, sqlite3 (cgo), sqlite (pure Go) or redis.
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	Path          string        `mapstructure:"path" yaml:"path"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	HistorySize   int           `mapstructure:"history_size" yaml:"history_size"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule" yaml:"prune_schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Path      string `mapstructure:"path" yaml:"path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:8080"},
			MaxMessageSize:  512,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Chat: ChatConfig{
			EchoToSender:  true,
			SendBuffer:    256,
			PersistBuffer: 256,
		},
		Store: StoreConfig{
			Driver:        "memory",
			Path:          "chat.db",
			RedisAddr:     "localhost:6379",
			HistorySize:   500,
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "0 3 * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "chat",
			Path:      "/metrics",
		},
	}
}

// legacyEnv maps the environment variables of earlier releases to their keys.
var legacyEnv = map[string]string{
	"server.addr":                "SERVER_PORT",
	"server.allowed_origins":     "ALLOWED_ORIGINS",
	"server.max_message_size":    "MAX_MESSAGE_SIZE",
	"rate_limit.burst":           "RATE_LIMIT_BURST",
	"rate_limit.refill_interval": "RATE_LIMIT_REFILL_INTERVAL",
}

// Loader reads the configuration and can watch its file for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for the YAML file at path. An empty path means
// defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		// The prefixed name wins over the legacy one.
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path}
}

// BindPFlag lets a command line flag override key.
func (l *Loader) BindPFlag(key string, flag *pflag.Flag) error {
	return l.v.BindPFlag(key, flag)
}

// Load reads the file (if any) and returns the sanitized configuration.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", l.path, err)
		}
	}
	return l.decode()
}

// Watch calls onChange with the reloaded configuration every time the file
// changes. It does nothing when no file was configured.
func (l *Loader) Watch(onChange func(e fsnotify.Event, cfg *Config, err error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		onChange(e, cfg, err)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	err := l.v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg = Sanitize(cfg)
	return &cfg, nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Sanitize replaces unusable values with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if !strings.Contains(cfg.Server.Addr, ":") {
		cfg.Server.Addr = ":" + cfg.Server.Addr
	}
	cfg.Server.AllowedOrigins = trimAll(cfg.Server.AllowedOrigins)
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.Chat.SendBuffer <= 0 {
		cfg.Chat.SendBuffer = def.Chat.SendBuffer
	}
	if cfg.Chat.PersistBuffer <= 0 {
		cfg.Chat.PersistBuffer = def.Chat.PersistBuffer
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.HistorySize <= 0 {
		cfg.Store.HistorySize = def.Store.HistorySize
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = def.Metrics.Namespace
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
	return cfg
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.allowed_origins", def.Server.AllowedOrigins)
	v.SetDefault("server.max_message_size", def.Server.MaxMessageSize)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", def.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval)
	v.SetDefault("chat.echo_to_sender", def.Chat.EchoToSender)
	v.SetDefault("chat.send_buffer", def.Chat.SendBuffer)
	v.SetDefault("chat.persist_buffer", def.Chat.PersistBuffer)
	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.redis_addr", def.Store.RedisAddr)
	v.SetDefault("store.history_size", def.Store.HistorySize)
	v.SetDefault("store.retention", def.Store.Retention)
	v.SetDefault("store.prune_schedule", def.Store.PruneSchedule)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.namespace", def.Metrics.Namespace)
	v.SetDefault("metrics.path", def.Metrics.Path)
}

// durationHook decodes durations from Go duration strings and, for
// compatibility with RATE_LIMIT_REFILL_INTERVAL, from bare integer seconds.
func durationHook(from, to reflect.Type, data any) (any, error) {
	durationType := reflect.TypeOf(time.Duration(0))
	if to != durationType || from == durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		s := strings.TrimSpace(data.(string))
		if secs, err := strconv.Atoi(s); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return time.ParseDuration(s)
	case reflect.Int, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	default:
		return data, nil
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
