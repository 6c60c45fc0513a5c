// Package config defines runtime defaults, flag and environment binding, and
// sanitization for the docrelay service.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys double as flag names; environment variables use the upper-cased form
// with dashes replaced by underscores (max-connections -> MAX_CONNECTIONS).
const (
	KeyPort             = "port"
	KeyHost             = "host"
	KeyPublicURL        = "public-url"
	KeyMaxConnections   = "max-connections"
	KeyAllowedOrigins   = "allowed-origins"
	KeyMaxMessageSize   = "max-message-size"
	KeyFrameRate        = "frame-rate"
	KeyFrameBurst       = "frame-burst"
	KeyGracePeriod      = "grace-period"
	KeyEnableCompaction = "enable-compaction"
	KeyHistoryLimit     = "history-limit"
	KeyRedisAddr        = "redis-addr"
	KeyRedisChannel     = "redis-channel"
	KeyEnv              = "app-env"
	KeyLogLevel         = "log-level"
)

// FrameLimitConfig bounds how fast a single connection may submit frames.
type FrameLimitConfig struct {
	PerSecond float64
	Burst     int
}

// Config holds the server configuration.
type Config struct {
	Port             string
	Host             string
	PublicURL        string
	MaxConnections   int
	AllowedOrigins   []string
	MaxMessageSize   int64
	FrameLimit       FrameLimitConfig
	GracePeriod      time.Duration
	EnableCompaction bool
	HistoryLimit     int
	RedisAddr        string
	RedisChannel     string
	Env              string
	LogLevel         string
}

// DefaultMaxMessageSize is the inbound frame ceiling when none is configured.
const DefaultMaxMessageSize = 10 << 20

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port:           "1234",
		Host:           "0.0.0.0",
		MaxConnections: 1000,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: DefaultMaxMessageSize,
		FrameLimit: FrameLimitConfig{
			PerSecond: 200,
			Burst:     400,
		},
		GracePeriod:      10 * time.Second,
		EnableCompaction: true,
		HistoryLimit:     512,
		RedisChannel:     "docrelay:rooms",
		Env:              "dev",
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// RegisterFlags declares every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(KeyPort, d.Port, "listen port")
	fs.String(KeyHost, d.Host, "listen host or interface address")
	fs.String(KeyPublicURL, "", "externally visible WebSocket URL shown on the landing page")
	fs.Int(KeyMaxConnections, d.MaxConnections, "maximum concurrent WebSocket connections")
	fs.String(KeyAllowedOrigins, strings.Join(d.AllowedOrigins, ","), "comma-separated WebSocket origins, * for any")
	fs.Int64(KeyMaxMessageSize, d.MaxMessageSize, "maximum inbound frame size in bytes")
	fs.Float64(KeyFrameRate, d.FrameLimit.PerSecond, "sustained inbound frames per second per connection")
	fs.Int(KeyFrameBurst, d.FrameLimit.Burst, "inbound frame burst per connection")
	fs.Duration(KeyGracePeriod, d.GracePeriod, "maximum time to drain connections on shutdown")
	fs.Bool(KeyEnableCompaction, d.EnableCompaction, "retain document updates for late joiners")
	fs.Int(KeyHistoryLimit, d.HistoryLimit, "retained frames per document when compaction is enabled")
	fs.String(KeyRedisAddr, "", "redis address for room event publishing; empty disables it")
	fs.String(KeyRedisChannel, d.RedisChannel, "redis pub/sub channel for room events")
	fs.String(KeyEnv, d.Env, "environment name; prod selects JSON logs")
	fs.String(KeyLogLevel, "", "log level override (debug, info, warn, error)")
}

// NewViper returns a viper instance bound to fs and the environment.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// Load reads every setting from v, falling back to defaults for unset keys,
// and returns the sanitized result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()

	if v.IsSet(KeyPort) {
		cfg.Port = v.GetString(KeyPort)
	}
	if v.IsSet(KeyHost) {
		cfg.Host = v.GetString(KeyHost)
	}
	cfg.PublicURL = v.GetString(KeyPublicURL)
	if v.IsSet(KeyMaxConnections) {
		cfg.MaxConnections = v.GetInt(KeyMaxConnections)
	}
	if v.IsSet(KeyAllowedOrigins) {
		cfg.AllowedOrigins = parseOrigins(v.GetString(KeyAllowedOrigins))
	}
	if v.IsSet(KeyMaxMessageSize) {
		cfg.MaxMessageSize = v.GetInt64(KeyMaxMessageSize)
	}
	if v.IsSet(KeyFrameRate) {
		cfg.FrameLimit.PerSecond = v.GetFloat64(KeyFrameRate)
	}
	if v.IsSet(KeyFrameBurst) {
		cfg.FrameLimit.Burst = v.GetInt(KeyFrameBurst)
	}
	if v.IsSet(KeyGracePeriod) {
		cfg.GracePeriod = v.GetDuration(KeyGracePeriod)
	}
	if v.IsSet(KeyEnableCompaction) {
		cfg.EnableCompaction = v.GetBool(KeyEnableCompaction)
	}
	if v.IsSet(KeyHistoryLimit) {
		cfg.HistoryLimit = v.GetInt(KeyHistoryLimit)
	}
	cfg.RedisAddr = v.GetString(KeyRedisAddr)
	if v.IsSet(KeyRedisChannel) {
		cfg.RedisChannel = v.GetString(KeyRedisChannel)
	}
	if v.IsSet(KeyEnv) {
		cfg.Env = v.GetString(KeyEnv)
	}
	cfg.LogLevel = v.GetString(KeyLogLevel)

	cfg = Sanitize(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize replaces empty or non-positive values with their defaults.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.Port == "" {
		cfg.Port = d.Port
	}
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = d.MaxConnections
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = d.AllowedOrigins
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.FrameLimit.PerSecond <= 0 {
		cfg.FrameLimit.PerSecond = d.FrameLimit.PerSecond
	}
	if cfg.FrameLimit.Burst <= 0 {
		cfg.FrameLimit.Burst = d.FrameLimit.Burst
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = d.GracePeriod
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = d.HistoryLimit
	}
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = d.RedisChannel
	}
	if cfg.Env == "" {
		cfg.Env = d.Env
	}
	return cfg
}

// Validate rejects settings that cannot be repaired by Sanitize.
func Validate(cfg Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", cfg.Port)
	}
	if cfg.PublicURL != "" && !strings.HasPrefix(cfg.PublicURL, "ws://") && !strings.HasPrefix(cfg.PublicURL, "wss://") {
		return errors.New("public url must start with ws:// or wss://")
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
