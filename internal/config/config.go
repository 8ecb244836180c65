// Package config provides configuration management for the price alert service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "pricewatch/internal/errors"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "PRICEWATCH"

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Feed          FeedConfig         `mapstructure:"feed"`
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Store         StoreConfig        `mapstructure:"store"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Webhook       ChangeHookConfig   `mapstructure:"webhook"`
	Stream        StreamConfig       `mapstructure:"stream"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Log           LogConfig          `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Production      bool          `mapstructure:"production"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// FeedConfig holds upstream tick stream configuration.
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	PingTimeout      time.Duration `mapstructure:"ping_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	NotifyOnGiveUp   bool          `mapstructure:"notify_on_give_up"`
}

// MonitorConfig holds alert monitor configuration.
type MonitorConfig struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

// StoreConfig holds record store configuration.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"` // sqlite, postgres
	Path          string `mapstructure:"path"`
	DSN           string `mapstructure:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns"`
	ListenPush    bool   `mapstructure:"listen_push"`
	ListenChannel string `mapstructure:"listen_channel"`
}

// RedisConfig holds the latest-price mirror configuration.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	SendTimeout time.Duration  `mapstructure:"send_timeout"`
	Discord     DiscordConfig  `mapstructure:"discord"`
	Webhook     WebhookConfig  `mapstructure:"webhook"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Email       EmailConfig    `mapstructure:"email"`
	Breaker     BreakerConfig  `mapstructure:"breaker"`
}

// BreakerConfig holds the per-transport circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// RateLimit is a per-transport send budget over a rolling window.
type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DiscordConfig holds Discord webhook notification configuration.
type DiscordConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	URL       string    `mapstructure:"url"`
	Username  string    `mapstructure:"username"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

// WebhookConfig holds generic webhook notification configuration.
type WebhookConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	URL       string    `mapstructure:"url"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	BotToken  string    `mapstructure:"bot_token"`
	ChatID    int64     `mapstructure:"chat_id"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	SMTPHost  string    `mapstructure:"smtp_host"`
	SMTPPort  int       `mapstructure:"smtp_port"`
	Username  string    `mapstructure:"username"`
	Password  string    `mapstructure:"password"`
	From      string    `mapstructure:"from"`
	To        string    `mapstructure:"to"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
}

// ChangeHookConfig holds inbound change-event configuration.
type ChangeHookConfig struct {
	Secret          string `mapstructure:"secret"`
	SkipVerify      bool   `mapstructure:"skip_verify"`
	Table           string `mapstructure:"table"`
	MaxPayloadBytes int64  `mapstructure:"max_payload_bytes"`
}

// StreamConfig holds the live event stream served on /api/stream.
type StreamConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	DropThreshold int           `mapstructure:"drop_threshold"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
}

// AuthConfig holds owner extraction configuration.
type AuthConfig struct {
	JWTSecret    string `mapstructure:"jwt_secret"`
	UserIDHeader string `mapstructure:"user_id_header"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/pricewatch"
	}
	return filepath.Join(home, ".config", "pricewatch")
}

// Path returns the config file path inside configDir.
func Path(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// A missing config file is replaced with a template and defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env files are optional
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configDir, "alerts.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.Store.Path = filepath.Join(DefaultConfigDir(), "alerts.db")
	return cfg
}

func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.production", false)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("feed.url", "wss://ws.finnhub.io")
	v.SetDefault("feed.token", "")
	v.SetDefault("feed.reconnect_delay", 5*time.Second)
	v.SetDefault("feed.max_reconnects", 5)
	v.SetDefault("feed.ping_timeout", 60*time.Second)
	v.SetDefault("feed.handshake_timeout", 10*time.Second)
	v.SetDefault("feed.write_timeout", 5*time.Second)
	v.SetDefault("feed.notify_on_give_up", true)

	v.SetDefault("monitor.cooldown", 5*time.Minute)
	v.SetDefault("monitor.reload_interval", 5*time.Minute)
	v.SetDefault("monitor.persist_timeout", 10*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.listen_push", false)
	v.SetDefault("store.listen_channel", "alert_changes")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.send_timeout", 10*time.Second)
	v.SetDefault("notifications.discord.username", "pricewatch")
	for _, t := range []string{"discord", "webhook", "telegram", "email"} {
		v.SetDefault("notifications."+t+".enabled", false)
		v.SetDefault("notifications."+t+".rate_limit.requests", 30)
		v.SetDefault("notifications."+t+".rate_limit.window", time.Minute)
	}
	v.SetDefault("notifications.discord.url", "")
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.telegram.bot_token", "")
	v.SetDefault("notifications.telegram.chat_id", 0)
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.breaker.failure_threshold", 5)
	v.SetDefault("notifications.breaker.open_timeout", time.Minute)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.skip_verify", false)
	v.SetDefault("webhook.table", "price_alerts")
	v.SetDefault("webhook.max_payload_bytes", 1<<20)

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.buffer_size", 64)
	v.SetDefault("stream.drop_threshold", 10)
	v.SetDefault("stream.ping_interval", 30*time.Second)
	v.SetDefault("stream.rate_limit.requests", 120)
	v.SetDefault("stream.rate_limit.window", time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.user_id_header", "X-User-ID")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" && cfg.Feed.Token == "" {
		cfg.Feed.Token = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Store.DSN == "" {
		cfg.Store.DSN = v
		if cfg.Store.Driver == "sqlite" && strings.HasPrefix(v, "postgres") {
			cfg.Store.Driver = "postgres"
		}
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" && cfg.Webhook.Secret == "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" && cfg.Notifications.Discord.URL == "" {
		cfg.Notifications.Discord.URL = v
		cfg.Notifications.Discord.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" && cfg.Notifications.Telegram.BotToken == "" {
		cfg.Notifications.Telegram.BotToken = v
	}
}

// Validate checks value ranges. It does not require credentials.
func (c *Config) Validate() error {
	if c.Monitor.Cooldown < 0 {
		return apperrors.NewValidationError("monitor.cooldown", c.Monitor.Cooldown, "must not be negative")
	}
	if c.Monitor.ReloadInterval <= 0 {
		return apperrors.NewValidationError("monitor.reload_interval", c.Monitor.ReloadInterval, "must be positive")
	}
	if c.Feed.ReconnectDelay <= 0 {
		return apperrors.NewValidationError("feed.reconnect_delay", c.Feed.ReconnectDelay, "must be positive")
	}
	if c.Feed.MaxReconnects < 1 {
		return apperrors.NewValidationError("feed.max_reconnects", c.Feed.MaxReconnects, "must be at least 1")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return apperrors.NewValidationError("store.driver", c.Store.Driver, "must be sqlite or postgres")
	}
	limits := map[string]RateLimit{
		"notifications.discord.rate_limit":  c.Notifications.Discord.RateLimit,
		"notifications.webhook.rate_limit":  c.Notifications.Webhook.RateLimit,
		"notifications.telegram.rate_limit": c.Notifications.Telegram.RateLimit,
		"notifications.email.rate_limit":    c.Notifications.Email.RateLimit,
	}
	if c.Stream.Enabled {
		limits["stream.rate_limit"] = c.Stream.RateLimit
		if c.Stream.BufferSize < 1 {
			return apperrors.NewValidationError("stream.buffer_size", c.Stream.BufferSize, "must be at least 1")
		}
	}
	for field, rl := range limits {
		if rl.Requests < 1 || rl.Window <= 0 {
			return apperrors.NewValidationError(field, rl, "requests and window must be positive")
		}
	}
	return nil
}

// ValidateCredentials enforces the credentials required to serve.
func (c *Config) ValidateCredentials() error {
	var missing []string
	if c.Feed.Token == "" {
		missing = append(missing, "feed.token (FINNHUB_API_KEY)")
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			missing = append(missing, "store.dsn (DATABASE_URL)")
		}
	default:
		if c.Store.Path == "" {
			missing = append(missing, "store.path")
		}
	}
	if !c.Webhook.SkipVerify && c.Webhook.Secret == "" {
		missing = append(missing, "webhook.secret (WEBHOOK_SECRET)")
	}
	if c.Store.ListenPush && c.Store.Driver != "postgres" {
		return fmt.Errorf("%w: store.listen_push requires the postgres driver", apperrors.ErrConfigInvalid)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	c.Feed.Token = mask(c.Feed.Token)
	c.Store.DSN = mask(c.Store.DSN)
	c.Redis.Password = mask(c.Redis.Password)
	c.Notifications.Discord.URL = mask(c.Notifications.Discord.URL)
	c.Notifications.Webhook.URL = mask(c.Notifications.Webhook.URL)
	c.Notifications.Telegram.BotToken = mask(c.Notifications.Telegram.BotToken)
	c.Notifications.Email.Password = mask(c.Notifications.Email.Password)
	c.Webhook.Secret = mask(c.Webhook.Secret)
	c.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	return c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
