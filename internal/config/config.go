package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the support chat service.
type Config struct {
	AppName        string
	AppEnv         string
	AppPort        string
	LogLevel       string
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	ChannelBase    string
	JWTSecret      string
	AllowOrigins   string
	Chat           ChatConfig
}

// ChatConfig tunes the messaging core.
type ChatConfig struct {
	Cost                    int64
	CooldownSeconds         int64
	HistoryLimit            int
	SendTimeout             time.Duration
	Retention               int64
	ModerationAllowSubAdmin bool
	RateLimitMax            int
	RateLimitWindow         time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	v.SetDefault("app.name", "GEMA Support")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.allow_origins", "*")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("realtime.channel_base", "gema")
	v.SetDefault("chat.cost", 0)
	v.SetDefault("chat.cooldown_seconds", 0)
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("chat.send_timeout", "5s")
	v.SetDefault("chat.retention", 1000)
	v.SetDefault("chat.moderation_allow_sub_admin", false)
	v.SetDefault("chat.rate_limit.max", 30)
	v.SetDefault("chat.rate_limit.window", "1m")

	sendTimeout, err := time.ParseDuration(v.GetString("chat.send_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid chat send timeout: %w", err)
	}

	rateWindow, err := time.ParseDuration(v.GetString("chat.rate_limit.window"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid chat rate limit window: %w", err)
	}

	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		AppPort:        v.GetString("app.port"),
		LogLevel:       strings.ToLower(v.GetString("log.level")),
		DatabaseDriver: strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:    v.GetString("database.url"),
		RedisURL:       v.GetString("redis.url"),
		NATSURL:        v.GetString("nats.url"),
		ChannelBase:    v.GetString("realtime.channel_base"),
		JWTSecret:      v.GetString("jwt.secret"),
		AllowOrigins:   v.GetString("http.allow_origins"),
		Chat: ChatConfig{
			Cost:                    v.GetInt64("chat.cost"),
			CooldownSeconds:         v.GetInt64("chat.cooldown_seconds"),
			HistoryLimit:            v.GetInt("chat.history_limit"),
			SendTimeout:             sendTimeout,
			Retention:               v.GetInt64("chat.retention"),
			ModerationAllowSubAdmin: v.GetBool("chat.moderation_allow_sub_admin"),
			RateLimitMax:            v.GetInt("chat.rate_limit.max"),
			RateLimitWindow:         rateWindow,
		},
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.Chat.Cost < 0 {
		return Config{}, fmt.Errorf("chat cost must not be negative")
	}

	if cfg.Chat.CooldownSeconds < 0 {
		return Config{}, fmt.Errorf("chat cooldown must not be negative")
	}

	if cfg.Chat.HistoryLimit <= 0 {
		cfg.Chat.HistoryLimit = 50
	}

	if cfg.Chat.SendTimeout <= 0 {
		cfg.Chat.SendTimeout = 5 * time.Second
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	return cfg, nil
}
