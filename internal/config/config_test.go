package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	v.Set("jwt.secret", "secret")

	cfg, err := fromViper(v)
	require.NoError(t, err)
	require.Equal(t, "GEMA Support", cfg.AppName)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, "gema", cfg.ChannelBase)
	require.Equal(t, int64(0), cfg.Chat.Cost)
	require.Equal(t, 50, cfg.Chat.HistoryLimit)
	require.Equal(t, 5*time.Second, cfg.Chat.SendTimeout)
	require.Equal(t, int64(1000), cfg.Chat.Retention)
	require.False(t, cfg.Chat.ModerationAllowSubAdmin)
	require.Equal(t, time.Minute, cfg.Chat.RateLimitWindow)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	v.Set("jwt.secret", "secret")
	v.Set("app.port", ":9090")
	v.Set("log.level", "DEBUG")
	v.Set("database.driver", "SQLite")
	v.Set("chat.cost", 5)
	v.Set("chat.cooldown_seconds", 30)
	v.Set("chat.send_timeout", "750ms")
	v.Set("chat.moderation_allow_sub_admin", true)

	cfg, err := fromViper(v)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, int64(5), cfg.Chat.Cost)
	require.Equal(t, int64(30), cfg.Chat.CooldownSeconds)
	require.Equal(t, 750*time.Millisecond, cfg.Chat.SendTimeout)
	require.True(t, cfg.Chat.ModerationAllowSubAdmin)
}

func TestFromViperRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing secret":    {},
		"negative cost":     {"jwt.secret": "s", "chat.cost": -1},
		"negative cooldown": {"jwt.secret": "s", "chat.cooldown_seconds": -5},
		"bad timeout":       {"jwt.secret": "s", "chat.send_timeout": "soon"},
		"unknown driver":    {"jwt.secret": "s", "database.driver": "mysql"},
	}

	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			for key, value := range values {
				v.Set(key, value)
			}
			_, err := fromViper(v)
			require.Error(t, err)
		})
	}
}
