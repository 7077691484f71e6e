// Package config loads process configuration: environment toggles, optional
// mmexec.yaml defaults and the deterministic clock used for reproducible
// runs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names.
const (
	EnvLiveEnable  = "MM_LIVE_ENABLE"
	EnvFreezeUTC   = "MM_FREEZE_UTC_ISO"
	EnvExchangeEnv = "EXCHANGE_ENV"
)

// Config is the ambient process configuration. CLI flags override these
// values.
type Config struct {
	LogLevel    string
	RedisAddr   string
	RedisDB     int
	NATSURL     string
	APIKey      string
	APISecret   string
	LiveEnable  string
	FreezeUTC   string
	ExchangeEnv string
}

// Load reads mmexec.yaml (if present in the working directory or /etc/mmexec)
// and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("mmexec")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mmexec")

	v.SetDefault("log_level", "info")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("api.key", "")
	v.SetDefault("api.secret", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.BindEnv("live_enable", EnvLiveEnable)
	v.BindEnv("freeze_utc", EnvFreezeUTC)
	v.BindEnv("exchange_env", EnvExchangeEnv)
	v.BindEnv("api.key", "MM_API_KEY")
	v.BindEnv("api.secret", "MM_API_SECRET")
	v.BindEnv("redis.addr", "MM_REDIS_ADDR")
	v.BindEnv("nats.url", "MM_NATS_URL")

	return &Config{
		LogLevel:    v.GetString("log_level"),
		RedisAddr:   v.GetString("redis.addr"),
		RedisDB:     v.GetInt("redis.db"),
		NATSURL:     v.GetString("nats.url"),
		APIKey:      v.GetString("api.key"),
		APISecret:   v.GetString("api.secret"),
		LiveEnable:  v.GetString("live_enable"),
		FreezeUTC:   v.GetString("freeze_utc"),
		ExchangeEnv: v.GetString("exchange_env"),
	}, nil
}

// SecretEnv maps EXCHANGE_ENV to the secret environment: shadow->dev,
// testnet->testnet, live->prod.
func (c *Config) SecretEnv() string {
	switch c.ExchangeEnv {
	case "testnet":
		return "testnet"
	case "live":
		return "prod"
	default:
		return "dev"
	}
}

// Clock returns a millisecond clock. When MM_FREEZE_UTC_ISO is set the clock
// is pinned to that instant so repeated runs produce identical bytes.
func (c *Config) Clock() (func() int64, error) {
	if c.FreezeUTC == "" {
		return func() int64 { return time.Now().UnixMilli() }, nil
	}
	t, err := time.Parse(time.RFC3339, c.FreezeUTC)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", EnvFreezeUTC, err)
	}
	frozen := t.UnixMilli()
	return func() int64 { return frozen }, nil
}
