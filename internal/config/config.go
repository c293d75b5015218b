// Package config loads runtime settings from an optional file and MLS_
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/guildline/mls/bootstrap"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/exportkey"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Device struct {
	User   int64  `mapstructure:"user"`
	Device string `mapstructure:"device"`
}

type Storage struct {
	// Backend is one of memory, bolt, ekv or postgres.
	Backend     string `mapstructure:"backend"`
	BoltPath    string `mapstructure:"bolt_path"`
	EkvDir      string `mapstructure:"ekv_dir"`
	EkvPassword string `mapstructure:"ekv_password"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
}

type Nats struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type Bootstrap struct {
	WelcomePollAttempts int           `mapstructure:"welcome_poll_attempts"`
	WelcomePollBase     time.Duration `mapstructure:"welcome_poll_base"`
	WelcomePollMax      time.Duration `mapstructure:"welcome_poll_max"`
	WelcomePollJitter   float64       `mapstructure:"welcome_poll_jitter"`
	KeyPackageFetchRate int           `mapstructure:"key_package_fetch_rate"`
	EchoCacheSize       int           `mapstructure:"echo_cache_size"`
	EchoTTL             time.Duration `mapstructure:"echo_ttl"`
	WelcomeRetention    time.Duration `mapstructure:"welcome_retention"`
}

type Voice struct {
	KeyLength int           `mapstructure:"key_length"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type Config struct {
	Device    Device    `mapstructure:"device"`
	Storage   Storage   `mapstructure:"storage"`
	Nats      Nats      `mapstructure:"nats"`
	Bootstrap Bootstrap `mapstructure:"bootstrap"`
	Voice     Voice     `mapstructure:"voice"`
	LogLevel  uint      `mapstructure:"log_level"`
	LogPath   string    `mapstructure:"log_path"`
}

func setDefaults(v *viper.Viper) {
	b := bootstrap.DefaultConfig()

	v.SetDefault("device.user", 0)
	v.SetDefault("device.device", "default")
	v.SetDefault("storage.backend", "bolt")
	v.SetDefault("storage.bolt_path", "mls.db")
	v.SetDefault("storage.ekv_dir", "mls-ekv")
	v.SetDefault("storage.ekv_password", "")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.redis_addr", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "guildline.mls")
	v.SetDefault("bootstrap.welcome_poll_attempts", b.WelcomePollAttempts)
	v.SetDefault("bootstrap.welcome_poll_base", b.WelcomePollBase)
	v.SetDefault("bootstrap.welcome_poll_max", b.WelcomePollMax)
	v.SetDefault("bootstrap.welcome_poll_jitter", b.WelcomePollJitter)
	v.SetDefault("bootstrap.key_package_fetch_rate", b.KeyPackageFetchRate)
	v.SetDefault("bootstrap.echo_cache_size", b.EchoCacheSize)
	v.SetDefault("bootstrap.echo_ttl", b.EchoTTL)
	v.SetDefault("bootstrap.welcome_retention", 7*24*time.Hour)
	v.SetDefault("voice.key_length", exportkey.DefaultKeyLength)
	v.SetDefault("voice.cache_ttl", exportkey.DefaultTTL)
	v.SetDefault("log_level", 0)
	v.SetDefault("log_path", "-")
}

// Load reads path when it is not empty; MLS_ environment variables
// override the file, with dots in keys written as underscores
// (MLS_STORAGE_BACKEND).
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("MLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WithMessage(err, "decoding config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "bolt":
	case "ekv":
		if c.Storage.EkvPassword == "" {
			return errors.New("storage.ekv_password is required for the ekv backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Bootstrap.WelcomePollAttempts < 1 {
		return errors.New("bootstrap.welcome_poll_attempts must be at least 1")
	}
	if c.Voice.KeyLength <= 0 {
		return errors.New("voice.key_length must be positive")
	}
	return nil
}

func (c *Config) UserID() domain.UserID {
	return domain.UserID(c.Device.User)
}

func (c *Config) DeviceID() domain.DeviceID {
	return domain.DeviceID(c.Device.Device)
}

func (c *Config) BootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		WelcomePollAttempts: c.Bootstrap.WelcomePollAttempts,
		WelcomePollBase:     c.Bootstrap.WelcomePollBase,
		WelcomePollMax:      c.Bootstrap.WelcomePollMax,
		WelcomePollJitter:   c.Bootstrap.WelcomePollJitter,
		KeyPackageFetchRate: c.Bootstrap.KeyPackageFetchRate,
		EchoCacheSize:       c.Bootstrap.EchoCacheSize,
		EchoTTL:             c.Bootstrap.EchoTTL,
	}
}
