/*
Package config loads the service configuration.  Values are resolved in order: defaults,
then an optional YAML file, then PULSE_* environment variables (PULSE_AUTH_JWTSECRET
overrides auth.jwtSecret).
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PULSE"
	FileName  = "pulse"
)

type Config struct {
	Server    Server    `mapstructure:"server"`
	Auth      Auth      `mapstructure:"auth"`
	Transport Transport `mapstructure:"transport"`
	Limits    Limits    `mapstructure:"limits"`
	Shutdown  Shutdown  `mapstructure:"shutdown"`
	Store     Store     `mapstructure:"store"`
	Broker    Broker    `mapstructure:"broker"`
	Log       Log       `mapstructure:"log"`
}

type Server struct {
	Address string `mapstructure:"address"`
	// Cross-site origins allowed to authenticate with the Auth cookie.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type Auth struct {
	JWTSecret        string        `mapstructure:"jwtSecret"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	MaxConnectionAge time.Duration `mapstructure:"maxConnectionAge"`
}

type Transport struct {
	WriteWait      time.Duration `mapstructure:"writeWait"`
	PongWait       time.Duration `mapstructure:"pongWait"`
	PingPeriod     time.Duration `mapstructure:"pingPeriod"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
	SendBuffer     int           `mapstructure:"sendBuffer"`
}

type Limits struct {
	// Zero means unlimited.
	MaxConnectionsPerUser int    `mapstructure:"maxConnectionsPerUser"`
	Mode                  string `mapstructure:"mode"`
}

type Shutdown struct {
	Grace   time.Duration `mapstructure:"grace"`
	Message string        `mapstructure:"message"`
}

type Store struct {
	DSN string `mapstructure:"dsn"`
}

// Broker is optional.  An empty URL disables the AMQP ingress.
type Broker struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	BindingKey string `mapstructure:"bindingKey"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.handshakeTimeout", "10s")
	v.SetDefault("auth.maxConnectionAge", "1h")

	v.SetDefault("transport.writeWait", "10s")
	v.SetDefault("transport.pongWait", "60s")
	v.SetDefault("transport.pingPeriod", "54s")
	v.SetDefault("transport.maxMessageSize", 8192)
	v.SetDefault("transport.sendBuffer", 256)

	v.SetDefault("limits.maxConnectionsPerUser", 0)
	v.SetDefault("limits.mode", "reject")

	v.SetDefault("shutdown.grace", "5s")
	v.SetDefault("shutdown.message", "Server is restarting for maintenance. Please reconnect shortly.")

	v.SetDefault("store.dsn", "file:pulse.db?_foreign_keys=on")

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "pulse")
	v.SetDefault("broker.queue", "pulse.events")
	v.SetDefault("broker.bindingKey", "#")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

/*
Load reads the configuration.  If path is empty, pulse.yaml is looked up in the working
directory and may be absent; an explicit path must exist.
*/
func Load(logger *slog.Logger, path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("cannot read config: %w", err)
		}
		logger.Debug("Config file not found, relying on defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Transport.PingPeriod >= c.Transport.PongWait {
		return fmt.Errorf("transport.pingPeriod (%s) must be less than transport.pongWait (%s)",
			c.Transport.PingPeriod, c.Transport.PongWait)
	}
	if c.Transport.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	if c.Limits.Mode != "reject" && c.Limits.Mode != "cycle" {
		return fmt.Errorf("limits.mode must be reject or cycle, got %q", c.Limits.Mode)
	}
	return nil
}
