package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultGatewayURL = "wss://7mbg70wjz8.execute-api.us-east-1.amazonaws.com/prod/"

// Config holds CLI configuration.
type Config struct {
	Gateway   GatewayConfig
	Session   SessionConfig
	Reconnect ReconnectConfig
	Metrics   MetricsConfig
	Debug     bool
}

// GatewayConfig holds the WebSocket endpoint and its timeouts.
type GatewayConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

// SessionConfig is the default identity for commands that open a session.
type SessionConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

type ReconnectConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Jitter   float64       `mapstructure:"jitter"`
	Attempts int           `mapstructure:"attempts"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// New returns a viper instance with defaults, env overrides (prefix
// TEXTSOCKET_) and the config file location set. Nothing is read yet.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("gateway.url", DefaultGatewayURL)
	v.SetDefault("gateway.dial_timeout", 10*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.read_timeout", time.Duration(0))
	v.SetDefault("session.from", "")
	v.SetDefault("session.to", "")
	v.SetDefault("reconnect.delay", 3*time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)
	v.SetDefault("reconnect.jitter", 0.2)
	v.SetDefault("reconnect.attempts", 0)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("debug", false)

	v.SetConfigType("toml")

	if path := os.Getenv("TEXTSOCKET_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "textsocket"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("TEXTSOCKET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return v
}

// Read loads the config file, if any, and decodes v. A missing file in the
// default location is not an error; a missing or broken explicit file is.
func Read(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load is Read(New()).
func Load() (Config, error) {
	return Read(New())
}

func (c Config) Validate() error {
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Reconnect.Delay < 0 || c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect: delays must not be negative")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter: %v is outside [0, 1]", c.Reconnect.Jitter)
	}
	if c.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect.attempts: %d is negative", c.Reconnect.Attempts)
	}
	return nil
}
