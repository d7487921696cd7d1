// Package config provides configuration management using viper.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	API          APIConfig          `mapstructure:"api"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Orderbook    OrderbookConfig    `mapstructure:"orderbook"`
	Balances     BalancesConfig     `mapstructure:"balances"`
	Orders       OrdersConfig       `mapstructure:"orders"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// APIConfig holds the sequencer endpoint settings. An empty BaseURL leaves
// the client in an unconfigured state where every networked operation fails
// fast instead of attempting I/O.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SubscriptionConfig holds websocket subscription settings.
type SubscriptionConfig struct {
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SubscribeRPS     int           `mapstructure:"subscribe_rps"`
}

// OrderbookConfig holds order book reconciler settings.
type OrderbookConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	TradeHistorySize int           `mapstructure:"trade_history_size"`
	HistoryBackfill  bool          `mapstructure:"history_backfill"`
}

// BalancesConfig holds balance reconciler settings.
type BalancesConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	FaucetRefreshDelay time.Duration `mapstructure:"faucet_refresh_delay"`
}

// OrdersConfig holds my-orders reconciler settings.
type OrdersConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("TRADEZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file, defaults plus environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return errors.Wrap(err, "invalid api.base_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("api.base_url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// PushURL derives the websocket endpoint from the configured base URL by
// protocol-scheme substitution. Returns an empty string when unconfigured.
func (c *Config) PushURL() string {
	if c.API.BaseURL == "" {
		return ""
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return strings.TrimRight(u.String(), "/")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.request_timeout", "15s")

	v.SetDefault("subscription.reconnect_delay", "1s")
	v.SetDefault("subscription.handshake_timeout", "10s")
	v.SetDefault("subscription.write_timeout", "5s")
	v.SetDefault("subscription.subscribe_rps", 20)

	v.SetDefault("orderbook.poll_interval", "2s")
	v.SetDefault("orderbook.trade_history_size", 200)
	v.SetDefault("orderbook.history_backfill", false)

	v.SetDefault("balances.poll_interval", "15s")
	v.SetDefault("balances.faucet_refresh_delay", "3s")

	v.SetDefault("orders.poll_interval", "15s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
