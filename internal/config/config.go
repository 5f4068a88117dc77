// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Subgraph SubgraphConfig `mapstructure:"subgraph"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Neynar   NeynarConfig   `mapstructure:"neynar"`
	Zapper   ZapperConfig   `mapstructure:"zapper"`
	Log      LogConfig      `mapstructure:"log"`
	SeedFile string         `mapstructure:"seed_file"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SubgraphConfig struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	BatchSize      int           `mapstructure:"batch_size"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type MonitorConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type NotifyConfig struct {
	Cooldown      time.Duration `mapstructure:"cooldown"`
	Interval      time.Duration `mapstructure:"interval"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	NotifyRecover bool          `mapstructure:"notify_on_recovery"`
	TargetURL     string        `mapstructure:"target_url"`
}

type GatewayConfig struct {
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	OwnerOnlyEvents     bool     `mapstructure:"owner_only_events"`
	ReleaseOnDisconnect bool     `mapstructure:"release_on_disconnect"`
	SendBuffer          int      `mapstructure:"send_buffer"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type NeynarConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type ZapperConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Network string `mapstructure:"network"`
	Retries int    `mapstructure:"retries"`
}

type LogConfig struct {
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

const (
	DefaultAddr           = ":3002"
	DefaultSubgraphURL    = "wss://api.studio.thegraph.com/query/48211/uniswap-v3-base/version/latest"
	DefaultBatchSize      = 5
	DefaultReconnectDelay = 5 * time.Second
	DefaultCheckInterval  = time.Minute
	DefaultCooldown       = time.Hour
	DefaultNotifyInterval = 10 * time.Second
	DefaultRetryDelay     = time.Minute
	DefaultMaxRetries     = 3
	DefaultSendTimeout    = 10 * time.Second
	DefaultNeynarURL      = "https://api.neynar.com"
	DefaultZapperURL      = "https://api.zapper.xyz"
	DefaultSendBuffer     = 64
)

// Load reads the config file (optional when path is empty) and applies
// RANGEGUARD_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"server.addr":                   DefaultAddr,
		"server.shutdown_timeout":       30 * time.Second,
		"subgraph.url":                  DefaultSubgraphURL,
		"subgraph.batch_size":           DefaultBatchSize,
		"subgraph.reconnect_delay":      DefaultReconnectDelay,
		"monitor.check_interval":        DefaultCheckInterval,
		"notify.cooldown":               DefaultCooldown,
		"notify.interval":               DefaultNotifyInterval,
		"notify.retry_delay":            DefaultRetryDelay,
		"notify.max_retries":            DefaultMaxRetries,
		"notify.send_timeout":           DefaultSendTimeout,
		"notify.notify_on_recovery":     false,
		"gateway.allowed_origins":       []string{"http://localhost:3000"},
		"gateway.owner_only_events":     false,
		"gateway.release_on_disconnect": false,
		"gateway.send_buffer":           DefaultSendBuffer,
		"neynar.base_url":               DefaultNeynarURL,
		"zapper.base_url":               DefaultZapperURL,
		"zapper.network":                "base",
		"zapper.retries":                3,
		"log.file":                      "rangeguard.log",
		"log.development":               false,
		// Empty defaults make these keys visible to AutomaticEnv.
		"auth.jwt_secret":  "",
		"subgraph.api_key": "",
		"neynar.api_key":   "",
		"zapper.api_key":   "",
		"seed_file":        "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("RANGEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if err := validateURL(cfg.Subgraph.URL, "ws"); err != nil {
		return fmt.Errorf("subgraph.url: %w", err)
	}
	if err := validateURL(cfg.Neynar.BaseURL, "http"); err != nil {
		return fmt.Errorf("neynar.base_url: %w", err)
	}
	if err := validateURL(cfg.Zapper.BaseURL, "http"); err != nil {
		return fmt.Errorf("zapper.base_url: %w", err)
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.Subgraph.BatchSize <= 0 {
		return errors.New("invalid subgraph.batch_size")
	}
	if cfg.Subgraph.ReconnectDelay <= 0 {
		return errors.New("invalid subgraph.reconnect_delay")
	}
	if cfg.Monitor.CheckInterval <= 0 {
		return errors.New("invalid monitor.check_interval")
	}
	if cfg.Notify.Cooldown < 0 {
		return errors.New("invalid notify.cooldown")
	}
	if cfg.Notify.Interval <= 0 {
		return errors.New("invalid notify.interval")
	}
	if cfg.Notify.RetryDelay < 0 {
		return errors.New("invalid notify.retry_delay")
	}
	if cfg.Notify.MaxRetries <= 0 {
		return errors.New("invalid notify.max_retries")
	}
	if cfg.Gateway.SendBuffer <= 0 {
		return errors.New("invalid gateway.send_buffer")
	}
	if cfg.Zapper.Retries < 0 {
		return errors.New("invalid zapper.retries")
	}
	return nil
}

func validateURL(rawURL string, scheme string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, scheme) {
		return errors.New("invalid URL protocol")
	}
	if parsed.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
