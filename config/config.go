// Package config loads and validates the YAML configuration file that
// drives a single process run: upstream Trojan server, local SOCKS5
// listener, routing rules, and logging.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"pyproxy/trojan"
)

// UpstreamConfig mirrors the `trojan:` section of the config file.
type UpstreamConfig struct {
	Server       string `mapstructure:"server"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	VerifySSL    bool   `mapstructure:"verify_ssl"`
	SNI          string `mapstructure:"sni"`
	PasswordHash string `mapstructure:"-"`
}

// ListenConfig mirrors the `local:` section of the config file.
type ListenConfig struct {
	Listen string `mapstructure:"listen"`
	Port   int    `mapstructure:"port"`
}

// RoutingRules mirrors the `routing:` section of the config file.
type RoutingRules struct {
	DirectDomains []string `mapstructure:"direct_domains"`
	ProxyDomains  []string `mapstructure:"proxy_domains"`
}

// LogConfig mirrors the `log:` section of the config file.
type LogConfig struct {
	Level           string `mapstructure:"level"`
	File            string `mapstructure:"file"`
	VerboseTraffic  bool   `mapstructure:"verbose_traffic"`
	ShowHTTPDetails bool   `mapstructure:"show_http_details"`
}

// RelayConfig mirrors the `relay:` section of the config file.
type RelayConfig struct {
	// RateLimitKBps caps combined relay throughput per connection, in
	// kilobytes per second. Zero (the default) disables throttling.
	RateLimitKBps int `mapstructure:"rate_limit_kbps"`
}

// Config is the fully parsed, validated, and defaulted process
// configuration.
type Config struct {
	Trojan  UpstreamConfig `mapstructure:"trojan"`
	Local   ListenConfig   `mapstructure:"local"`
	Routing RoutingRules   `mapstructure:"routing"`
	Log     LogConfig      `mapstructure:"log"`
	Relay   RelayConfig    `mapstructure:"relay"`
}

var validLogLevels = map[string]bool{
	"DEBUG":   true,
	"INFO":    true,
	"WARNING": true,
	"ERROR":   true,
}

// Load reads and validates the YAML file at path. A missing file or any
// validation failure is returned as an error; callers are expected to treat
// this as a fatal startup condition.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("trojan.port", 443)
	v.SetDefault("trojan.verify_ssl", true)
	v.SetDefault("local.listen", "127.0.0.1")
	v.SetDefault("local.port", 1080)
	v.SetDefault("routing.proxy_domains", []string{"*"})
	v.SetDefault("routing.direct_domains", []string{})
	v.SetDefault("log.level", "INFO")
	v.SetDefault("relay.rate_limit_kbps", 0)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config file")
	}

	if cfg.Trojan.SNI == "" {
		cfg.Trojan.SNI = cfg.Trojan.Server
	}
	cfg.Log.Level = strings.ToUpper(strings.TrimSpace(cfg.Log.Level))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Trojan.PasswordHash = trojan.HashPassword(cfg.Trojan.Password)
	cfg.Trojan.Password = ""

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Trojan.Server == "" {
		return errors.New("trojan.server must not be empty")
	}
	if c.Trojan.Password == "" {
		return errors.New("trojan.password must not be empty")
	}
	if !validPort(c.Trojan.Port) {
		return errors.Errorf("trojan.port %d out of range 1-65535", c.Trojan.Port)
	}
	if !validPort(c.Local.Port) {
		return errors.Errorf("local.port %d out of range 1-65535", c.Local.Port)
	}
	if !validLogLevels[c.Log.Level] {
		return errors.Errorf("log.level %q must be one of DEBUG, INFO, WARNING, ERROR", c.Log.Level)
	}
	if c.Relay.RateLimitKBps < 0 {
		return errors.Errorf("relay.rate_limit_kbps %d must not be negative", c.Relay.RateLimitKBps)
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
