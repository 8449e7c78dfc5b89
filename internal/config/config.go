package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

// Config is the static per-process bootstrap configuration. Hot strategy
// parameters live in a separate KEY=VALUE file (see internal/params) so they
// can change without a restart.
type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Params         ParamsConfig         `yaml:"params"`
	State          StateConfig          `yaml:"state"`
	Journal        JournalConfig        `yaml:"journal"`
	Logging        LoggingConfig        `yaml:"logging"`
	Runtime        RuntimeConfig        `yaml:"runtime"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	RestBaseURL     string `yaml:"rest_base_url"`
	WSBaseURL       string `yaml:"ws_base_url"`
	RecvWindowMs    int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec  int64  `yaml:"http_timeout_sec"`
	RateLimitPerSec int    `yaml:"rate_limit_per_sec"`
}

type ParamsConfig struct {
	File              string `yaml:"file"`
	ReloadIntervalSec int64  `yaml:"reload_interval_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type JournalConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type RuntimeConfig struct {
	HeartbeatSec     int64 `yaml:"heartbeat_sec"`
	ShutdownGraceSec int64 `yaml:"shutdown_grace_sec"`
	WSSilenceSec     int64 `yaml:"ws_silence_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Params.File = strings.TrimSpace(c.Params.File)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Journal.Dir = strings.TrimSpace(c.Journal.Dir)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Dir = strings.TrimSpace(c.Logging.Dir)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Metrics.ListenAddr = strings.TrimSpace(c.Observability.Metrics.ListenAddr)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTestnet
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 5
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 8
	}
	if c.Params.ReloadIntervalSec == 0 {
		c.Params.ReloadIntervalSec = 60
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "trades"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Runtime.HeartbeatSec == 0 {
		c.Runtime.HeartbeatSec = 30
	}
	if c.Runtime.ShutdownGraceSec == 0 {
		c.Runtime.ShutdownGraceSec = 10
	}
	if c.Runtime.WSSilenceSec == 0 {
		c.Runtime.WSSilenceSec = 90
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Metrics.ListenAddr == "" {
		c.Observability.Metrics.ListenAddr = "127.0.0.1:9110"
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be testnet or live, got %q", c.Mode)
	}
	if c.Symbol == "" {
		return errors.New("symbol required")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return errors.New("exchange api_key/api_secret required")
	}
	if c.Exchange.RestBaseURL != "" {
		if _, err := url.Parse(c.Exchange.RestBaseURL); err != nil {
			return fmt.Errorf("invalid rest_base_url: %w", err)
		}
	}
	if c.Exchange.WSBaseURL != "" {
		if _, err := url.Parse(c.Exchange.WSBaseURL); err != nil {
			return fmt.Errorf("invalid ws_base_url: %w", err)
		}
	}
	if c.Params.File == "" {
		return errors.New("params file required")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" || c.Observability.Telegram.ChatID == "" {
			return errors.New("telegram enabled but bot_token/chat_id missing")
		}
	}
	return nil
}
