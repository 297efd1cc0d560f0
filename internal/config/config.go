package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGatewayURL         = "http://localhost:3001"
	DefaultDeviceID           = "ESP32_ESCRITORIO_01"
	DefaultGatewayTimeout     = 5
	DefaultMinIntervalSeconds = 120
	DefaultQueueSize          = 16
	DefaultWindowSeconds      = 60
	DefaultVisionSource       = "simulated"
	DefaultFramesPath         = "-"
	DefaultFrameHeight        = 480
	DefaultBlinkFrames        = 3
	DefaultCO2ThresholdPPM    = 1200
	DefaultCO2ClearPPM        = 1000
	DefaultPollSeconds        = 15
)

// Vision sources.
const (
	SourceSimulated = "simulated"
	SourceFrames    = "frames"
)

var (
	ErrMissingGatewayURL = errors.New("gateway base url is required")
	ErrInvalid           = errors.New("invalid configuration")
)

type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Alerts      AlertsConfig      `json:"alerts"`
	Vision      VisionConfig      `json:"vision"`
	Environment EnvironmentConfig `json:"environment"`
	Rules       RulesConfig       `json:"rules"`
	Voice       VoiceConfig       `json:"voice"`
	Scripts     ScriptsConfig     `json:"scripts"`
	Store       StoreConfig       `json:"store"`
}

type GatewayConfig struct {
	BaseURL        string `json:"baseUrl"`
	DeviceID       string `json:"deviceId"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type AlertsConfig struct {
	MinIntervalSeconds int `json:"minIntervalSeconds"`
	QueueSize          int `json:"queueSize"`
}

type VisionConfig struct {
	Source        string `json:"source"`
	WindowSeconds int    `json:"windowSeconds"`
	FramesPath    string `json:"framesPath,omitempty"`
	FrameHeight   int    `json:"frameHeight"`
	BlinkFrames   int    `json:"blinkFrames"`
}

type EnvironmentConfig struct {
	CO2ThresholdPPM float64 `json:"co2ThresholdPpm"`
	CO2ClearPPM     float64 `json:"co2ClearPpm"`
	PollSeconds     int     `json:"pollSeconds"`
	FanControl      bool    `json:"fanControl"`
}

// RuleConfig is one compound rule: a name and the level each category must
// hold for it to fire.
type RuleConfig struct {
	Name string            `json:"name"`
	When map[string]string `json:"when"`
}

type RulesConfig struct {
	Plugin      string       `json:"plugin,omitempty"` // path to a salud-rules compatible binary
	Definitions []RuleConfig `json:"definitions,omitempty"`
}

type VoiceConfig struct {
	Command  string         `json:"command,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

type ScriptsConfig struct {
	Path string `json:"path,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL:        DefaultGatewayURL,
			DeviceID:       DefaultDeviceID,
			TimeoutSeconds: DefaultGatewayTimeout,
		},
		Alerts: AlertsConfig{
			MinIntervalSeconds: DefaultMinIntervalSeconds,
			QueueSize:          DefaultQueueSize,
		},
		Vision: VisionConfig{
			Source:        DefaultVisionSource,
			WindowSeconds: DefaultWindowSeconds,
			FramesPath:    DefaultFramesPath,
			FrameHeight:   DefaultFrameHeight,
			BlinkFrames:   DefaultBlinkFrames,
		},
		Environment: EnvironmentConfig{
			CO2ThresholdPPM: DefaultCO2ThresholdPPM,
			CO2ClearPPM:     DefaultCO2ClearPPM,
			PollSeconds:     DefaultPollSeconds,
			FanControl:      true,
		},
		Rules: RulesConfig{
			Definitions: []RuleConfig{
				{Name: "general_high_fatigue", When: map[string]string{"visual": "high", "postural": "high"}},
			},
		},
		Store: StoreConfig{
			DBPath: filepath.Join(ConfigDir(), "data", "salud.db"),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".salud")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("SALUD_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("SALUD_DEVICE_ID"); v != "" {
		cfg.Gateway.DeviceID = v
	}
	if v := os.Getenv("SALUD_MIN_ALERT_INTERVAL"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Alerts.MinIntervalSeconds = parsed
		}
	}
	if v := os.Getenv("SALUD_WINDOW_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Vision.WindowSeconds = parsed
		}
	}
	if v := os.Getenv("SALUD_VISION_SOURCE"); v != "" {
		cfg.Vision.Source = v
	}
	if v := os.Getenv("SALUD_CO2_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Environment.CO2ThresholdPPM = parsed
		}
	}
	if v := os.Getenv("SALUD_RULES_PLUGIN"); v != "" {
		cfg.Rules.Plugin = v
	}
	if v := os.Getenv("SALUD_TTS_COMMAND"); v != "" {
		cfg.Voice.Command = v
	}
	if v := os.Getenv("SALUD_TELEGRAM_TOKEN"); v != "" {
		cfg.Voice.Telegram.Token = v
	}
	if v := os.Getenv("SALUD_TELEGRAM_CHAT_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Voice.Telegram.ChatID = parsed
		}
	}
	if v := os.Getenv("SALUD_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}

	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = DefaultGatewayTimeout
	}
	if cfg.Alerts.QueueSize <= 0 {
		cfg.Alerts.QueueSize = DefaultQueueSize
	}
	if cfg.Vision.FrameHeight <= 0 {
		cfg.Vision.FrameHeight = DefaultFrameHeight
	}
	if cfg.Vision.BlinkFrames <= 0 {
		cfg.Vision.BlinkFrames = DefaultBlinkFrames
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultConfig().Store.DBPath
	}

	return cfg, nil
}

// Validate reports settings the pipeline cannot start with. Errors wrap
// ErrMissingGatewayURL or ErrInvalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return ErrMissingGatewayURL
	}
	u, err := url.Parse(c.Gateway.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: gateway base url %q", ErrInvalid, c.Gateway.BaseURL)
	}
	if c.Alerts.MinIntervalSeconds <= 0 {
		return fmt.Errorf("%w: alerts.minIntervalSeconds must be positive", ErrInvalid)
	}
	if c.Vision.WindowSeconds <= 0 {
		return fmt.Errorf("%w: vision.windowSeconds must be positive", ErrInvalid)
	}
	if c.Environment.PollSeconds <= 0 {
		return fmt.Errorf("%w: environment.pollSeconds must be positive", ErrInvalid)
	}
	if c.Environment.CO2ThresholdPPM <= 0 {
		return fmt.Errorf("%w: environment.co2ThresholdPpm must be positive", ErrInvalid)
	}
	if c.Environment.CO2ClearPPM > c.Environment.CO2ThresholdPPM {
		return fmt.Errorf("%w: environment.co2ClearPpm above threshold", ErrInvalid)
	}
	switch c.Vision.Source {
	case SourceSimulated, SourceFrames:
	default:
		return fmt.Errorf("%w: vision.source %q", ErrInvalid, c.Vision.Source)
	}
	if c.Voice.Telegram.Enabled && (c.Voice.Telegram.Token == "" || c.Voice.Telegram.ChatID == 0) {
		return fmt.Errorf("%w: voice.telegram needs token and chatId", ErrInvalid)
	}
	for _, r := range c.Rules.Definitions {
		if strings.TrimSpace(r.Name) == "" || len(r.When) == 0 {
			return fmt.Errorf("%w: rule needs a name and at least one condition", ErrInvalid)
		}
	}
	return nil
}

func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.Alerts.MinIntervalSeconds) * time.Second
}

func (c *Config) Window() time.Duration {
	return time.Duration(c.Vision.WindowSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Environment.PollSeconds) * time.Second
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
