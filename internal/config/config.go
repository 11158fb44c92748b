package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide settings tree. Every section has working
// defaults; deployments override through environment variables or a JSON
// file.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Spectator *SpectatorConfig `json:"spectator"`
	Batch     *BatchConfig     `json:"batch"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// RateLimitConfig holds the sliding-window classes and the idle-key sweep
// cadence.
type RateLimitConfig struct {
	ActionWindow time.Duration `json:"action_window"`
	ActionLimit  int           `json:"action_limit"`
	ChatWindow   time.Duration `json:"chat_window"`
	ChatLimit    int           `json:"chat_limit"`
	SweepEvery   time.Duration `json:"sweep_every"`
	SweepIdle    time.Duration `json:"sweep_idle"`
}

type SpectatorConfig struct {
	Capacity   int           `json:"capacity"`
	FlushDelay time.Duration `json:"flush_delay"`
}

type BatchConfig struct {
	Interval time.Duration `json:"interval"`
	MaxSize  int           `json:"max_size"`
}

// DefaultConfig returns production-ready defaults: 30s heartbeat, 500ms
// spectator coalescing, the standard rate-limit classes.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./cardroom.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		RateLimit: &RateLimitConfig{
			ActionWindow: 10 * time.Second,
			ActionLimit:  10,
			ChatWindow:   60 * time.Second,
			ChatLimit:    10,
			SweepEvery:   5 * time.Minute,
			SweepIdle:    10 * time.Minute,
		},
		Spectator: &SpectatorConfig{
			Capacity:   50,
			FlushDelay: 500 * time.Millisecond,
		},
		Batch: &BatchConfig{
			Interval: 100 * time.Millisecond,
			MaxSize:  25,
		},
	}
}

// Validate checks every section for values that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.ActionWindow <= 0 || c.RateLimit.ChatWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.RateLimit.ActionLimit <= 0 || c.RateLimit.ChatLimit <= 0 {
		return fmt.Errorf("rate limit counts must be positive")
	}
	if c.RateLimit.SweepEvery <= 0 || c.RateLimit.SweepIdle <= 0 {
		return fmt.Errorf("rate limit sweep settings must be positive")
	}

	if c.Spectator == nil {
		return fmt.Errorf("spectator configuration is required")
	}
	if c.Spectator.Capacity <= 0 {
		return fmt.Errorf("spectator capacity must be positive")
	}
	if c.Spectator.FlushDelay <= 0 {
		return fmt.Errorf("spectator flush delay must be positive")
	}

	if c.Batch == nil {
		return fmt.Errorf("batch configuration is required")
	}
	if c.Batch.Interval <= 0 {
		return fmt.Errorf("batch interval must be positive")
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch max size must be positive")
	}

	return nil
}

// LoadFromEnv returns defaults overridden by CARDROOM_* environment
// variables. Unparseable values fall back silently to the default.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("CARDROOM_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("CARDROOM_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("CARDROOM_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if readTimeout := os.Getenv("CARDROOM_HTTP_READ_TIMEOUT"); readTimeout != "" {
		if timeout, err := time.ParseDuration(readTimeout); err == nil {
			config.HTTP.ReadTimeout = timeout
		}
	}
	if writeTimeout := os.Getenv("CARDROOM_HTTP_WRITE_TIMEOUT"); writeTimeout != "" {
		if timeout, err := time.ParseDuration(writeTimeout); err == nil {
			config.HTTP.WriteTimeout = timeout
		}
	}
	if dbTimeout := os.Getenv("CARDROOM_DATABASE_TIMEOUT"); dbTimeout != "" {
		if timeout, err := time.ParseDuration(dbTimeout); err == nil {
			config.Database.Timeout = timeout
		}
	}
	if pingInterval := os.Getenv("CARDROOM_WEBSOCKET_PING_INTERVAL"); pingInterval != "" {
		if interval, err := time.ParseDuration(pingInterval); err == nil {
			config.WebSocket.PingInterval = interval
		}
	}
	if wsReadTimeout := os.Getenv("CARDROOM_WEBSOCKET_READ_TIMEOUT"); wsReadTimeout != "" {
		if timeout, err := time.ParseDuration(wsReadTimeout); err == nil {
			config.WebSocket.ReadTimeout = timeout
		}
	}
	if bufferSize := os.Getenv("CARDROOM_WEBSOCKET_BUFFER_SIZE"); bufferSize != "" {
		if size, err := strconv.Atoi(bufferSize); err == nil {
			config.WebSocket.BufferSize = size
		}
	}
	if actionLimit := os.Getenv("CARDROOM_RATELIMIT_ACTION_LIMIT"); actionLimit != "" {
		if n, err := strconv.Atoi(actionLimit); err == nil {
			config.RateLimit.ActionLimit = n
		}
	}
	if chatLimit := os.Getenv("CARDROOM_RATELIMIT_CHAT_LIMIT"); chatLimit != "" {
		if n, err := strconv.Atoi(chatLimit); err == nil {
			config.RateLimit.ChatLimit = n
		}
	}
	if capacity := os.Getenv("CARDROOM_SPECTATOR_CAPACITY"); capacity != "" {
		if n, err := strconv.Atoi(capacity); err == nil {
			config.Spectator.Capacity = n
		}
	}
	if flushDelay := os.Getenv("CARDROOM_SPECTATOR_FLUSH_DELAY"); flushDelay != "" {
		if d, err := time.ParseDuration(flushDelay); err == nil {
			config.Spectator.FlushDelay = d
		}
	}
	if interval := os.Getenv("CARDROOM_BATCH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Batch.Interval = d
		}
	}
	if maxSize := os.Getenv("CARDROOM_BATCH_MAX_SIZE"); maxSize != "" {
		if n, err := strconv.Atoi(maxSize); err == nil {
			config.Batch.MaxSize = n
		}
	}

	return config
}

// ConfigFile mirrors Config for JSON parsing, with durations as strings.
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	RateLimit *RateLimitConfigFile `json:"rate_limit"`
	Spectator *SpectatorConfigFile `json:"spectator"`
	Batch     *BatchConfigFile     `json:"batch"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type RateLimitConfigFile struct {
	ActionWindow string `json:"action_window"`
	ActionLimit  int    `json:"action_limit"`
	ChatWindow   string `json:"chat_window"`
	ChatLimit    int    `json:"chat_limit"`
	SweepEvery   string `json:"sweep_every"`
	SweepIdle    string `json:"sweep_idle"`
}

type SpectatorConfigFile struct {
	Capacity   int    `json:"capacity"`
	FlushDelay string `json:"flush_delay"`
}

type BatchConfigFile struct {
	Interval string `json:"interval"`
	MaxSize  int    `json:"max_size"`
}

// LoadFromFile reads a JSON configuration file over defaults and validates
// the result.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if configFile.Database != nil {
		if configFile.Database.Path != "" {
			config.Database.Path = configFile.Database.Path
		}
		setDuration(&config.Database.Timeout, configFile.Database.Timeout)
	}

	if configFile.HTTP != nil {
		if configFile.HTTP.Port > 0 {
			config.HTTP.Port = configFile.HTTP.Port
		}
		if configFile.HTTP.Host != "" {
			config.HTTP.Host = configFile.HTTP.Host
		}
		setDuration(&config.HTTP.ReadTimeout, configFile.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, configFile.HTTP.WriteTimeout)
	}

	if configFile.WebSocket != nil {
		if configFile.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = configFile.WebSocket.BufferSize
		}
		setDuration(&config.WebSocket.PingInterval, configFile.WebSocket.PingInterval)
		setDuration(&config.WebSocket.ReadTimeout, configFile.WebSocket.ReadTimeout)
		setDuration(&config.WebSocket.WriteTimeout, configFile.WebSocket.WriteTimeout)
	}

	if configFile.RateLimit != nil {
		if configFile.RateLimit.ActionLimit > 0 {
			config.RateLimit.ActionLimit = configFile.RateLimit.ActionLimit
		}
		if configFile.RateLimit.ChatLimit > 0 {
			config.RateLimit.ChatLimit = configFile.RateLimit.ChatLimit
		}
		setDuration(&config.RateLimit.ActionWindow, configFile.RateLimit.ActionWindow)
		setDuration(&config.RateLimit.ChatWindow, configFile.RateLimit.ChatWindow)
		setDuration(&config.RateLimit.SweepEvery, configFile.RateLimit.SweepEvery)
		setDuration(&config.RateLimit.SweepIdle, configFile.RateLimit.SweepIdle)
	}

	if configFile.Spectator != nil {
		if configFile.Spectator.Capacity > 0 {
			config.Spectator.Capacity = configFile.Spectator.Capacity
		}
		setDuration(&config.Spectator.FlushDelay, configFile.Spectator.FlushDelay)
	}

	if configFile.Batch != nil {
		if configFile.Batch.MaxSize > 0 {
			config.Batch.MaxSize = configFile.Batch.MaxSize
		}
		setDuration(&config.Batch.Interval, configFile.Batch.Interval)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. A missing or broken file degrades to the environment result.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
