package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Load reads and parses the configuration file. A missing path yields the
// defaults so the bridge can run against mainnet with no config at all.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.UpstreamWSURL == "" {
		cfg.UpstreamWSURL = DefaultUpstreamWSURL
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.SinkBufferSize == 0 {
		cfg.SinkBufferSize = DefaultSinkBufferSize
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.HistorySubs == 0 {
		cfg.HistorySubs = DefaultHistorySubs
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect.InitialDelay = DefaultInitialDelay
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if cfg.Reconnect.Factor == 0 {
		cfg.Reconnect.Factor = DefaultFactor
	}
}

// applyEnv overrides config values from the environment
func applyEnv(cfg *Config) {
	if url := os.Getenv(EnvUpstreamWSURL); url != "" {
		cfg.UpstreamWSURL = url
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if !strings.HasPrefix(cfg.UpstreamWSURL, "ws://") && !strings.HasPrefix(cfg.UpstreamWSURL, "wss://") {
		return fmt.Errorf("upstreamWsUrl must start with ws:// or wss://")
	}

	if cfg.HandshakeTimeout < 0 || cfg.MessageTimeout < 0 || cfg.PingInterval < 0 || cfg.AckTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}

	if cfg.SinkBufferSize < 1 {
		return fmt.Errorf("sinkBufferSize must be positive")
	}

	if cfg.MaxSubscriptions < 0 {
		return fmt.Errorf("maxSubscriptions must be non-negative")
	}

	if cfg.HistorySize < 1 || cfg.HistorySubs < 1 {
		return fmt.Errorf("historySize and historySubs must be positive")
	}

	if cfg.Reconnect.InitialDelay < 0 || cfg.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays must be non-negative")
	}

	if cfg.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be at least 1")
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.maxAttempts must be non-negative")
	}

	return nil
}
