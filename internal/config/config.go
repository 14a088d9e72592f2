package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file, expands ${VAR} references and applies defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultMode
	}
	if cfg.Server.URLEnv == "" {
		cfg.Server.URLEnv = DefaultURLEnv
	}
	if cfg.Server.Platform == "" {
		cfg.Server.Platform = DefaultPlatform
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = DefaultHealthPath
	}
	if cfg.Server.CheckTimeout == 0 {
		cfg.Server.CheckTimeout = DefaultCheckTimeout
	}

	if cfg.Realtime.Path == "" {
		cfg.Realtime.Path = DefaultRealtimePath
	}
	if cfg.Realtime.HeartbeatInterval == 0 {
		cfg.Realtime.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Realtime.ReconnectBaseDelay == 0 {
		cfg.Realtime.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.Realtime.MaxReconnectAttempts == 0 {
		cfg.Realtime.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.Realtime.HandshakeTimeout == 0 {
		cfg.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Realtime.WriteTimeout == 0 {
		cfg.Realtime.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Realtime.DedupCacheSize == 0 {
		cfg.Realtime.DedupCacheSize = DefaultDedupCacheSize
	}

	if cfg.Presence.Interval == 0 {
		cfg.Presence.Interval = DefaultPresenceInterval
	}
	if cfg.Presence.GraceDelay == 0 {
		cfg.Presence.GraceDelay = DefaultPresenceGraceDelay
	}
	if cfg.Presence.RequestTimeout == 0 {
		cfg.Presence.RequestTimeout = DefaultPresenceTimeout
	}
	if cfg.Presence.ConnectPath == "" {
		cfg.Presence.ConnectPath = DefaultConnectPath
	}
	if cfg.Presence.DisconnectPath == "" {
		cfg.Presence.DisconnectPath = DefaultDisconnectPath
	}

	if cfg.Credentials.TokenEnv == "" {
		cfg.Credentials.TokenEnv = DefaultTokenEnv
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Server.Mode {
	case ModeProduction:
		if cfg.Server.ProductionURL == "" {
			return errors.New("server.productionUrl is required in production mode")
		}
		if err := validateOrigin(cfg.Server.ProductionURL); err != nil {
			return fmt.Errorf("server.productionUrl: %w", err)
		}
	case ModeDevelopment:
	default:
		return fmt.Errorf("server.mode must be 'production' or 'development'")
	}

	if cfg.Server.ExplicitURL != "" {
		if err := validateOrigin(cfg.Server.ExplicitURL); err != nil {
			return fmt.Errorf("server.explicitUrl: %w", err)
		}
	}

	switch cfg.Server.Platform {
	case "android", "ios", "desktop":
	default:
		return fmt.Errorf("server.platform must be one of: android, ios, desktop")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if cfg.Server.CheckTimeout < 0 {
		return fmt.Errorf("server.checkTimeout must be non-negative")
	}

	if cfg.Realtime.HeartbeatInterval < 0 {
		return fmt.Errorf("realtime.heartbeatInterval must be non-negative")
	}

	if cfg.Realtime.ReconnectBaseDelay < 0 {
		return fmt.Errorf("realtime.reconnectBaseDelay must be non-negative")
	}

	if cfg.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.maxReconnectAttempts must be non-negative")
	}

	if cfg.Realtime.DedupCacheSize < 0 {
		return fmt.Errorf("realtime.dedupCacheSize must be non-negative")
	}

	if cfg.Presence.Interval < 0 || cfg.Presence.GraceDelay < 0 || cfg.Presence.RequestTimeout < 0 {
		return fmt.Errorf("presence intervals must be non-negative")
	}

	if cfg.Scripts != nil && cfg.Scripts.Enabled && cfg.Scripts.Timeout < 0 {
		return fmt.Errorf("scripts.timeout must be non-negative")
	}

	return nil
}

func validateOrigin(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
