package config

import "time"

// Mode selects how the backend origin is resolved
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// Config represents the main configuration structure
type Config struct {
	LogLevel    string            `yaml:"logLevel"`
	Server      ServerConfig      `yaml:"server"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Presence    PresenceConfig    `yaml:"presence"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Scripts     *ScriptsConfig    `yaml:"scripts,omitempty"`
	StatusAPI   *StatusAPIConfig  `yaml:"statusApi,omitempty"`
}

// ServerConfig describes where the backend lives and how to discover it
type ServerConfig struct {
	Mode          Mode     `yaml:"mode"`
	ProductionURL string   `yaml:"productionUrl"`
	ExplicitURL   string   `yaml:"explicitUrl"`
	URLEnv        string   `yaml:"urlEnv"`       // environment variable holding an origin
	Platform      string   `yaml:"platform"`     // android, ios or desktop; selects emulator loopback candidates
	Port          int      `yaml:"port"`         // port used for platform and LAN candidates
	LANAddresses  []string `yaml:"lanAddresses"` // hosts or host:port, tried after platform defaults
	HealthPath    string   `yaml:"healthPath"`
	CheckTimeout  int      `yaml:"checkTimeout"` // ms - per-candidate health check timeout
	AllowFallback *bool    `yaml:"allowFallback"`
}

// RealtimeConfig configures the realtime connection manager
type RealtimeConfig struct {
	Path                 string `yaml:"path"`
	HeartbeatInterval    int    `yaml:"heartbeatInterval"`  // ms
	ReconnectBaseDelay   int    `yaml:"reconnectBaseDelay"` // ms - delay for attempt n is base*n
	MaxReconnectAttempts int    `yaml:"maxReconnectAttempts"`
	HandshakeTimeout     int    `yaml:"handshakeTimeout"` // ms
	WriteTimeout         int    `yaml:"writeTimeout"`     // ms
	DedupCacheSize       int    `yaml:"dedupCacheSize"`
}

// PresenceConfig configures the REST presence companion
type PresenceConfig struct {
	Enabled        *bool  `yaml:"enabled"`
	Interval       int    `yaml:"interval"`       // ms
	GraceDelay     int    `yaml:"graceDelay"`     // ms - background debounce before disconnecting
	RequestTimeout int    `yaml:"requestTimeout"` // ms
	ConnectPath    string `yaml:"connectPath"`
	DisconnectPath string `yaml:"disconnectPath"`
}

// CredentialsConfig tells where the bearer token is read from
type CredentialsConfig struct {
	TokenFile string `yaml:"tokenFile"`
	TokenEnv  string `yaml:"tokenEnv"`
}

// ScriptsConfig represents payload normalizer script configuration
type ScriptsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	Timeout   int    `yaml:"timeout"` // ms
}

// StatusAPIConfig represents the local status endpoint configuration
type StatusAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default values
const (
	DefaultLogLevel             = "info"
	DefaultMode                 = ModeDevelopment
	DefaultURLEnv               = "PROVLINK_SERVER_URL"
	DefaultPlatform             = "desktop"
	DefaultServerPort           = 8000
	DefaultHealthPath           = "/health"
	DefaultCheckTimeout         = 3000 // ms
	DefaultAllowFallback        = true
	DefaultRealtimePath         = "/ws/provider"
	DefaultHeartbeatInterval    = 30000 // ms
	DefaultReconnectBaseDelay   = 1000  // ms
	DefaultMaxReconnectAttempts = 5
	DefaultHandshakeTimeout     = 10000 // ms
	DefaultWriteTimeout         = 10000 // ms
	DefaultDedupCacheSize       = 1024
	DefaultPresenceEnabled      = true
	DefaultPresenceInterval     = 60000 // ms
	DefaultPresenceGraceDelay   = 5000  // ms
	DefaultPresenceTimeout      = 10000 // ms
	DefaultConnectPath          = "/api/providers/presence/connect"
	DefaultDisconnectPath       = "/api/providers/presence/disconnect"
	DefaultTokenEnv             = "PROVLINK_TOKEN"
	DefaultScriptsDirectory     = "./normalizers"
	DefaultScriptsTimeout       = 100 // ms
	DefaultStatusAPIListen      = "127.0.0.1:7070"
)

// IsProduction returns true if the origin is fixed and never checked
func (s *ServerConfig) IsProduction() bool {
	return s.Mode == ModeProduction
}

// GetCheckTimeoutDuration returns the health check timeout as time.Duration
func (s *ServerConfig) GetCheckTimeoutDuration() time.Duration {
	return time.Duration(s.CheckTimeout) * time.Millisecond
}

// FallbackAllowed reports whether resolution may return the localhost fallback when every health check fails
func (s *ServerConfig) FallbackAllowed() bool {
	if s.AllowFallback == nil {
		return DefaultAllowFallback
	}
	return *s.AllowFallback
}

// GetHeartbeatIntervalDuration returns heartbeat interval as time.Duration
func (r *RealtimeConfig) GetHeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Millisecond
}

// GetReconnectBaseDelayDuration returns the linear backoff base as time.Duration
func (r *RealtimeConfig) GetReconnectBaseDelayDuration() time.Duration {
	return time.Duration(r.ReconnectBaseDelay) * time.Millisecond
}

// GetHandshakeTimeoutDuration returns handshake timeout as time.Duration
func (r *RealtimeConfig) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(r.HandshakeTimeout) * time.Millisecond
}

// GetWriteTimeoutDuration returns write timeout as time.Duration
func (r *RealtimeConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(r.WriteTimeout) * time.Millisecond
}

// IsEnabled returns true unless presence polling was explicitly disabled
func (p *PresenceConfig) IsEnabled() bool {
	if p.Enabled == nil {
		return DefaultPresenceEnabled
	}
	return *p.Enabled
}

// GetIntervalDuration returns the keep-alive interval as time.Duration
func (p *PresenceConfig) GetIntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Millisecond
}

// GetGraceDelayDuration returns the background debounce as time.Duration
func (p *PresenceConfig) GetGraceDelayDuration() time.Duration {
	return time.Duration(p.GraceDelay) * time.Millisecond
}

// GetRequestTimeoutDuration returns the per-call timeout as time.Duration
func (p *PresenceConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Millisecond
}

// IsScriptsEnabled returns true if normalizer scripts are configured and enabled
func (c *Config) IsScriptsEnabled() bool {
	return c.Scripts != nil && c.Scripts.Enabled
}

// GetScriptsDirectory returns the normalizer scripts directory path
func (c *Config) GetScriptsDirectory() string {
	if c.Scripts == nil || c.Scripts.Directory == "" {
		return DefaultScriptsDirectory
	}
	return c.Scripts.Directory
}

// GetScriptsTimeoutDuration returns script timeout as time.Duration
func (c *Config) GetScriptsTimeoutDuration() time.Duration {
	if c.Scripts == nil || c.Scripts.Timeout == 0 {
		return time.Duration(DefaultScriptsTimeout) * time.Millisecond
	}
	return time.Duration(c.Scripts.Timeout) * time.Millisecond
}

// IsStatusAPIEnabled returns true if the local status API is configured and enabled
func (c *Config) IsStatusAPIEnabled() bool {
	return c.StatusAPI != nil && c.StatusAPI.Enabled
}

// GetStatusAPIListen returns the status API listen address
func (c *Config) GetStatusAPIListen() string {
	if c.StatusAPI == nil || c.StatusAPI.Listen == "" {
		return DefaultStatusAPIListen
	}
	return c.StatusAPI.Listen
}
