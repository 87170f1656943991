package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the Crewhall orchestrator.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Chat      ChatConfig      `json:"chat"`
	Driver    DriverConfig    `json:"driver"`
	Liveness  LivenessConfig  `json:"liveness"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // empty = allow all
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // 0 = disabled
}

// ChatConfig configures how team chat gateways are reached.
// Each team runs its own IRC daemon inside its compose topology; the
// orchestrator connects as a regular client on the published port.
type ChatConfig struct {
	Host         string `json:"host"`                    // where team chat ports are published (default 127.0.0.1)
	BasePort     int    `json:"base_port"`               // first port in the per-team allocation range
	Nick         string `json:"nick,omitempty"`          // orchestrator nick (default "crewhall")
	SendQueueCap int    `json:"send_queue_cap,omitempty"` // outbound queue while disconnected (default 64)
}

// DriverConfig configures the container driver.
type DriverConfig struct {
	ComposeBin  string `json:"compose_bin,omitempty"`  // default "docker"
	SidecarPipe string `json:"sidecar_pipe,omitempty"` // control FIFO path inside agent containers
	AgentImage  string `json:"agent_image,omitempty"`  // default agent container image
	ChatImage   string `json:"chat_image,omitempty"`   // embedded IRC daemon image
	Network     string `json:"network,omitempty"`      // optional external network name
	OpTimeout   string `json:"op_timeout,omitempty"`   // lifecycle deadline on driver calls (default "2m")
}

// LivenessConfig configures heartbeat tracking and stall escalation.
// Durations are Go duration strings.
type LivenessConfig struct {
	StallTimeout   string `json:"stall_timeout,omitempty"`   // default "60s"
	InterruptAfter string `json:"interrupt_after,omitempty"` // since last beat, default "120s"
	DeadAfter      string `json:"dead_after,omitempty"`      // since last beat, default "180s"
	ScanInterval   string `json:"scan_interval,omitempty"`   // default "1s"
	StartupWindow  string `json:"startup_window,omitempty"`  // first beat deadline on create, default "90s"
}

// DatabaseConfig selects the store backend.
// PostgresDSN is NEVER read from config.json (secret); env CREWHALL_POSTGRES_DSN only.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default, sqlite) or "managed" (postgres)
	PostgresDSN string `json:"-"`              // from env CREWHALL_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode reports whether the orchestrator runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// AuthConfig configures principal authentication.
// Tokens are secrets and come from env CREWHALL_API_TOKENS only, as
// comma-separated token:tenant pairs.
type AuthConfig struct {
	Tokens map[string]string `json:"-"`
	// ExchangeTokenTTL bounds one-shot WS tokens minted by an edge proxy.
	ExchangeTokenTTL string `json:"exchange_token_ttl,omitempty"` // default "60s"
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "crewhall"
	Headers     map[string]string `json:"headers,omitempty"`
}

// StallTimeoutDuration returns the parsed stall timeout with default applied.
func (l LivenessConfig) StallTimeoutDuration() time.Duration {
	return parseDur(l.StallTimeout, 60*time.Second)
}

// InterruptAfterDuration returns the parsed interrupt threshold.
func (l LivenessConfig) InterruptAfterDuration() time.Duration {
	return parseDur(l.InterruptAfter, 120*time.Second)
}

// DeadAfterDuration returns the parsed dead threshold.
func (l LivenessConfig) DeadAfterDuration() time.Duration {
	return parseDur(l.DeadAfter, 180*time.Second)
}

// ScanIntervalDuration returns the parsed scan tick.
func (l LivenessConfig) ScanIntervalDuration() time.Duration {
	return parseDur(l.ScanInterval, time.Second)
}

// StartupWindowDuration returns how long a creating team may wait for every
// agent's first heartbeat before it lands in error.
func (l LivenessConfig) StartupWindowDuration() time.Duration {
	return parseDur(l.StartupWindow, 90*time.Second)
}

// OpTimeoutDuration returns the lifecycle deadline on driver calls.
func (d DriverConfig) OpTimeoutDuration() time.Duration {
	return parseDur(d.OpTimeout, 2*time.Minute)
}

// ExchangeTokenTTLDuration returns the one-shot token TTL.
func (a AuthConfig) ExchangeTokenTTLDuration() time.Duration {
	return parseDur(a.ExchangeTokenTTL, 60*time.Second)
}

func parseDur(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = src.Server
	c.Chat = src.Chat
	c.Driver = src.Driver
	c.Liveness = src.Liveness
	c.Database = src.Database
	c.Auth = src.Auth
	c.Telemetry = src.Telemetry
}
