package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         18900,
			RateLimitRPM: 120,
		},
		Chat: ChatConfig{
			Host:         "127.0.0.1",
			BasePort:     16667,
			Nick:         "crewhall",
			SendQueueCap: 64,
		},
		Driver: DriverConfig{
			ComposeBin:  "docker",
			SidecarPipe: "/run/crew/control",
			AgentImage:  "crewhall-agent:latest",
			ChatImage:   "crewhall-ircd:latest",
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.crewhall/crewhall.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CREWHALL_HOST", &c.Server.Host)
	if v := os.Getenv("CREWHALL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("CREWHALL_CHAT_HOST", &c.Chat.Host)
	envStr("CREWHALL_COMPOSE_BIN", &c.Driver.ComposeBin)
	envStr("CREWHALL_AGENT_IMAGE", &c.Driver.AgentImage)
	envStr("CREWHALL_CHAT_IMAGE", &c.Driver.ChatImage)
	envStr("CREWHALL_SIDECAR_PIPE", &c.Driver.SidecarPipe)

	// Database (DSN is a secret, env only).
	envStr("CREWHALL_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CREWHALL_MODE", &c.Database.Mode)
	envStr("CREWHALL_SQLITE_PATH", &c.Database.SQLitePath)

	// API tokens: comma-separated token:tenant pairs, env only.
	if v := os.Getenv("CREWHALL_API_TOKENS"); v != "" {
		tokens := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			tok, tenant, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if ok && tok != "" && tenant != "" {
				tokens[tok] = tenant
			}
		}
		if len(tokens) > 0 {
			c.Auth.Tokens = tokens
		}
	}

	// Telemetry
	envStr("CREWHALL_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CREWHALL_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CREWHALL_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CREWHALL_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CREWHALL_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// and never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// SQLitePathExpanded returns the sqlite path with ~ expanded.
func (c *Config) SQLitePathExpanded() string {
	return ExpandHome(c.Database.SQLitePath)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
