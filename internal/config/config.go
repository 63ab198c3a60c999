// Package config loads the server and client configuration: a JSON5 file
// for structural settings plus environment variables for anything secret
// or deployment-specific, with defaults applied first and overrides on
// top.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// ActiveHours gates the heartbeat task's can_run to a local time-of-day
// window.
type ActiveHours struct {
	Start string `json:"start"` // "HH:MM", local time
	End   string `json:"end"`
}

// Enabled reports whether both bounds are set.
func (a ActiveHours) Enabled() bool { return a.Start != "" && a.End != "" }

// Contains reports whether now falls within the window, handling the
// wrap-past-midnight case (e.g. 22:00-06:00).
func (a ActiveHours) Contains(now time.Time) bool {
	if !a.Enabled() {
		return true
	}
	start, err1 := time.Parse("15:04", a.Start)
	end, err2 := time.Parse("15:04", a.End)
	if err1 != nil || err2 != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

// RateLimitConfig bounds failed auth and credential-entry attempts per
// source IP.
type RateLimitConfig struct {
	AuthAttemptsPerWindow       int           `json:"auth_attempts_per_window"`
	AuthWindow                  time.Duration `json:"-"`
	AuthWindowSeconds           int           `json:"auth_window_seconds"`
	CredentialAttemptsPerWindow int           `json:"credential_attempts_per_window"`
	CredentialWindowSeconds     int           `json:"credential_window_seconds"`
}

// ServerConfig is the gateway process's configuration, loaded from
// --config/DOTBOT_CONFIG (default config.json) plus env overrides.
type ServerConfig struct {
	BindAddr       string          `json:"bind_addr"`
	MasterKeyPath  string          `json:"master_key_path"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
	OTELEndpoint   string          `json:"otel_endpoint"`
	RunLogDir      string          `json:"run_log_dir"`
	RunLogMaxAgeDays int           `json:"run_log_max_age_days"`

	// PostgresDSN is never read from the config file (it would otherwise
	// land in a committed config.json) — only from DOTBOT_POSTGRES_DSN.
	PostgresDSN string `json:"-"`
}

// DefaultServerConfig returns sane zero-config values, overridden by file
// and env.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr:      ":8443",
		MasterKeyPath: "master.key",
		RateLimit: RateLimitConfig{
			AuthAttemptsPerWindow:       5,
			AuthWindowSeconds:           900,
			CredentialAttemptsPerWindow: 5,
			CredentialWindowSeconds:     900,
		},
		RunLogDir:        "run-logs",
		RunLogMaxAgeDays: 14,
	}
}

// LoadServerConfig reads path (if it exists) as JSON5 over the defaults,
// then applies environment overrides.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		path = os.Getenv("DOTBOT_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := json5.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.RateLimit.AuthWindow = time.Duration(cfg.RateLimit.AuthWindowSeconds) * time.Second

	cfg.PostgresDSN = os.Getenv("DOTBOT_POSTGRES_DSN")
	if v := os.Getenv("DOTBOT_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("DOTBOT_MASTER_KEY_PATH"); v != "" {
		cfg.MasterKeyPath = v
	}
	if v := os.Getenv("DOTBOT_OTEL_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	return cfg, nil
}

// ClientConfig is the local agent's .bot/.env configuration.
type ClientConfig struct {
	ServerURL    string
	DeviceName   string
	InviteToken  string
	TempDir      string

	HeartbeatEnabled    bool
	HeartbeatIntervalMin int
	ActiveHours         ActiveHours

	DiscordChannelConversation string
	DiscordChannelUpdates      string
	DiscordChannelLogs         string
	DiscordAuthorizedUserID    string

	raw map[string]string
}

// LoadClientConfig reads a .env-style key=value file at path (BOM-stripped,
// blank lines and #-comments skipped). Real process environment variables
// take precedence over file values.
func LoadClientConfig(path string) (*ClientConfig, error) {
	raw := map[string]string{}

	if data, err := os.ReadFile(path); err == nil {
		data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			k = strings.TrimSpace(k)
			v = strings.TrimSpace(v)
			v = strings.Trim(v, `"'`)
			raw[k] = v
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	get := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return raw[key]
	}
	getBool := func(key string, def bool) bool {
		v := get(key)
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
	getInt := func(key string, def int) int {
		v := get(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	}

	cfg := &ClientConfig{
		ServerURL:   get("DOTBOT_SERVER"),
		DeviceName:  get("DEVICE_NAME"),
		InviteToken: get("DOTBOT_INVITE_TOKEN"),
		TempDir:     get("DOTBOT_TEMP_DIR"),

		HeartbeatEnabled:     getBool("HEARTBEAT_ENABLED", true),
		HeartbeatIntervalMin: getInt("HEARTBEAT_INTERVAL_MIN", 5),
		ActiveHours: ActiveHours{
			Start: get("HEARTBEAT_ACTIVE_START"),
			End:   get("HEARTBEAT_ACTIVE_END"),
		},

		DiscordChannelConversation: get("DISCORD_CHANNEL_CONVERSATION"),
		DiscordChannelUpdates:      get("DISCORD_CHANNEL_UPDATES"),
		DiscordChannelLogs:         get("DISCORD_CHANNEL_LOGS"),
		DiscordAuthorizedUserID:    get("DISCORD_AUTHORIZED_USER_ID"),

		raw: raw,
	}
	return cfg, nil
}

// ConsumeInviteToken removes DOTBOT_INVITE_TOKEN from the on-disk .env file
// after a successful registration — a redeemed token must not linger in
// .env as if it were still usable.
func ConsumeInviteToken(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	lines := strings.Split(string(data), "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "DOTBOT_INVITE_TOKEN=") {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0600)
}
