// Package config holds the bridge configuration: JSON5 file, env var
// overlay on top, secrets from env only.
package config

import (
	"sync"
)

// Config is the root configuration for the ChatBridge service.
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Platforms PlatformsConfig `json:"platforms"`
	Responder ResponderConfig `json:"responder"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Personas  PersonasConfig  `json:"personas,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	mu        sync.RWMutex
}

// BotConfig controls message gating and reply shaping.
type BotConfig struct {
	Name            string   `json:"name"`
	Enabled         *bool    `json:"enabled,omitempty"`          // default true (nil = enabled)
	CommandPrefix   string   `json:"command_prefix,omitempty"`   // default "/"
	ChatTypes       []string `json:"chat_types,omitempty"`       // empty = all
	RequireMention  bool     `json:"require_mention,omitempty"`  // group messages must @ the bot
	MaxReplyLength  int      `json:"max_reply_length,omitempty"` // runes, 0 = unlimited
	ResponderTimeoutSec int  `json:"responder_timeout_sec,omitempty"` // default 120
	ErrorReply      string   `json:"error_reply,omitempty"`
	HistoryTurns    int      `json:"history_turns,omitempty"`  // default 10
	IdleTimeoutMin  int      `json:"idle_timeout_min,omitempty"` // sweep conversations idle > N min (default 60)
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`  // per-user messages/minute, 0 = off
	RateLimitBurst  int      `json:"rate_limit_burst,omitempty"`
	DedupTTLSec     int      `json:"dedup_ttl_sec,omitempty"` // default 300
}

// IsEnabled returns whether the bot processes messages at all.
func (b BotConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// PlatformsConfig holds the per-platform connection settings.
type PlatformsConfig struct {
	Lark   LarkConfig   `json:"lark,omitempty"`
	OneBot OneBotConfig `json:"onebot,omitempty"`
}

// LarkConfig configures the Lark/Feishu webhook platform.
// AppSecret and VerificationToken come from env only (never persisted).
type LarkConfig struct {
	Enabled           bool   `json:"enabled,omitempty"`
	AppID             string `json:"app_id,omitempty"`
	AppSecret         string `json:"-"` // from env CHATBRIDGE_LARK_APP_SECRET only
	Domain            string `json:"domain,omitempty"` // "feishu", "lark", or base URL
	VerificationToken string `json:"-"` // from env CHATBRIDGE_LARK_VERIFICATION_TOKEN only
	EncryptKey        string `json:"-"` // from env CHATBRIDGE_LARK_ENCRYPT_KEY only
	Listen            string `json:"listen,omitempty"`       // webhook listen address, default ":3000"
	WebhookPath       string `json:"webhook_path,omitempty"` // default "/webhook/lark"
	BotOpenID         string `json:"bot_open_id,omitempty"`  // resolved at startup when empty
}

// OneBotConfig configures the OneBot v11 platform. Mode selects the
// transport: "reverse" (we listen, the implementation dials us),
// "forward" (we dial its WS endpoint), or "http".
type OneBotConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Mode        string `json:"mode,omitempty"`   // "reverse" (default), "forward", "http"
	Listen      string `json:"listen,omitempty"` // reverse mode, default ":6700"
	Path        string `json:"path,omitempty"`   // reverse mode WS path
	URL         string `json:"url,omitempty"`    // forward/http mode endpoint
	AccessToken string `json:"-"`                // from env CHATBRIDGE_ONEBOT_ACCESS_TOKEN only
	SelfID      string `json:"self_id,omitempty"`
}

// ResponderConfig configures the LLM responder.
// APIKey comes from env only.
type ResponderConfig struct {
	APIKey  string   `json:"-"` // from env CHATBRIDGE_OPENAI_API_KEY only
	BaseURL string   `json:"base_url,omitempty"`
	Model   string   `json:"model,omitempty"`
	Models  []string `json:"models,omitempty"` // switchable via /model
}

// DatabaseConfig selects the optional durable store.
// PostgresDSN comes from env only.
type DatabaseConfig struct {
	Engine        string `json:"engine,omitempty"` // "" (off), "sqlite", "postgres"
	Path          string `json:"path,omitempty"`   // sqlite file path
	PostgresDSN   string `json:"-"`                // from env CHATBRIDGE_POSTGRES_DSN only
	RetentionDays int    `json:"retention_days,omitempty"` // 0 = keep forever
}

// PersonaSpec is one named persona in config.
type PersonaSpec struct {
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt"`
}

// PersonasConfig maps persona names to prompts.
type PersonasConfig struct {
	Default string                 `json:"default,omitempty"`
	List    map[string]PersonaSpec `json:"list,omitempty"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info" (default), "warn", "error"
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload watcher.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Bot = src.Bot
	c.Platforms = src.Platforms
	c.Responder = src.Responder
	c.Database = src.Database
	c.Personas = src.Personas
	c.Logging = src.Logging
}

// Snapshot returns a copy of the data fields for lock-free reads.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Bot:       c.Bot,
		Platforms: c.Platforms,
		Responder: c.Responder,
		Database:  c.Database,
		Personas:  c.Personas,
		Logging:   c.Logging,
	}
}

const secretMask = "***"

// MaskedCopy returns a copy with all secret fields masked, for display
// and diagnostics. Secrets carry `json:"-"` so a JSON round-trip would
// drop them entirely; the copy is made by value to keep them visible
// as "***".
func (c *Config) MaskedCopy() *Config {
	snap := c.Snapshot()
	cp := &Config{
		Bot:       snap.Bot,
		Platforms: snap.Platforms,
		Responder: snap.Responder,
		Database:  snap.Database,
		Personas:  snap.Personas,
		Logging:   snap.Logging,
	}

	maskNonEmpty(&cp.Platforms.Lark.AppSecret)
	maskNonEmpty(&cp.Platforms.Lark.VerificationToken)
	maskNonEmpty(&cp.Platforms.Lark.EncryptKey)
	maskNonEmpty(&cp.Platforms.OneBot.AccessToken)
	maskNonEmpty(&cp.Responder.APIKey)
	maskNonEmpty(&cp.Database.PostgresDSN)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
