package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name:                "ChatBridge",
			CommandPrefix:       "/",
			MaxReplyLength:      4000,
			ResponderTimeoutSec: 120,
			HistoryTurns:        10,
			IdleTimeoutMin:      60,
			DedupTTLSec:         300,
		},
		Platforms: PlatformsConfig{
			Lark: LarkConfig{
				Domain:      "feishu",
				Listen:      ":3000",
				WebhookPath: "/webhook/lark",
			},
			OneBot: OneBotConfig{
				Mode:   "reverse",
				Listen: ":6700",
				Path:   "/onebot/v11/ws",
			},
		},
		Responder: ResponderConfig{
			Model: "gpt-4o-mini",
		},
		Database: DatabaseConfig{
			Path: "~/.chatbridge/chatbridge.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
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

	envStr("CHATBRIDGE_LARK_APP_ID", &c.Platforms.Lark.AppID)
	envStr("CHATBRIDGE_LARK_APP_SECRET", &c.Platforms.Lark.AppSecret)
	envStr("CHATBRIDGE_LARK_VERIFICATION_TOKEN", &c.Platforms.Lark.VerificationToken)
	envStr("CHATBRIDGE_LARK_ENCRYPT_KEY", &c.Platforms.Lark.EncryptKey)
	envStr("CHATBRIDGE_LARK_DOMAIN", &c.Platforms.Lark.Domain)

	envStr("CHATBRIDGE_ONEBOT_ACCESS_TOKEN", &c.Platforms.OneBot.AccessToken)
	envStr("CHATBRIDGE_ONEBOT_URL", &c.Platforms.OneBot.URL)
	envStr("CHATBRIDGE_ONEBOT_SELF_ID", &c.Platforms.OneBot.SelfID)

	envStr("CHATBRIDGE_OPENAI_API_KEY", &c.Responder.APIKey)
	envStr("CHATBRIDGE_OPENAI_BASE_URL", &c.Responder.BaseURL)
	envStr("CHATBRIDGE_MODEL", &c.Responder.Model)

	envStr("CHATBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATBRIDGE_DB_ENGINE", &c.Database.Engine)

	envStr("CHATBRIDGE_LOG_LEVEL", &c.Logging.Level)

	// Auto-enable platforms when credentials arrive via env
	if c.Platforms.Lark.AppID != "" && c.Platforms.Lark.AppSecret != "" {
		c.Platforms.Lark.Enabled = true
	}

	if v := os.Getenv("CHATBRIDGE_CHAT_TYPES"); v != "" {
		c.Bot.ChatTypes = strings.Split(v, ",")
	}
	if v := os.Getenv("CHATBRIDGE_REQUIRE_MENTION"); v != "" {
		c.Bot.RequireMention = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATBRIDGE_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Bot.RateLimitRPM = n
		}
	}
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
