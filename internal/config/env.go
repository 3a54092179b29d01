package config

import (
	"strconv"
	"strings"
)

// EnvPrefix namespaces every override variable.
const EnvPrefix = "NOTIFYHUB_"

// ApplyEnv overrides cfg from environment variables looked up via getenv
// (os.Getenv in production). Unset or blank variables leave cfg unchanged.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, err := strconv.ParseBool(strings.TrimSpace(getenv(EnvPrefix + name))); err == nil {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, err := strconv.Atoi(strings.TrimSpace(getenv(EnvPrefix + name))); err == nil {
			*dst = v
		}
	}

	str("ADDR", &cfg.Server.Addr)
	str("SERVER_ID", &cfg.Server.ServerID)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("AUTH_MODE", &cfg.Auth.Mode)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)

	str("RATE_LIMIT_STRATEGY", &cfg.RateLimit.Strategy)
	str("RATE_LIMIT_SCOPE", &cfg.RateLimit.Scope)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("REDIS_ADDR", &cfg.Store.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Store.Redis.Password)
	integer("REDIS_DB", &cfg.Store.Redis.DB)
	str("SQLITE_PATH", &cfg.Store.SQLite.Path)

	boolean("SESSION_ENABLED", &cfg.Session.Enabled)
	boolean("CLUSTER_FORWARD", &cfg.Cluster.Forward)

	str("SLACK_WEBHOOK_URL", &cfg.Channels.Slack.WebhookURL)
	str("WEBHOOK_URL", &cfg.Channels.Webhook.URL)
	str("SMTP_HOST", &cfg.Channels.Email.Host)
	integer("SMTP_PORT", &cfg.Channels.Email.Port)
	str("SMTP_USERNAME", &cfg.Channels.Email.Username)
	str("SMTP_PASSWORD", &cfg.Channels.Email.Password)
	str("SMTP_FROM", &cfg.Channels.Email.From)
	str("TELEGRAM_TOKEN", &cfg.Channels.Telegram.Token)
}
