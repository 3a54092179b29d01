package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Defaults are filled by ApplyDefaults; NOTIFYHUB_* environment variables
// override file values (see env.go).
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Store     StoreConfig     `json:"store"`
	Session   SessionConfig   `json:"session"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Cluster   ClusterConfig   `json:"cluster"`
	Admin     AdminConfig     `json:"admin"`
	Channels  ChannelsConfig  `json:"channels"`
}

// ServerConfig controls the WebSocket listener.
//
// Defaults:
//   - addr: ":8080"
//   - path: "/ws"
//   - server_id: random uuid per process
//   - write_timeout: "5s"
//   - ping_interval: "30s"
//   - max_message_bytes: 65536
type ServerConfig struct {
	Addr            string   `json:"addr"`
	Path            string   `json:"path"`
	ServerID        string   `json:"server_id,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	PingInterval    string   `json:"ping_interval,omitempty"`
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
}

// AuthConfig selects how the connect-time token is turned into a user.
//
//	mode: "static" looks the token up in tokens
//	mode: "jwt" verifies an HS256 token signed with jwt_secret; sub is the user id
//	        and the "groups" claim lists group ids
type AuthConfig struct {
	Mode      string                `json:"mode"`
	Tokens    map[string]TokenGrant `json:"tokens,omitempty"`
	JWTSecret string                `json:"jwt_secret,omitempty"` // never logged
	JWTIssuer string                `json:"jwt_issuer,omitempty"`
}

type TokenGrant struct {
	UserID string   `json:"user_id"`
	Groups []string `json:"groups,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RateLimitConfig configures the notification limiter.
//
//	strategy: "local" (token bucket, per process) or "distributed" (sliding window in the store)
//	scope: "per_target" (one check per recipient) or "global" (one check per multi-target call)
//
// A limit with calls <= 0 or an empty/zero period disables limiting for that type.
type RateLimitConfig struct {
	Strategy    string                 `json:"strategy"`
	Scope       string                 `json:"scope"`
	Default     LimitConfig            `json:"default"`
	Types       map[string]LimitConfig `json:"types,omitempty"`
	StatsWindow string                 `json:"stats_window,omitempty"`
}

// LimitConfig is calls per period. Period may be given either as a duration
// string ("period": "1m") or in whole seconds ("period_seconds": 60); the
// duration string wins when both are set.
type LimitConfig struct {
	Calls         int    `json:"calls"`
	Period        string `json:"period,omitempty"`
	PeriodSeconds int    `json:"period_seconds,omitempty"`
}

// StoreConfig selects the shared TTL store used by the session tracker and
// the distributed limiter.
//
// Example:
//
//	"store": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type StoreConfig struct {
	Driver string       `json:"driver"`
	Redis  RedisConfig  `json:"redis"`
	SQLite SQLiteConfig `json:"sqlite"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type SQLiteConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SessionConfig controls client->server ownership tracking.
//
// Defaults: ttl "60s", interval "30s". sweep_schedule is a cron spec
// (e.g. "@every 1m"); empty disables the in-process sweeper.
type SessionConfig struct {
	Enabled       bool   `json:"enabled"`
	TTL           string `json:"ttl,omitempty"`
	Interval      string `json:"interval,omitempty"`
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// DispatchConfig sizes the synchronous bridge.
//
// Defaults: sync_workers 8, sync_queue 256, sync_timeout "5s".
type DispatchConfig struct {
	SyncWorkers int    `json:"sync_workers,omitempty"`
	SyncQueue   int    `json:"sync_queue,omitempty"`
	SyncTimeout string `json:"sync_timeout,omitempty"`
}

// ClusterConfig enables forwarding to the owning instance over redis pub/sub.
// Requires store.driver "redis".
type ClusterConfig struct {
	Forward bool   `json:"forward"`
	Channel string `json:"channel,omitempty"` // prefix, default "ws_forward"
}

// AdminConfig controls the operator HTTP server (/healthz, /stats, pprof).
//
// Prefer binding to localhost. A non-loopback addr requires a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"` // never logged
}

// ChannelsConfig configures outbound notification sinks.
//
// Failed deliveries are retried retry_max times with exponential backoff
// starting at retry_base (default "500ms"); validation failures never are.
type ChannelsConfig struct {
	Webhook   WebhookConfig   `json:"webhook"`
	Slack     SlackConfig     `json:"slack"`
	Email     EmailConfig     `json:"email"`
	Telegram  TelegramConfig  `json:"telegram"`
	Websocket WebsocketConfig `json:"websocket"`
	Timeout   string          `json:"timeout,omitempty"` // default "10s"
	RetryMax  int             `json:"retry_max,omitempty"`
	RetryBase string          `json:"retry_base,omitempty"`
}

type WebhookConfig struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url,omitempty"` // default target when the request has none
	Headers map[string]string `json:"headers,omitempty"`
}

type SlackConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Username   string `json:"username,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	From     string `json:"from,omitempty"`
}

// WebsocketConfig enables the "websocket" channel, which publishes the body to
// a redis pub/sub channel named in the request. Requires store.driver "redis".
type WebsocketConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // never logged
	ChatID  int64  `json:"chat_id,omitempty"`
}
