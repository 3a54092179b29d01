package config

import "strings"

const (
	StrategyLocal       = "local"
	StrategyDistributed = "distributed"

	ScopePerTarget = "per_target"
	ScopeGlobal    = "global"

	AuthStatic = "static"
	AuthJWT    = "jwt"

	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Default returns a config that serves on :8080 with a local limiter and an
// in-memory store.
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Console = true
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values in place. Explicit values are never touched.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	setStr := func(p *string, def string) {
		if strings.TrimSpace(*p) == "" {
			*p = def
		}
	}

	setStr(&cfg.Server.Addr, ":8080")
	setStr(&cfg.Server.Path, "/ws")
	setStr(&cfg.Server.WriteTimeout, "5s")
	setStr(&cfg.Server.PingInterval, "30s")
	if cfg.Server.MaxMessageBytes <= 0 {
		cfg.Server.MaxMessageBytes = 64 << 10
	}

	setStr(&cfg.Auth.Mode, AuthStatic)
	setStr(&cfg.Logging.Level, "info")

	setStr(&cfg.RateLimit.Strategy, StrategyLocal)
	setStr(&cfg.RateLimit.Scope, ScopePerTarget)
	setStr(&cfg.RateLimit.StatsWindow, "1m")

	setStr(&cfg.Store.Driver, DriverMemory)
	setStr(&cfg.Store.SQLite.BusyTimeout, "5s")

	setStr(&cfg.Session.TTL, "60s")
	setStr(&cfg.Session.Interval, "30s")

	if cfg.Dispatch.SyncWorkers <= 0 {
		cfg.Dispatch.SyncWorkers = 8
	}
	if cfg.Dispatch.SyncQueue <= 0 {
		cfg.Dispatch.SyncQueue = 256
	}
	setStr(&cfg.Dispatch.SyncTimeout, "5s")

	setStr(&cfg.Cluster.Channel, "ws_forward")
	setStr(&cfg.Admin.Addr, "127.0.0.1:6060")
	setStr(&cfg.Channels.Timeout, "10s")
	setStr(&cfg.Channels.RetryBase, "500ms")
	if cfg.Channels.Email.Port == 0 {
		cfg.Channels.Email.Port = 587
	}
}
