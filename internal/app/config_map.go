package app

import (
	"fmt"
	"strings"
	"time"

	"notifyhub/internal/auth"
	"notifyhub/internal/config"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/observability/admin"
	"notifyhub/internal/ratelimit"
	"notifyhub/internal/storage"
	"notifyhub/internal/transport/ws"
	"notifyhub/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapStorageConfig resolves the store section for tools that open the shared
// store without running the server.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) { return mapStorageConfig(cfg) }

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", config.DriverMemory:
		return storage.Config{Driver: config.DriverMemory}, nil
	case config.DriverRedis:
		return storage.Config{
			Driver:        driver,
			RedisAddr:     sc.Redis.Addr,
			RedisUsername: sc.Redis.Username,
			RedisPassword: sc.Redis.Password,
			RedisDB:       sc.Redis.DB,
			KeyPrefix:     sc.Redis.Prefix,
		}, nil
	case config.DriverSQLite, "sqlite3":
		path := strings.TrimSpace(sc.SQLite.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("store.sqlite.path is required when store.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("store.sqlite.busy_timeout", sc.SQLite.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: config.DriverSQLite, SQLitePath: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown store.driver: %s", sc.Driver)
	}
}

func mapLimit(l config.LimitConfig) ratelimit.Limit {
	return ratelimit.Limit{Calls: l.Calls, Period: l.PeriodDuration()}
}

func mapRateLimitRules(cfg *config.Config) ratelimit.Rules {
	r := ratelimit.Rules{Default: mapLimit(cfg.RateLimit.Default)}
	if len(cfg.RateLimit.Types) > 0 {
		r.Types = make(map[string]ratelimit.Limit, len(cfg.RateLimit.Types))
		for typ, l := range cfg.RateLimit.Types {
			r.Types[typ] = mapLimit(l)
		}
	}
	return r
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	win, err := config.ParseDurationOrDefault("rate_limit.stats_window", cfg.RateLimit.StatsWindow, time.Minute)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		Strategy:    cfg.RateLimit.Strategy,
		Rules:       mapRateLimitRules(cfg),
		StatsWindow: win,
	}, nil
}

func mapAuthConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Mode:      cfg.Auth.Mode,
		Tokens:    mapTokens(cfg.Auth.Tokens),
		JWTSecret: cfg.Auth.JWTSecret,
		JWTIssuer: cfg.Auth.JWTIssuer,
	}
}

func mapTokens(in map[string]config.TokenGrant) map[string]auth.Identity {
	out := make(map[string]auth.Identity, len(in))
	for tok, g := range in {
		out[tok] = auth.Identity{UserID: g.UserID, Groups: append([]string(nil), g.Groups...)}
	}
	return out
}

func mapServerConfig(cfg *config.Config, serverID string) (ws.Config, error) {
	wt, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 5*time.Second)
	if err != nil {
		return ws.Config{}, err
	}
	pi, err := config.ParseDurationField("server.ping_interval", cfg.Server.PingInterval)
	if err != nil {
		return ws.Config{}, err
	}
	return ws.Config{
		Path:            cfg.Server.Path,
		ServerID:        serverID,
		WriteTimeout:    wt,
		PingInterval:    pi,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	to, err := config.ParseDurationOrDefault("dispatch.sync_timeout", cfg.Dispatch.SyncTimeout, 5*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Scope:       cfg.RateLimit.Scope,
		SyncWorkers: cfg.Dispatch.SyncWorkers,
		SyncQueue:   cfg.Dispatch.SyncQueue,
		SyncTimeout: to,
	}, nil
}

type sessionTiming struct {
	TTL      time.Duration
	Interval time.Duration
}

func mapSessionConfig(cfg *config.Config) (sessionTiming, error) {
	ttl, err := config.ParseDurationOrDefault("session.ttl", cfg.Session.TTL, 60*time.Second)
	if err != nil {
		return sessionTiming{}, err
	}
	iv, err := config.ParseDurationOrDefault("session.interval", cfg.Session.Interval, ttl/2)
	if err != nil {
		return sessionTiming{}, err
	}
	if iv >= ttl {
		return sessionTiming{}, fmt.Errorf("session.interval (%s) must be shorter than session.ttl (%s)", iv, ttl)
	}
	return sessionTiming{TTL: ttl, Interval: iv}, nil
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled: cfg.Admin.Enabled,
		Addr:    cfg.Admin.Addr,
		Pprof:   cfg.Admin.Pprof,
		Token:   cfg.Admin.Token,
	}
}
