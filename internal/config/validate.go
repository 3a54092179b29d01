package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"

	"notifyhub/pkg/logx"
)

// Validate reports every problem in cfg at once. cfg is expected to have
// defaults applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	oneOf := func(path, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		add(fmt.Errorf("%s: %q must be one of %s", path, v, strings.Join(allowed, ", ")))
	}

	if !strings.HasPrefix(cfg.Server.Path, "/") {
		add(fmt.Errorf("server.path: %q must start with /", cfg.Server.Path))
	}
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.ping_interval", cfg.Server.PingInterval)

	oneOf("auth.mode", cfg.Auth.Mode, AuthStatic, AuthJWT)
	if cfg.Auth.Mode == AuthJWT && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		add(errors.New("auth.jwt_secret: required when auth.mode is jwt"))
	}
	for tok, g := range cfg.Auth.Tokens {
		if strings.TrimSpace(tok) == "" || strings.TrimSpace(g.UserID) == "" {
			add(errors.New("auth.tokens: token and user_id must be non-empty"))
			break
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	oneOf("rate_limit.strategy", cfg.RateLimit.Strategy, StrategyLocal, StrategyDistributed)
	oneOf("rate_limit.scope", cfg.RateLimit.Scope, ScopePerTarget, ScopeGlobal)
	dur("rate_limit.default.period", cfg.RateLimit.Default.Period)
	for typ, l := range cfg.RateLimit.Types {
		dur("rate_limit.types."+typ+".period", l.Period)
		if l.PeriodSeconds < 0 {
			add(fmt.Errorf("rate_limit.types.%s.period_seconds: must be >= 0", typ))
		}
		if l.Calls < 0 {
			add(fmt.Errorf("rate_limit.types.%s.calls: must be >= 0", typ))
		}
	}
	dur("rate_limit.stats_window", cfg.RateLimit.StatsWindow)

	oneOf("store.driver", cfg.Store.Driver, DriverMemory, DriverRedis, DriverSQLite)
	if cfg.Store.Driver == DriverRedis && strings.TrimSpace(cfg.Store.Redis.Addr) == "" {
		add(errors.New("store.redis.addr: required when store.driver is redis"))
	}
	if cfg.Store.Driver == DriverSQLite && strings.TrimSpace(cfg.Store.SQLite.Path) == "" {
		add(errors.New("store.sqlite.path: required when store.driver is sqlite"))
	}
	dur("store.sqlite.busy_timeout", cfg.Store.SQLite.BusyTimeout)

	dur("session.ttl", cfg.Session.TTL)
	dur("session.interval", cfg.Session.Interval)
	if ttl, err := ParseDurationField("session.ttl", cfg.Session.TTL); err == nil {
		if iv, err := ParseDurationField("session.interval", cfg.Session.Interval); err == nil && ttl > 0 && iv >= ttl {
			add(errors.New("session.interval: must be shorter than session.ttl"))
		}
	}
	if cfg.Session.Enabled && cfg.Store.Driver == DriverMemory {
		add(errors.New("session.enabled: requires a shared store (redis or sqlite)"))
	}
	if s := strings.TrimSpace(cfg.Session.SweepSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add(fmt.Errorf("session.sweep_schedule: %w", err))
		}
	}

	dur("dispatch.sync_timeout", cfg.Dispatch.SyncTimeout)

	if cfg.Cluster.Forward && cfg.Store.Driver != DriverRedis {
		add(errors.New("cluster.forward: requires store.driver redis"))
	}

	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Token) == "" && !isLoopback(cfg.Admin.Addr) {
		add(fmt.Errorf("admin.addr: %q is not loopback; set admin.token", cfg.Admin.Addr))
	}
	dur("channels.timeout", cfg.Channels.Timeout)
	dur("channels.retry_base", cfg.Channels.RetryBase)
	if cfg.Channels.RetryMax < 0 {
		add(errors.New("channels.retry_max: must be >= 0"))
	}
	if cfg.Channels.Websocket.Enabled && cfg.Store.Driver != DriverRedis {
		add(errors.New("channels.websocket: requires store.driver redis"))
	}

	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
