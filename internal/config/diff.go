package config

import (
	"reflect"

	"notifyhub/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ between two
// configs, plus safe log fields describing the new values. Secrets are never
// included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.addr", newCfg.Server.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Auth, newCfg.Auth) {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.String("auth.mode", newCfg.Auth.Mode),
			logx.Int("auth.static_tokens", len(newCfg.Auth.Tokens)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.String("rate_limit.strategy", newCfg.RateLimit.Strategy),
			logx.String("rate_limit.scope", newCfg.RateLimit.Scope),
			logx.Int("rate_limit.types", len(newCfg.RateLimit.Types)),
		)
	}
	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs, logx.String("store.driver", newCfg.Store.Driver))
	}
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs, logx.Bool("session.enabled", newCfg.Session.Enabled))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
	}
	if oldCfg.Cluster != newCfg.Cluster {
		changed = append(changed, "cluster")
	}
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
	}
	return changed, attrs
}

// RequiresRestart reports whether the change touches sections that are only
// read at startup (listener, store, auth, session, cluster, dispatch pool).
func RequiresRestart(changed []string) bool {
	for _, c := range changed {
		switch c {
		case "server", "store", "auth", "session", "cluster", "dispatch":
			return true
		}
	}
	return false
}
