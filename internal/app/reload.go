package app

import (
	"context"
	"strings"

	"notifyhub/internal/auth"
	"notifyhub/internal/config"
	"notifyhub/internal/eventbus"
	"notifyhub/pkg/logx"
)

// reloadLoop applies hot-reloadable sections (logging, rate-limit rules and
// scope, admin server, static tokens) as the config manager publishes them.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RequiresRestart(sections) {
		a.log.Warn("config change needs a restart to take full effect", logx.Strings("changed", sections))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if !strings.EqualFold(strings.TrimSpace(newCfg.RateLimit.Strategy), a.limiter.Strategy()) {
		a.log.Warn("rate_limit.strategy changed; restart required",
			logx.String("active", a.limiter.Strategy()),
			logx.String("configured", newCfg.RateLimit.Strategy),
		)
	}
	a.limiter.Apply(mapRateLimitRules(newCfg))
	a.dispatcher.SetScope(newCfg.RateLimit.Scope)

	if st, ok := a.auth.(*auth.Static); ok && newCfg.Auth.Mode == config.AuthStatic {
		st.Set(mapTokens(newCfg.Auth.Tokens))
	}

	a.admin.Reconfigure(ctx, mapAdminConfig(newCfg))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
