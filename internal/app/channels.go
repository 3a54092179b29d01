package app

import (
	"errors"
	"fmt"
	"time"

	"notifyhub/internal/channel"
	"notifyhub/internal/config"
	"notifyhub/internal/ratelimit"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

// NewChannelRouter builds the outbound channel router from cfg. Only enabled
// channels are registered. The limiter shares rate_limit rules with the
// dispatcher, keyed by channel name ("slack", "email", ...).
func NewChannelRouter(cfg *config.Config, st storage.Store, log logx.Logger) (*channel.Router, error) {
	timeout, err := config.ParseDurationOrDefault("channels.timeout", cfg.Channels.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	base, err := config.ParseDurationOrDefault("channels.retry_base", cfg.Channels.RetryBase, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	rlc, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(rlc, st, log)
	if err != nil {
		return nil, err
	}

	sinks, err := buildSinks(cfg, st)
	if err != nil {
		return nil, err
	}
	return channel.NewRouter(channel.RouterConfig{
		Timeout:   timeout,
		RetryMax:  cfg.Channels.RetryMax,
		RetryBase: base,
	}, limiter, log, sinks...), nil
}

func buildSinks(cfg *config.Config, st storage.Store) ([]channel.Sink, error) {
	ch := cfg.Channels
	var sinks []channel.Sink
	if ch.Webhook.Enabled {
		sinks = append(sinks, &channel.Webhook{URL: ch.Webhook.URL, Headers: ch.Webhook.Headers})
	}
	if ch.Slack.Enabled {
		sinks = append(sinks, &channel.Slack{
			WebhookURL: ch.Slack.WebhookURL,
			Channel:    ch.Slack.Channel,
			Username:   ch.Slack.Username,
		})
	}
	if ch.Email.Enabled {
		sinks = append(sinks, &channel.Email{
			Host:     ch.Email.Host,
			Port:     ch.Email.Port,
			Username: ch.Email.Username,
			Password: ch.Email.Password,
			From:     ch.Email.From,
		})
	}
	if ch.Telegram.Enabled {
		tg, err := channel.NewTelegram(ch.Telegram.Token, ch.Telegram.ChatID, "")
		if err != nil {
			return nil, fmt.Errorf("channels.telegram: %w", err)
		}
		sinks = append(sinks, tg)
	}
	if ch.Websocket.Enabled {
		rs, ok := st.(*storage.Redis)
		if !ok {
			return nil, errors.New("channels.websocket: requires store.driver redis")
		}
		sinks = append(sinks, &channel.PubSub{Client: rs.Client()})
	}
	return sinks, nil
}
