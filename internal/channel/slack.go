package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// Slack posts to an incoming-webhook URL. meta.channel is required unless a
// default channel is configured.
type Slack struct {
	WebhookURL string
	Channel    string
	Username   string
	Client     *http.Client
}

func (s *Slack) Name() string { return "slack" }

type slackPayload struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

func (s *Slack) Deliver(ctx context.Context, body json.RawMessage, meta Meta) (Details, error) {
	ch, ok := meta.String("channel")
	if !ok {
		ch = s.Channel
	}
	if ch == "" {
		return nil, missingMeta("channel")
	}
	if s.WebhookURL == "" {
		return nil, Permanent(errors.New("missing slack webhook url"))
	}
	username := s.Username
	if u, ok := meta.String("username"); ok {
		username = u
	}

	payload, err := json.Marshal(slackPayload{Channel: ch, Text: bodyText(body), Username: username})
	if err != nil {
		return nil, Permanent(err)
	}
	c := s.Client
	if c == nil {
		c = http.DefaultClient
	}
	code, err := postJSON(ctx, c, s.WebhookURL, payload, nil)
	details := Details{"channel": ch}
	if code != 0 {
		details["status_code"] = code
	}
	return details, err
}
