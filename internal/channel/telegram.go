package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends the body as a bot message to meta.chat_id or the configured chat.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
}

// NewTelegram builds an offline bot (no getMe call at startup). apiURL may be
// empty for the public Bot API.
func NewTelegram(token string, chatID int64, apiURL string) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, URL: apiURL, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, body json.RawMessage, meta Meta) (Details, error) {
	chatID := t.chatID
	if raw, ok := meta.String("chat_id"); ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, Permanent(fmt.Errorf("invalid chat_id %q", raw))
		}
		chatID = id
	}
	if chatID == 0 {
		return nil, missingMeta("chat_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := t.bot.Send(&tele.Chat{ID: chatID}, bodyText(body), &tele.SendOptions{DisableWebPagePreview: true})
	details := Details{"chat_id": chatID}
	if err != nil {
		return details, err
	}
	details["message_id"] = msg.ID
	return details, nil
}
