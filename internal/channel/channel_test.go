package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/ratelimit"
	"notifyhub/pkg/logx"
)

func body(s string) json.RawMessage { return json.RawMessage(s) }

func newRouter(t *testing.T, rules ratelimit.Rules, sinks ...Sink) *Router {
	t.Helper()
	lim, err := ratelimit.New(ratelimit.Config{Rules: rules}, nil, logx.Nop())
	require.NoError(t, err)
	return NewRouter(RouterConfig{RetryBase: time.Millisecond}, lim, logx.Nop(), sinks...)
}

func TestRouterValidation(t *testing.T) {
	r := newRouter(t, ratelimit.Rules{}, &Webhook{})
	ctx := context.Background()

	resp := r.Notify(ctx, Request{})
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown", resp.Type)
	assert.Contains(t, resp.Error, "missing required field: type")
	_, err := time.Parse(TimestampLayout, resp.Timestamp)
	require.NoError(t, err)

	resp = r.Notify(ctx, Request{Type: "pager", Body: body(`"x"`)})
	assert.Equal(t, "pager", resp.Type)
	assert.Contains(t, resp.Error, "unsupported notification type")

	resp = r.Notify(ctx, Request{Type: "webhook"})
	assert.Contains(t, resp.Error, "missing required field: body")

	resp = r.Notify(ctx, Request{Type: "webhook", Body: body(`{}`), Meta: Meta{}})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "missing required meta field: url")
	assert.Equal(t, []string{"webhook"}, r.Types())
}

func TestWebhookDelivery(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.Store(string(b))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newRouter(t, ratelimit.Rules{}, &Webhook{Headers: map[string]string{"X-Token": "secret"}})
	resp := r.Notify(context.Background(), Request{
		Type: "webhook",
		Body: body(`{"event":"scan_complete"}`),
		Meta: Meta{"url": srv.URL + "/hook"},
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, srv.URL+"/hook", resp.Details["url"])
	assert.Equal(t, 200, resp.Details["status_code"])
	assert.JSONEq(t, `{"event":"scan_complete"}`, got.Load().(string))
}

func TestWebhookRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	lim, err := ratelimit.New(ratelimit.Config{}, nil, logx.Nop())
	require.NoError(t, err)
	r := NewRouter(RouterConfig{RetryMax: 2, RetryBase: time.Millisecond}, lim, logx.Nop(), &Webhook{URL: srv.URL})

	resp := r.Notify(context.Background(), Request{Type: "webhook", Body: body(`1`)})
	assert.False(t, resp.Success)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 502, resp.Details["status_code"])

	calls.Store(0)
	status.Store(http.StatusBadRequest)
	resp = r.Notify(context.Background(), Request{Type: "webhook", Body: body(`1`)})
	assert.False(t, resp.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitPerChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	r := newRouter(t, ratelimit.Rules{Types: map[string]ratelimit.Limit{"webhook": {Calls: 2, Period: time.Hour}}},
		&Webhook{URL: srv.URL}, &Slack{WebhookURL: srv.URL, Channel: "#ops"})
	ctx := context.Background()
	req := Request{Type: "webhook", Body: body(`{}`)}

	assert.True(t, r.Notify(ctx, req).Success)
	assert.True(t, r.Notify(ctx, req).Success)
	resp := r.Notify(ctx, req)
	assert.False(t, resp.Success)
	assert.Equal(t, "rate limit exceeded", resp.Error)

	assert.True(t, r.Notify(ctx, Request{Type: "slack", Body: body(`"ok"`)}).Success)
}

func TestSlack(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := &Slack{WebhookURL: srv.URL, Username: "notifyhub"}
	d, err := s.Deliver(context.Background(), body(`"Alert"`), Meta{"channel": "#general"})
	require.NoError(t, err)
	assert.Equal(t, "#general", d["channel"])
	assert.Equal(t, 200, d["status_code"])
	assert.Equal(t, slackPayload{Channel: "#general", Text: "Alert", Username: "notifyhub"}, got)

	_, err = s.Deliver(context.Background(), body(`"x"`), nil)
	assert.ErrorContains(t, err, "missing required meta field: channel")
	assert.True(t, IsPermanent(err))

	_, err = (&Slack{}).Deliver(context.Background(), body(`"x"`), Meta{"channel": "#c"})
	assert.ErrorContains(t, err, "missing slack webhook url")
}

func TestEmail(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	e := &Email{
		Host: "smtp.example.com", Port: 587, From: "hub@example.com",
		SendMail: func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
			gotAddr, gotTo, gotMsg = addr, to, string(msg)
			return nil
		},
		now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	d, err := e.Deliver(context.Background(), body(`"disk full"`), Meta{"to": "admin@example.com, ops@example.com", "subject": "Alert"})
	require.NoError(t, err)
	assert.Equal(t, "Alert", d["subject"])
	assert.Equal(t, "admin@example.com, ops@example.com", d["to"])
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"admin@example.com", "ops@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Alert\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "\r\n\r\ndisk full\r\n"))

	_, err = e.Deliver(context.Background(), body(`"x"`), Meta{})
	assert.ErrorContains(t, err, "missing required meta field: to")

	_, err = e.Deliver(context.Background(), body(`"x"`), Meta{"to": "a@b", "subject": "a\r\nBcc: x"})
	assert.True(t, IsPermanent(err))

	e.SendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 busy") }
	_, err = e.Deliver(context.Background(), body(`"x"`), Meta{"to": "a@b"})
	assert.ErrorContains(t, err, "421 busy")
	assert.False(t, IsPermanent(err))
}

func TestTelegram(t *testing.T) {
	var path, chat atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		chat.Store(req["chat_id"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram("123:abc", 42, srv.URL)
	require.NoError(t, err)
	d, err := tg.Deliver(context.Background(), body(`"deployed"`), nil)
	require.NoError(t, err)
	assert.Equal(t, 77, d["message_id"])
	assert.Equal(t, int64(42), d["chat_id"])
	assert.Equal(t, "/bot123:abc/sendMessage", path.Load())
	assert.Equal(t, "42", chat.Load())

	_, err = tg.Deliver(context.Background(), body(`"x"`), Meta{"chat_id": "nope"})
	assert.True(t, IsPermanent(err))

	_, err = NewTelegram("", 0, "")
	require.Error(t, err)
}

func TestPubSub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ps := client.Subscribe(context.Background(), "pgdn-alerts")
	defer ps.Close()
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)

	r := newRouter(t, ratelimit.Rules{}, &PubSub{Client: client})
	resp := r.Notify(context.Background(), Request{Type: "websocket", Body: body(`{"message":"event X"}`), Meta: Meta{"channel": "pgdn-alerts"}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "pgdn-alerts", resp.Details["channel"])
	assert.Equal(t, int64(1), resp.Details["subscribers_reached"])

	msg, err := ps.ReceiveMessage(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"event X"}`, msg.Payload)

	resp = r.Notify(context.Background(), Request{Type: "websocket", Body: body(`{}`)})
	assert.Contains(t, resp.Error, "missing required meta field: channel")
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(strings.NewReader(`{"type":"slack","body":"Alert","meta":{"channel":"#alerts","chat_id":12}}`))
	require.NoError(t, err)
	assert.Equal(t, "slack", req.Type)
	assert.Equal(t, `"Alert"`, string(req.Body))
	id, ok := req.Meta.String("chat_id")
	assert.True(t, ok)
	assert.Equal(t, "12", id)

	_, err = DecodeRequest(strings.NewReader(""))
	assert.ErrorContains(t, err, "no input provided")
	_, err = DecodeRequest(strings.NewReader("{"))
	assert.ErrorContains(t, err, "invalid JSON")
}
