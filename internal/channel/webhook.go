package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Webhook POSTs the body as JSON to meta.url (or the configured default).
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, body json.RawMessage, meta Meta) (Details, error) {
	target, ok := meta.String("url")
	if !ok {
		target = w.URL
	}
	if target == "" {
		return nil, missingMeta("url")
	}
	code, err := postJSON(ctx, w.client(), target, body, w.Headers)
	details := Details{"url": target}
	if code != 0 {
		details["status_code"] = code
	}
	return details, err
}

func (w *Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return http.DefaultClient
}

// postJSON returns the HTTP status (0 when no response arrived). A 4xx
// response is permanent; 5xx and transport errors may be retried.
func postJSON(ctx context.Context, c *http.Client, url string, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return resp.StatusCode, Permanent(fmt.Errorf("http status %d", resp.StatusCode))
	default:
		return resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode)
	}
}
