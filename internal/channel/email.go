package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends a plain-text message over SMTP. meta.to (comma separated) is
// required; meta.subject defaults to "Notification".
type Email struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// SendMail defaults to smtp.SendMail.
	SendMail SendMailFunc
	now      func() time.Time
}

func (e *Email) Name() string { return "email" }

func (e *Email) Deliver(ctx context.Context, body json.RawMessage, meta Meta) (Details, error) {
	rawTo, ok := meta.String("to")
	if !ok {
		return nil, missingMeta("to")
	}
	var to []string
	for _, addr := range strings.Split(rawTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	subject, ok := meta.String("subject")
	if !ok {
		subject = "Notification"
	}
	if e.Host == "" || e.From == "" {
		return nil, Permanent(errors.New("smtp host and from address must be configured"))
	}
	if strings.ContainsAny(subject, "\r\n") {
		return nil, Permanent(errors.New("subject must be a single line"))
	}

	send := e.SendMail
	if send == nil {
		send = smtp.SendMail
	}
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	msg := e.message(to, subject, bodyText(body))

	// net/smtp has no context support; run it aside and stop waiting on ctx.
	errc := make(chan error, 1)
	go func() { errc <- send(addr, auth, e.From, to, msg) }()
	details := Details{"to": rawTo, "subject": subject}
	select {
	case err := <-errc:
		if err != nil {
			return details, fmt.Errorf("smtp: %w", err)
		}
		return details, nil
	case <-ctx.Done():
		return details, ctx.Err()
	}
}

func (e *Email) message(to []string, subject, text string) []byte {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(text, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
