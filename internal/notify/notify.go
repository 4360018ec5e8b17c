// Package notify sends job notification emails.
//
// Delivery is best-effort: a failed send is logged and counted, never
// propagated into the job that triggered it.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"datacore/internal/metrics"
)

// Message is one email.
type Message struct {
	Subject string
	Body    string
	To      []string
}

// Notifier delivers messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Deliver sends msg through n and swallows the error after logging it.
func Deliver(ctx context.Context, n Notifier, log *zap.Logger, msg Message) {
	if len(msg.To) == 0 {
		return
	}
	if err := n.Send(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		log.Warn("notification not sent",
			zap.String("subject", msg.Subject),
			zap.Strings("to", msg.To),
			zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// ── SMTP ───────────────────────────────────────────────────

// SMTPConfig holds the relay settings. Password is resolved from the secret store.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier sends plain-text mail through an SMTP relay.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTP(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, s.cfg.From, msg.To, Compose(s.cfg.From, msg, time.Now())); err != nil {
		return fmt.Errorf("smtp %s: %w", addr, err)
	}
	return nil
}

// Compose renders msg as an RFC 5322 message.
func Compose(from string, msg Message, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// ── Log ────────────────────────────────────────────────────

// LogNotifier writes messages to the log; used when no relay is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Send(_ context.Context, msg Message) error {
	l.Log.Info("notification",
		zap.String("subject", msg.Subject),
		zap.Strings("to", msg.To),
		zap.String("body", msg.Body))
	return nil
}

// ── Recorder ───────────────────────────────────────────────

// Recorder keeps every message in memory for tests. Err, when set, is
// returned from Send after recording.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, msg)
	return r.Err
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.Messages...)
}
