package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"time"

	"sysmonctl/internal/model"
)

// Sink is the closed variant set of notification channels: log, webhook,
// email. A tagged capability interface rather than open inheritance, since
// no fourth kind is anticipated.
type Sink interface {
	Send(ctx context.Context, event model.AlertEvent) error
	Type() string
}

// LogSink appends the event to the structured logger. It never fails.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Type() string { return "log" }

func (s *LogSink) Send(_ context.Context, event model.AlertEvent) error {
	s.log.Warn("alert fired",
		"rule", event.RuleName, "metric", event.Metric, "value", event.Value,
		"threshold", event.Threshold, "severity", event.Severity, "host", event.Host,
		"message", event.Message)
	return nil
}

// WebhookSink POSTs the event as JSON in a single attempt, mirroring the
// single-shot send the pack's Telegram sink performs per attempt. Neither
// the sink nor the evaluator retries a failed send.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Type() string { return "webhook" }

type webhookPayload struct {
	Rule      string  `json:"rule"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
	Host      string  `json:"host"`
	Timestamp int64   `json:"timestamp"`
	Message   string  `json:"message"`
}

func (s *WebhookSink) Send(ctx context.Context, event model.AlertEvent) error {
	body, err := json.Marshal(webhookPayload{
		Rule: event.RuleName, Metric: event.Metric, Value: event.Value, Threshold: event.Threshold,
		Severity: string(event.Severity), Host: event.Host, Timestamp: event.Timestamp.Unix(), Message: event.Message,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", model.ErrNotificationFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotificationFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotificationFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook status %d", model.ErrNotificationFailure, resp.StatusCode)
	}
	return nil
}

// EmailSink sends the event as a plaintext email via SMTP. No pack example
// carries a mail library, so this is the one justified standard-library
// exception in the notification surface (see DESIGN.md).
type EmailSink struct {
	addr string
	from string
	to   []string
}

func NewEmailSink(addr, from string, to []string) *EmailSink {
	return &EmailSink{addr: addr, from: from, to: to}
}

func (s *EmailSink) Type() string { return "email" }

func (s *EmailSink) Send(_ context.Context, event model.AlertEvent) error {
	subject := fmt.Sprintf("Subject: [%s] %s\r\n", event.Severity, event.RuleName)
	body := fmt.Sprintf("%s\r\n\r\n%s\r\n", subject, event.Message)
	if err := smtp.SendMail(s.addr, nil, s.from, s.to, []byte(body)); err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotificationFailure, err)
	}
	return nil
}
