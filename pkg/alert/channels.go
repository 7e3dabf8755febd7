package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ConsoleChannel writes formatted alerts to stderr.
type ConsoleChannel struct{}

func (ConsoleChannel) Name() string { return "console" }

func (ConsoleChannel) Send(_ context.Context, a Alert) error {
	line := fmt.Sprintf("[%s] %s %s: %s", a.Timestamp.Format(time.RFC3339), a.Severity, a.Title, a.Message)
	for k, v := range a.Context {
		line += fmt.Sprintf(" %s=%s", k, v)
	}
	_, err := fmt.Fprintln(os.Stderr, line)
	return err
}

// SlackChannel posts alerts to an incoming-webhook URL with a
// severity-colored attachment.
type SlackChannel struct {
	WebhookURL string
	HTTPClient *http.Client
}

func (SlackChannel) Name() string { return "slack" }

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "#ff0000"
	case SeverityError:
		return "#e01e5a"
	case SeverityWarning:
		return "#ecb22e"
	default:
		return "#36a64f"
	}
}

func (c SlackChannel) Send(ctx context.Context, a Alert) error {
	var fields []map[string]any
	for k, v := range a.Context {
		fields = append(fields, map[string]any{"title": k, "value": v, "short": true})
	}
	payload := map[string]any{
		"attachments": []map[string]any{{
			"color":  severityColor(a.Severity),
			"title":  fmt.Sprintf("[%s] %s", a.Severity, a.Title),
			"text":   a.Message,
			"fields": fields,
			"ts":     a.Timestamp.Unix(),
		}},
	}
	return postJSON(ctx, c.httpClient(), c.WebhookURL, nil, payload)
}

func (c SlackChannel) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// WebhookChannel POSTs the alert as JSON to an arbitrary endpoint with
// optional custom headers.
type WebhookChannel struct {
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
}

func (WebhookChannel) Name() string { return "webhook" }

func (c WebhookChannel) Send(ctx context.Context, a Alert) error {
	payload := map[string]any{
		"severity":  a.Severity,
		"title":     a.Title,
		"message":   a.Message,
		"context":   a.Context,
		"timestamp": a.Timestamp.Format(time.RFC3339),
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return postJSON(ctx, client, c.URL, c.Headers, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", url, resp.Status)
	}
	return nil
}
