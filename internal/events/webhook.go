package events

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/carpie/sid/internal/metrics"
)

// WebhookSender sends events to webhook endpoints with retry and HMAC signing.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// WebhookConfig describes a single webhook binding.
type WebhookConfig struct {
	Name         string
	Events       []string
	URL          string
	Method       string
	Headers      map[string]string
	Retries      int
	RetryBackoff time.Duration
	Secret       string // HMAC secret for signing
	Template     string // "slack", "teams", or empty for raw JSON
}

// NewWebhookSender creates a webhook sender with a shared HTTP client.
func NewWebhookSender(timeout time.Duration, logger *slog.Logger) *WebhookSender {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Send delivers evt to the webhook in the background.
func (w *WebhookSender) Send(cfg WebhookConfig, evt Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sendWithRetry(cfg, evt)
	}()
}

// sendWithRetry attempts delivery with exponential backoff.
func (w *WebhookSender) sendWithRetry(cfg WebhookConfig, evt Event) {
	body, err := buildPayload(cfg.Template, evt)
	if err != nil {
		w.logger.Error("failed to marshal webhook payload",
			"hook_name", cfg.Name,
			"error", err)
		return
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	retries := max(cfg.Retries, 1)
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = time.Second
	}

	start := time.Now()
	for attempt := range retries {
		if attempt > 0 {
			time.Sleep(backoff * time.Duration(1<<uint(attempt-1)))
		}

		err = w.doRequest(cfg, method, evt.Type, body)
		if err == nil {
			metrics.HookExecutions.WithLabelValues("webhook", "success").Inc()
			metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
			w.logger.Debug("webhook delivered",
				"hook_name", cfg.Name,
				"url", cfg.URL,
				"event", string(evt.Type),
				"attempt", attempt+1)
			return
		}

		w.logger.Warn("webhook delivery failed",
			"hook_name", cfg.Name,
			"url", cfg.URL,
			"attempt", attempt+1,
			"max_retries", retries,
			"error", err)
	}

	metrics.HookExecutions.WithLabelValues("webhook", "error").Inc()
	metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
	w.logger.Error("webhook delivery failed after all retries",
		"hook_name", cfg.Name,
		"url", cfg.URL,
		"retries", retries,
		"error", err)
}

func (w *WebhookSender) doRequest(cfg WebhookConfig, method string, evtType EventType, body []byte) error {
	req, err := http.NewRequest(method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sid-Event", string(evtType))
	req.Header.Set("User-Agent", "sid/1.0")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set("X-Sid-Signature", "sha256="+computeHMAC(body, cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
}

// computeHMAC computes the hex HMAC-SHA256 of payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Wait blocks until all pending webhooks complete.
func (w *WebhookSender) Wait() {
	w.wg.Wait()
}

func buildPayload(template string, evt Event) ([]byte, error) {
	switch template {
	case "slack":
		return buildSlackPayload(evt)
	case "teams":
		return buildTeamsPayload(evt)
	default:
		return json.Marshal(evt)
	}
}

// summaryLines renders the event's fields as "Label: value" pairs.
func summaryLines(evt Event, code func(string) string) []string {
	var lines []string
	if mac := evt.MAC(); mac != "" {
		lines = append(lines, "MAC: "+code(mac))
	}
	if evt.Request != nil && evt.Request.Vendor != "" {
		lines = append(lines, "Vendor: "+evt.Request.Vendor)
	}
	if evt.Lease != nil {
		if evt.Lease.Hostname != "" {
			lines = append(lines, "Hostname: "+code(evt.Lease.Hostname))
		}
		if evt.Lease.IP != nil {
			lines = append(lines, "IP: "+code(evt.Lease.IP.String()))
		}
	}
	if evt.Restart != nil {
		lines = append(lines, fmt.Sprintf("Exit code: %d", evt.Restart.ExitCode))
		if len(evt.Restart.Stderr) > 0 {
			lines = append(lines, "Stderr: "+code(strings.Join(evt.Restart.Stderr, " ")))
		}
	}
	if evt.Actor != "" {
		lines = append(lines, "By: "+evt.Actor)
	}
	if evt.Reason != "" {
		lines = append(lines, "Reason: "+evt.Reason)
	}
	return lines
}

// buildSlackPayload creates a Slack-formatted webhook payload.
func buildSlackPayload(evt Event) ([]byte, error) {
	lines := append([]string{fmt.Sprintf("*%s*", evt.Type)},
		summaryLines(evt, func(s string) string { return "`" + s + "`" })...)
	return json.Marshal(map[string]string{"text": strings.Join(lines, "\n")})
}

// buildTeamsPayload creates a Microsoft Teams-formatted webhook payload.
func buildTeamsPayload(evt Event) ([]byte, error) {
	title := string(evt.Type)
	lines := append([]string{fmt.Sprintf("Event: **%s** at %s", evt.Type, evt.Timestamp.Format(time.RFC3339))},
		summaryLines(evt, func(s string) string { return s })...)

	payload := map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    title,
		"themeColor": "0076D7",
		"title":      "sid: " + title,
		"text":       strings.Join(lines, "<br>"),
	}
	return json.Marshal(payload)
}
