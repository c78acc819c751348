package alert

import (
	"context"
	"strings"
	"time"
)

// WebhookNotifier posts each alert to a generic JSON endpoint. The "text" field keeps
// Slack and Mattermost incoming hooks working; the rest is for machine consumers.
type WebhookNotifier struct {
	enabled bool
	url     string
	poster  jsonPoster
}

func NewWebhookNotifier(enabled bool, url string, headers map[string]string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		enabled: enabled,
		url:     strings.TrimSpace(url),
		poster:  newJSONPoster("webhook", timeout, headers),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	if w == nil || !w.enabled {
		return nil
	}
	_, err := w.poster.post(ctx, w.url, webhookPayload{
		Text:     a.Text(),
		Event:    a.Event,
		Severity: a.Severity.String(),
		Mode:     a.Mode,
		Symbol:   a.Symbol,
		Time:     a.At.UTC(),
		Summary:  a.Summary,
		Details:  a.DetailMap(),
	})
	return err
}

type webhookPayload struct {
	Text     string            `json:"text"`
	Event    string            `json:"event"`
	Severity string            `json:"severity"`
	Mode     string            `json:"mode"`
	Symbol   string            `json:"symbol"`
	Time     time.Time         `json:"time"`
	Summary  string            `json:"summary"`
	Details  map[string]string `json:"details,omitempty"`
}

// MultiNotifier fans one alert out to several notifiers and returns the first error.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, a Alert) error {
	var firstErr error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
