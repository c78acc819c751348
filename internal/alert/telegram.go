package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"
)

// TelegramNotifier sends alerts through the Bot API sendMessage call as HTML. Info
// alerts are delivered without a notification sound.
type TelegramNotifier struct {
	enabled  bool
	endpoint string
	chatID   string
	poster   jsonPoster
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		enabled:  enabled,
		endpoint: strings.TrimRight(baseURL, "/") + "/bot" + botToken + "/sendMessage",
		chatID:   chatID,
		poster:   newJSONPoster("telegram", timeout, nil),
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, a Alert) error {
	if t == nil || !t.enabled {
		return nil
	}
	body, err := t.poster.post(ctx, t.endpoint, sendMessage{
		ChatID:              t.chatID,
		Text:                telegramHTML(a),
		ParseMode:           "HTML",
		DisableNotification: a.Severity == SeverityInfo,
	})
	if err != nil || len(body) == 0 {
		return err
	}
	var reply sendMessageReply
	if json.Unmarshal(body, &reply) == nil && !reply.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(reply.Description))
	}
	return nil
}

func telegramHTML(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> %s", html.EscapeString(a.header()), html.EscapeString(a.Summary))
	for _, d := range a.Details {
		fmt.Fprintf(&b, "\n%s: <code>%s</code>", html.EscapeString(d.Label), html.EscapeString(d.Value))
	}
	fmt.Fprintf(&b, "\n<i>%s</i>", a.At.UTC().Format(time.RFC3339))
	return b.String()
}

type sendMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type sendMessageReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
