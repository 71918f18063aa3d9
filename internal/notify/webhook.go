package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"student_insights/config"
)

// GroupMeURL is the bot post endpoint used when only a bot id is configured.
const GroupMeURL = "https://api.groupme.com/v3/bots/post"

// Message represents an outbound run report.
type Message struct {
	Text  string `json:"text"`
	BotID string `json:"bot_id,omitempty"`
}

// Webhook posts run reports to a chat webhook or a GroupMe bot.
type Webhook struct {
	URL    string
	BotID  string
	Client *http.Client
}

// New returns nil when no destination is configured.
func New(cfg config.NotifyConfig) *Webhook {
	if cfg.WebhookURL == "" && cfg.BotID == "" {
		return nil
	}
	url := cfg.WebhookURL
	if url == "" {
		url = GroupMeURL
	}
	return &Webhook{URL: url, BotID: cfg.BotID, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify sends text. A nil Webhook is a no-op.
func (w *Webhook) Notify(ctx context.Context, text string) error {
	if w == nil {
		return nil
	}
	buf, err := json.Marshal(Message{Text: text, BotID: w.BotID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify status %d", resp.StatusCode)
	}
	return nil
}
