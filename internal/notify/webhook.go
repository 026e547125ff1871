package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts messages to a chat webhook. The payload carries the text both
// as "content" and "text" so Discord and Slack style endpoints accept it.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook returns a webhook service for url with a client bounded by timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &Webhook{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Name() string { return "webhook" }

// Send ignores title; the message line already carries the full event.
func (w *Webhook) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{"content": message, "text": message}
	return postJSON(ctx, w.client(), w.URL, payload)
}

func (w *Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: DefaultAttemptTimeout}
}

// postJSON is a shared helper used by providers
func postJSON(ctx context.Context, client *http.Client, url string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	return nil
}
