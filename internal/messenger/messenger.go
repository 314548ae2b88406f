// Package messenger delivers direct messages to the user through the chat
// platform adapter.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Action is an interactive affordance attached to a message, such as a
// "mark done" button. The adapter renders it and calls back with ID.
type Action struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	TaskID string `json:"task_id,omitempty"`
}

type Messenger interface {
	SendDirectMessage(ctx context.Context, userID, text string, action *Action) error
}

type Webhook struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

type message struct {
	UserID string  `json:"user_id"`
	Text   string  `json:"text"`
	Action *Action `json:"action,omitempty"`
}

func NewWebhook(url string, headers map[string]string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second // default 30 seconds
	}
	return &Webhook{URL: url, Headers: headers, client: &http.Client{Timeout: timeout}}
}

// SendDirectMessage posts the message as JSON. Any non-2xx response is a
// delivery failure; it is not retried here.
func (w *Webhook) SendDirectMessage(ctx context.Context, userID, text string, action *Action) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	payload, err := json.Marshal(message{UserID: userID, Text: text, Action: action})
	if err != nil {
		return fmt.Errorf("invalid message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read delivery response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("delivery HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
