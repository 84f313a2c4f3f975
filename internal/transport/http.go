package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/message"
)

// HTTP posts envelopes to a relay service that talks to the messaging
// provider. The relay answers 403 or 410 when the subscriber is gone.
type HTTP struct {
	URL    string
	Token  string
	Client *http.Client
	now    func() time.Time
}

// NewHTTP returns a relay transport with a bounded request timeout.
func NewHTTP(url, token string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{URL: url, Token: token, Client: &http.Client{Timeout: timeout}, now: time.Now}
}

func (h *HTTP) SendText(ctx context.Context, id int64, text string, action *message.Action) error {
	return h.post(ctx, Envelope{Subscriber: id, Text: text, Action: action})
}

func (h *HTTP) SendImage(ctx context.Context, id int64, image []byte, caption string, action *message.Action) error {
	return h.post(ctx, Envelope{Subscriber: id, Image: image, Caption: caption, Action: action})
}

func (h *HTTP) post(ctx context.Context, env Envelope) error {
	if h.now != nil {
		env.SentAt = h.now().UTC()
	} else {
		env.SentAt = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusGone:
		return Unreachable(env.Subscriber, fmt.Errorf("relay status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("relay status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
