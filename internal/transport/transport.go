// Package transport delivers rendered notifications to subscribers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/message"
)

// ErrUnreachable marks a terminal delivery failure: the subscriber blocked
// the service or no longer exists. Callers must not retry.
var ErrUnreachable = errors.New("transport: subscriber unreachable")

// Transport sends notifications. Errors wrapping ErrUnreachable are
// terminal; every other error is transient.
type Transport interface {
	SendText(ctx context.Context, id int64, text string, action *message.Action) error
	SendImage(ctx context.Context, id int64, image []byte, caption string, action *message.Action) error
}

// Envelope is the wire form of one notification for the relay and MQTT
// transports. Image is base64 encoded by encoding/json.
type Envelope struct {
	Subscriber int64           `json:"subscriber"`
	Text       string          `json:"text,omitempty"`
	Caption    string          `json:"caption,omitempty"`
	Image      []byte          `json:"image,omitempty"`
	Action     *message.Action `json:"action,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// Log writes notifications to a logger instead of delivering them.
type Log struct {
	Logger *slog.Logger
}

func (l Log) SendText(ctx context.Context, id int64, text string, action *message.Action) error {
	l.logger().Info("notification", "subscriber", id, "text", text, "action", action != nil)
	return nil
}

func (l Log) SendImage(ctx context.Context, id int64, image []byte, caption string, action *message.Action) error {
	l.logger().Info("notification", "subscriber", id, "caption", caption, "image_bytes", len(image), "action", action != nil)
	return nil
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Unreachable wraps err so that errors.Is(err, ErrUnreachable) holds.
func Unreachable(id int64, err error) error {
	if err == nil {
		return fmt.Errorf("subscriber %d: %w", id, ErrUnreachable)
	}
	return fmt.Errorf("subscriber %d: %w: %w", id, ErrUnreachable, err)
}
