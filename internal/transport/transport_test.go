package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nappa85/Pokifications-sub000/internal/message"
)

func TestHTTPTransport(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []Envelope
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		got = append(got, env)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		switch env.Subscriber {
		case 403:
			http.Error(w, "blocked by user", http.StatusForbidden)
		case 410:
			w.WriteHeader(http.StatusGone)
		case 500:
			http.Error(w, "try later", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, "secret", time.Second)
	ctx := context.Background()

	require.NoError(t, h.SendText(ctx, 1, "hello", &message.Action{Label: "Track", Token: "tok"}))
	require.NoError(t, h.SendImage(ctx, 2, []byte{0x89, 'P', 'N', 'G'}, "caption", nil))

	err := h.SendText(ctx, 403, "x", nil)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "blocked by user")
	assert.ErrorIs(t, h.SendText(ctx, 410, "x", nil), ErrUnreachable)

	err = h.SendText(ctx, 500, "x", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnreachable))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer secret", auth)
	require.Len(t, got, 5)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "tok", got[0].Action.Token)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, got[1].Image)
	assert.Equal(t, "caption", got[1].Caption)
	assert.False(t, got[1].SentAt.IsZero())
}

type fakeBroker struct {
	topic   string
	payload []byte
	err     error
}

func (f *fakeBroker) Publish(topic string, payload []byte) error {
	f.topic, f.payload = topic, payload
	return f.err
}

func TestMQTTTransport(t *testing.T) {
	b := &fakeBroker{}
	m := MQTT{Broker: b}
	require.NoError(t, m.SendImage(context.Background(), 42, []byte("img"), "cap", nil))
	assert.Equal(t, "notifications/42", b.topic)

	var env Envelope
	require.NoError(t, json.Unmarshal(b.payload, &env))
	assert.Equal(t, int64(42), env.Subscriber)
	assert.Equal(t, "cap", env.Caption)
	assert.Equal(t, []byte("img"), env.Image)

	b.err = errors.New("closed")
	assert.Error(t, m.SendText(context.Background(), 42, "x", nil))
}

func TestUnreachable(t *testing.T) {
	err := Unreachable(7, errors.New("gone"))
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "subscriber 7")
	assert.ErrorIs(t, Unreachable(7, nil), ErrUnreachable)
}

func TestLogTransport(t *testing.T) {
	var l Log
	assert.NoError(t, l.SendText(context.Background(), 1, "x", nil))
	assert.NoError(t, l.SendImage(context.Background(), 1, nil, "x", nil))
}
