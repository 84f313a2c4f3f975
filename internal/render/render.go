// Package render turns event messages into map images.
//
// Rendering itself happens in an external service; this package owns the
// request format, the on-disk artifact directory and its housekeeping.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/message"
)

// Spec describes one image to render.
type Spec struct {
	Key  string  `json:"key"`
	Kind string  `json:"kind"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Icon string  `json:"icon"`
}

// SpecFor returns the render request for m, or false when m has no image.
func SpecFor(m message.Message) (Spec, bool) {
	key := m.ArtifactKey()
	pos, ok := m.Position()
	if key == "" || !ok {
		return Spec{}, false
	}
	s := Spec{Key: key, Kind: string(m.Kind()), Lat: pos.Lat, Lon: pos.Lon}
	switch v := m.(type) {
	case *message.Creature:
		s.Icon = fmt.Sprintf("creature/%d_%d", v.Event.Species, v.Event.Form)
	case *message.Raid:
		if v.Event.IsEgg() {
			s.Icon = fmt.Sprintf("egg/%d", v.Event.Level)
		} else {
			s.Icon = fmt.Sprintf("creature/%d_%d", v.Event.Boss, v.Event.Form)
		}
	case *message.Challenge:
		s.Icon = "challenge/none"
		if len(v.Event.Rewards) > 0 {
			r := v.Event.Rewards[0]
			s.Icon = fmt.Sprintf("reward/%s_%d", r.Kind, r.ID)
		}
	case *message.Incident:
		s.Icon = fmt.Sprintf("grunt/%d", v.Event.Grunt)
	}
	return s, true
}

// Renderer produces a PNG image for a spec.
type Renderer interface {
	Render(ctx context.Context, spec Spec) ([]byte, error)
}

// ErrEmptyImage is returned when the render service answers without a body.
var ErrEmptyImage = errors.New("render: empty image")

// maxImageSize bounds the size of a rendered image.
const maxImageSize = 8 << 20

// HTTP posts specs as JSON to an external render service that answers with
// the image bytes.
type HTTP struct {
	URL    string
	Client *http.Client
}

// NewHTTP returns an HTTP renderer with a bounded request timeout.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Render(ctx context.Context, spec Spec) ([]byte, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode render spec: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", spec.Key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("render %s: status %d: %s", spec.Key, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, fmt.Errorf("read render response: %w", err)
	}
	if len(img) == 0 {
		return nil, ErrEmptyImage
	}
	return img, nil
}
