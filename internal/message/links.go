package message

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

// MapLink returns a link to the point in the given map style. Unknown styles
// fall back to Google Maps.
func MapLink(style string, lat, lon float64) string {
	switch style {
	case model.MapLinkApple:
		return fmt.Sprintf("https://maps.apple.com/?ll=%.6f,%.6f&q=%.6f,%.6f", lat, lon, lat, lon)
	case model.MapLinkOSM:
		return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%.6f&mlon=%.6f#map=18/%.6f/%.6f", lat, lon, lat, lon)
	}
	return fmt.Sprintf("https://maps.google.com/maps?q=%.6f,%.6f", lat, lon)
}

// Watch is the payload of a tracking token.
type Watch struct {
	Subscriber int64   `json:"s"`
	Lat        float64 `json:"a"`
	Lon        float64 `json:"o"`
	Expires    int64   `json:"e"`
	Encounter  string  `json:"i"`
	Species    int     `json:"p"`
}

// ExpiresAt returns the despawn time.
func (w Watch) ExpiresAt() time.Time { return time.Unix(w.Expires, 0) }

// ErrBadToken is returned by DecodeWatch for malformed tokens.
var ErrBadToken = errors.New("message: malformed watch token")

// EncodeWatch packs w into a URL-safe token.
func EncodeWatch(w Watch) string {
	raw, _ := json.Marshal(w)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeWatch unpacks a token produced by EncodeWatch.
func DecodeWatch(tok string) (Watch, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return Watch{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	var w Watch
	if err := json.Unmarshal(raw, &w); err != nil {
		return Watch{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if w.Subscriber == 0 || w.Encounter == "" {
		return Watch{}, ErrBadToken
	}
	return w, nil
}
