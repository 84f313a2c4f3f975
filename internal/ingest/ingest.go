// Package ingest decodes upstream webhook bodies into events.
//
// A body is a JSON array of {"type": ..., "message": {...}} records, or a
// single such record. Records that fail to decode are reported as skipped; they
// never fail the whole batch.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nappa85/Pokifications-sub000/internal/model"
)

var (
	// ErrUnknownType is reported for records with an unsupported type.
	ErrUnknownType = errors.New("ingest: unknown record type")
	// ErrBody is returned when the body is neither a record nor an array.
	ErrBody = errors.New("ingest: body is not a record array")
)

// Record is one upstream webhook entry.
type Record struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// Failure describes a skipped record.
type Failure struct {
	Index   int
	Type    string
	Payload []byte
	Err     error
}

// Batch is the result of parsing one body.
type Batch struct {
	ID      string
	Events  []model.Event
	Skipped []Failure
}

// Parse decodes body. defaultType is used for records without a type, as
// happens for MQTT publishes whose topic names the type.
func Parse(body []byte, defaultType string) (Batch, error) {
	batch := Batch{ID: uuid.NewString()}

	trimmed := bytes.TrimSpace(body)
	var records []Record
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return batch, fmt.Errorf("%w: %v", ErrBody, err)
		}
	case len(trimmed) > 0 && trimmed[0] == '{':
		var r Record
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return batch, fmt.Errorf("%w: %v", ErrBody, err)
		}
		if r.Message == nil && defaultType != "" {
			// A bare message published on a typed topic.
			r.Message = json.RawMessage(trimmed)
		}
		records = []Record{r}
	default:
		return batch, ErrBody
	}

	for i, r := range records {
		if r.Type == "" {
			r.Type = defaultType
		}
		ev, err := ParseRecord(r)
		if err != nil {
			batch.Skipped = append(batch.Skipped, Failure{Index: i, Type: r.Type, Payload: r.Message, Err: err})
			continue
		}
		batch.Events = append(batch.Events, ev)
	}
	return batch, nil
}

// ParseRecord decodes one record.
func ParseRecord(r Record) (model.Event, error) {
	if len(r.Message) == 0 {
		return nil, errors.New("missing message")
	}
	switch strings.ToLower(r.Type) {
	case "pokemon", "creature":
		return parseCreature(r.Message)
	case "raid":
		return parseRaid(r.Message)
	case "quest", "challenge":
		return parseChallenge(r.Message)
	case "invasion", "incident":
		return parseIncident(r.Message)
	case "reload":
		var m struct {
			SubscriberID int64 `json:"subscriber_id"`
		}
		if err := json.Unmarshal(r.Message, &m); err != nil {
			return nil, fmt.Errorf("decode reload: %w", err)
		}
		if m.SubscriberID == 0 {
			return nil, errors.New("reload: missing subscriber_id")
		}
		return &model.Reload{SubscriberID: m.SubscriberID}, nil
	case "watch_start":
		var m struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(r.Message, &m); err != nil {
			return nil, fmt.Errorf("decode watch_start: %w", err)
		}
		if m.Token == "" {
			return nil, errors.New("watch_start: missing token")
		}
		return &model.WatchStart{Token: m.Token}, nil
	case "watch_stop":
		var m struct {
			SubscriberID int64      `json:"subscriber_id"`
			EncounterID  flexString `json:"encounter_id"`
		}
		if err := json.Unmarshal(r.Message, &m); err != nil {
			return nil, fmt.Errorf("decode watch_stop: %w", err)
		}
		if m.SubscriberID == 0 || m.EncounterID == "" {
			return nil, errors.New("watch_stop: missing subscriber_id or encounter_id")
		}
		return &model.WatchStop{SubscriberID: m.SubscriberID, EncounterID: string(m.EncounterID)}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, r.Type)
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func checkCoords(lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 || (lat == 0 && lon == 0) {
		return fmt.Errorf("invalid coordinates %v,%v", lat, lon)
	}
	return nil
}
