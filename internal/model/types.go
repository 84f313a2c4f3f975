package model

import "time"

// LatLon is a coordinate pair in degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// City is a named geofence subscribers are assigned to.
type City struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Polygon []LatLon  `json:"polygon"`
	Expires time.Time `json:"expires"`
	Admins  []int64   `json:"admins,omitempty"`
}

// Cities is an immutable snapshot of every known city keyed by id.
type Cities map[int64]*City

// Subscriber account statuses.
const (
	StatusActive  = "active"
	StatusBlocked = "blocked"
	StatusBanned  = "banned"
)

// SubscriberRecord is one row of the source-of-truth subscriber table.
type SubscriberRecord struct {
	ID           int64     `json:"id"`
	Enabled      bool      `json:"enabled"`
	Config       []byte    `json:"config"`
	Beta         bool      `json:"beta"`
	Status       string    `json:"status"`
	CityID       int64     `json:"city_id"`
	CityExpires  time.Time `json:"city_expires"`
	SentLastHour int       `json:"sent_last_hour"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	Source  string `json:"source"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}

// Delivery records one successful notification send.
type Delivery struct {
	SubscriberID int64     `json:"subscriber_id"`
	Kind         string    `json:"kind"`
	SentAt       time.Time `json:"sent_at"`
}
