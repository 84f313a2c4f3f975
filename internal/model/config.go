package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Op combines a quality and a level threshold.
type Op string

const (
	OpAnd Op = "and"
	OpOr  Op = "or"
)

// Map link styles.
const (
	MapLinkGoogle = "google"
	MapLinkApple  = "apple"
	MapLinkOSM    = "osm"
)

// Config is the filter configuration of one subscriber. A parsed Config is
// never modified; updates replace the whole value.
type Config struct {
	Enabled   bool           `json:"enabled"`
	Expires   *time.Time     `json:"expires,omitempty"`
	TZ        string         `json:"tz,omitempty"`
	Time      TimeConfig     `json:"time"`
	Locations Locations      `json:"locations"`
	Creature  CreatureRules  `json:"creature"`
	Raid      RaidRules      `json:"raid"`
	Challenge ChallengeRules `json:"challenge"`
	Incident  IncidentRules  `json:"incident"`
	Debug     bool           `json:"debug"`
	MapLink   string         `json:"map_link,omitempty"`

	loc *time.Location
}

// Location returns the time zone windows are evaluated in.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// TimeConfig holds the activity windows and the rule that applies outside them.
type TimeConfig struct {
	Windows []TimeWindow `json:"windows"`
	Bypass  Threshold    `json:"bypass"`
}

// TimeWindow is active on the listed weekdays (0 = Sunday, empty = every day)
// between From and To. A window whose To precedes From crosses midnight.
type TimeWindow struct {
	Days []int     `json:"days,omitempty"`
	From ClockTime `json:"from"`
	To   ClockTime `json:"to"`
}

// Active reports whether t falls inside the window.
func (w TimeWindow) Active(t time.Time) bool {
	minute := ClockTime(t.Hour()*60 + t.Minute())
	day := int(t.Weekday())
	if w.From <= w.To {
		return w.hasDay(day) && minute >= w.From && minute < w.To
	}
	if minute >= w.From {
		return w.hasDay(day)
	}
	if minute < w.To {
		// Past midnight: the window belongs to the previous day.
		return w.hasDay((day + 6) % 7)
	}
	return false
}

func (w TimeWindow) hasDay(day int) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}

// ClockTime is a minute of the day, encoded as "HH:MM".
type ClockTime int

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("invalid clock time %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return fmt.Errorf("invalid clock time %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return fmt.Errorf("invalid clock time %q", s)
	}
	*c = ClockTime(hh*60 + mm)
	return nil
}

// Threshold is a quality and/or level requirement. An empty Threshold is
// not configured.
type Threshold struct {
	Quality *float64 `json:"quality,omitempty"`
	Level   *int     `json:"level,omitempty"`
	Op      Op       `json:"op,omitempty"`
}

// Configured reports whether at least one of quality or level is set.
func (t Threshold) Configured() bool {
	return t.Quality != nil || t.Level != nil
}

// Point is a reference point with its notification radius in km.
type Point struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Radius float64 `json:"radius"`
}

// Override is a temporary reference point used by every kind until Expires.
type Override struct {
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	Radius  float64   `json:"radius"`
	Expires time.Time `json:"expires"`
}

// ActiveAt reports whether the override is still in force at t.
func (o *Override) ActiveAt(t time.Time) bool {
	return o != nil && o.Expires.After(t)
}

// Locations holds the permanent reference point of each kind plus the
// optional temporary override.
type Locations struct {
	Creature  *Point    `json:"creature,omitempty"`
	Raid      *Point    `json:"raid,omitempty"`
	Challenge *Point    `json:"challenge,omitempty"`
	Incident  *Point    `json:"incident,omitempty"`
	Override  *Override `json:"override,omitempty"`
}

// For returns the permanent point configured for kind.
func (l Locations) For(kind Kind) *Point {
	switch kind {
	case KindCreature:
		return l.Creature
	case KindRaid:
		return l.Raid
	case KindChallenge:
		return l.Challenge
	case KindIncident:
		return l.Incident
	}
	return nil
}

// AttrRule compares a named numeric attribute against Value.
type AttrRule struct {
	Name  string  `json:"name"`
	Cmp   string  `json:"cmp"`
	Value float64 `json:"value"`
}

// Attribute names accepted by AttrRule.
var attrNames = map[string]struct{}{
	"atk": {}, "def": {}, "sta": {}, "quality": {}, "level": {}, "cp": {}, "height": {}, "weight": {},
}

// SpeciesRule restricts creature notifications to one species.
type SpeciesRule struct {
	ID     int        `json:"id"`
	Filter *Threshold `json:"filter,omitempty"`
	Gender int        `json:"gender,omitempty"`
	Attrs  []AttrRule `json:"attrs,omitempty"`
}

// CreatureRules filter wild sightings.
type CreatureRules struct {
	Enabled bool          `json:"enabled"`
	Filter  Threshold     `json:"filter"`
	Species []SpeciesRule `json:"species,omitempty"`
	Badges  bool          `json:"badges"`
}

// RaidRules filter raids and eggs.
type RaidRules struct {
	Enabled  bool  `json:"enabled"`
	MinLevel int   `json:"min_level"`
	Bosses   []int `json:"bosses,omitempty"`
	Eggs     bool  `json:"eggs"`
}

// TemplateTarget matches a challenge by its exact template and target.
type TemplateTarget struct {
	Template string `json:"template"`
	Target   int    `json:"target"`
}

// ChallengeRules filter timed challenges.
type ChallengeRules struct {
	Enabled bool             `json:"enabled"`
	Pairs   []TemplateTarget `json:"pairs,omitempty"`
	Rewards []string         `json:"rewards,omitempty"`
}

// IncidentRules filter location incidents.
type IncidentRules struct {
	Enabled bool  `json:"enabled"`
	Grunts  []int `json:"grunts,omitempty"`
}

// FieldError reports an invalid value in a subscriber configuration.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrTrailingData is returned when a config blob holds more than one document.
var ErrTrailingData = errors.New("trailing data after config document")

// ParseConfig strictly decodes a subscriber configuration blob. Unknown
// fields are rejected.
func ParseConfig(raw []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.TZ != "" {
		loc, err := time.LoadLocation(c.TZ)
		if err != nil {
			return &FieldError{Field: "tz", Reason: err.Error()}
		}
		c.loc = loc
	}

	switch c.MapLink {
	case "":
		c.MapLink = MapLinkGoogle
	case MapLinkGoogle, MapLinkApple, MapLinkOSM:
	default:
		return &FieldError{Field: "map_link", Reason: fmt.Sprintf("unknown style %q", c.MapLink)}
	}

	for i, w := range c.Time.Windows {
		for _, d := range w.Days {
			if d < 0 || d > 6 {
				return &FieldError{Field: fmt.Sprintf("time.windows[%d].days", i), Reason: fmt.Sprintf("weekday %d out of range", d)}
			}
		}
	}
	if err := c.Time.Bypass.validate("time.bypass"); err != nil {
		return err
	}
	if err := c.Creature.Filter.validate("creature.filter"); err != nil {
		return err
	}

	for i, sp := range c.Creature.Species {
		prefix := fmt.Sprintf("creature.species[%d]", i)
		if sp.Filter != nil {
			if err := sp.Filter.validate(prefix + ".filter"); err != nil {
				return err
			}
		}
		if sp.Gender < GenderUnset || sp.Gender > GenderGenderless {
			return &FieldError{Field: prefix + ".gender", Reason: fmt.Sprintf("unknown gender %d", sp.Gender)}
		}
		for j, a := range sp.Attrs {
			if _, ok := attrNames[a.Name]; !ok {
				return &FieldError{Field: fmt.Sprintf("%s.attrs[%d].name", prefix, j), Reason: fmt.Sprintf("unknown attribute %q", a.Name)}
			}
			switch a.Cmp {
			case "<", "=", ">":
			default:
				return &FieldError{Field: fmt.Sprintf("%s.attrs[%d].cmp", prefix, j), Reason: fmt.Sprintf("unknown comparison %q", a.Cmp)}
			}
		}
	}

	for i, tok := range c.Challenge.Rewards {
		if !validRewardToken(tok) {
			return &FieldError{Field: fmt.Sprintf("challenge.rewards[%d]", i), Reason: fmt.Sprintf("unknown reward token %q", tok)}
		}
	}

	for _, p := range []struct {
		name string
		pt   *Point
	}{
		{"locations.creature", c.Locations.Creature},
		{"locations.raid", c.Locations.Raid},
		{"locations.challenge", c.Locations.Challenge},
		{"locations.incident", c.Locations.Incident},
	} {
		if p.pt != nil && !validCoords(p.pt.Lat, p.pt.Lon) {
			return &FieldError{Field: p.name, Reason: "coordinates out of range"}
		}
	}
	if o := c.Locations.Override; o != nil && !validCoords(o.Lat, o.Lon) {
		return &FieldError{Field: "locations.override", Reason: "coordinates out of range"}
	}
	return nil
}

func (t Threshold) validate(field string) error {
	switch t.Op {
	case "", OpAnd, OpOr:
	default:
		return &FieldError{Field: field + ".op", Reason: fmt.Sprintf("unknown operator %q", t.Op)}
	}
	if t.Quality != nil && (*t.Quality < 0 || *t.Quality > 100) {
		return &FieldError{Field: field + ".quality", Reason: "must be within 0..100"}
	}
	if t.Level != nil && (*t.Level < 0 || *t.Level > 50) {
		return &FieldError{Field: field + ".level", Reason: "must be within 0..50"}
	}
	return nil
}

func validCoords(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func validRewardToken(tok string) bool {
	kind, arg, hasArg := strings.Cut(tok, ":")
	switch kind {
	case RewardStardust:
		if !hasArg {
			return true
		}
	case RewardItem, RewardCreature, RewardCandy, RewardEnergy:
		if !hasArg {
			return false
		}
	default:
		return false
	}
	_, err := strconv.Atoi(arg)
	return err == nil
}
