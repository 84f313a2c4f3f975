// Package message defines the notifications sent to subscribers.
//
// Message is a closed set: event notifications (creature, raid, challenge,
// incident) plus the service messages (lag, version, notice). Every variant
// answers the same capability questions so the pipeline never switches on
// the concrete type.
package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/filter"
	"github.com/nappa85/Pokifications-sub000/internal/model"
)

// Kind names a message variant. Event kinds reuse the event names.
type Kind string

const (
	KindCreature  Kind = "creature"
	KindRaid      Kind = "raid"
	KindChallenge Kind = "challenge"
	KindIncident  Kind = "incident"
	KindLag       Kind = "lag"
	KindVersion   Kind = "version"
	KindNotice    Kind = "notice"
)

// Message is one notification for one subscriber.
type Message interface {
	Kind() Kind
	// Caption is the text body, or the image caption when an artifact exists.
	Caption() string
	// Position is the map point the message refers to, if any.
	Position() (model.LatLon, bool)
	// ArtifactKey names the rendered image for this message, "" for text only.
	ArtifactKey() string
	// Action is an optional button attached to the message.
	Action() *Action
	// Counted reports whether a successful send counts towards the
	// subscriber's hourly delivery total.
	Counted() bool
	isMessage()
}

// Action is a callback button. Token is opaque to the transport.
type Action struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// Context carries the per-subscriber presentation settings used to build an
// event message.
type Context struct {
	Subscriber int64
	MapLink    string
	Location   *time.Location
	Now        time.Time
}

func (c Context) local(t time.Time) time.Time {
	if c.Location == nil {
		return t.UTC()
	}
	return t.In(c.Location)
}

// ForEvent builds the notification for an accepted event. It returns nil for
// events that never produce a notification.
func ForEvent(mc Context, ev model.Event, p *filter.Payload) Message {
	switch e := ev.(type) {
	case *model.Creature:
		return &Creature{base: base{ctx: mc, payload: p}, Event: e}
	case *model.Raid:
		return &Raid{base: base{ctx: mc, payload: p}, Event: e}
	case *model.Challenge:
		return &Challenge{base: base{ctx: mc, payload: p}, Event: e}
	case *model.Incident:
		return &Incident{base: base{ctx: mc, payload: p}, Event: e}
	}
	return nil
}

type base struct {
	ctx     Context
	payload *filter.Payload
}

// footer renders the lines shared by every event message.
func (b base) footer(sb *strings.Builder, lat, lon float64, until time.Time) {
	if p := b.payload; p != nil {
		fmt.Fprintf(sb, "%s %.2f km\n", p.Direction, p.Distance)
	}
	if !until.IsZero() {
		left := until.Sub(b.ctx.Now).Truncate(time.Second)
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(sb, "until %s (%s)\n", b.ctx.local(until).Format("15:04:05"), left)
	}
	sb.WriteString(MapLink(b.ctx.MapLink, lat, lon))
	if p := b.payload; p != nil && len(p.Trace) > 0 {
		sb.WriteString("\n\ndebug:\n")
		sb.WriteString(strings.Join(p.Trace, "\n"))
	}
}

func (base) Action() *Action { return nil }
func (base) Counted() bool   { return true }
func (base) isMessage()      {}

// Payload returns the filter payload the message was built from.
func (b base) Payload() *filter.Payload { return b.payload }

// Creature notifies a wild sighting.
type Creature struct {
	base
	Event *model.Creature
}

func (*Creature) Kind() Kind { return KindCreature }

func (m *Creature) Caption() string {
	e := m.Event
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d", e.Species)
	if e.Form != 0 {
		fmt.Fprintf(&sb, " form %d", e.Form)
	}
	switch e.Gender {
	case model.GenderMale:
		sb.WriteString(" ♂")
	case model.GenderFemale:
		sb.WriteString(" ♀")
	}
	if q, ok := e.Quality(); ok {
		fmt.Fprintf(&sb, " %.1f%% (%d/%d/%d)", q, e.IV.Attack, e.IV.Defense, e.IV.Stamina)
	}
	if e.Level != nil {
		fmt.Fprintf(&sb, " L%d", *e.Level)
	}
	if e.CP != nil {
		fmt.Fprintf(&sb, " CP%d", *e.CP)
	}
	sb.WriteString("\n")
	if m.payload != nil && m.payload.Badge != "" {
		fmt.Fprintf(&sb, "%s size\n", m.payload.Badge)
	}
	m.footer(&sb, e.Latitude, e.Longitude, e.DisappearAt)
	return sb.String()
}

func (m *Creature) Position() (model.LatLon, bool) {
	return model.LatLon{Lat: m.Event.Latitude, Lon: m.Event.Longitude}, true
}

func (m *Creature) ArtifactKey() string {
	return fmt.Sprintf("creature-%d-%d-%s", m.Event.Species, m.Event.Form, pointKey(m.Event.Latitude, m.Event.Longitude))
}

// Action offers to track the creature until it despawns.
func (m *Creature) Action() *Action {
	if m.Event.EncounterID == "" || m.Event.DisappearAt.IsZero() {
		return nil
	}
	tok := EncodeWatch(Watch{
		Subscriber: m.ctx.Subscriber,
		Lat:        m.Event.Latitude,
		Lon:        m.Event.Longitude,
		Expires:    m.Event.DisappearAt.Unix(),
		Encounter:  m.Event.EncounterID,
		Species:    m.Event.Species,
	})
	return &Action{Label: "Track", Token: tok}
}

// Raid notifies a raid or an egg.
type Raid struct {
	base
	Event *model.Raid
}

func (*Raid) Kind() Kind { return KindRaid }

func (m *Raid) Caption() string {
	e := m.Event
	var sb strings.Builder
	if e.IsEgg() {
		fmt.Fprintf(&sb, "Level %d egg", e.Level)
	} else {
		fmt.Fprintf(&sb, "Level %d raid: #%d", e.Level, e.Boss)
	}
	if e.ExEligible {
		sb.WriteString(" (EX)")
	}
	sb.WriteString("\n")
	if e.GymName != "" {
		sb.WriteString(e.GymName + "\n")
	}
	until := e.End
	if e.IsEgg() && !e.Start.IsZero() {
		fmt.Fprintf(&sb, "hatches %s\n", m.ctx.local(e.Start).Format("15:04"))
	}
	m.footer(&sb, e.Latitude, e.Longitude, until)
	return sb.String()
}

func (m *Raid) Position() (model.LatLon, bool) {
	return model.LatLon{Lat: m.Event.Latitude, Lon: m.Event.Longitude}, true
}

func (m *Raid) ArtifactKey() string {
	if m.Event.IsEgg() {
		return fmt.Sprintf("egg-%d-%s", m.Event.Level, pointKey(m.Event.Latitude, m.Event.Longitude))
	}
	return fmt.Sprintf("raid-%d-%d-%s", m.Event.Boss, m.Event.Form, pointKey(m.Event.Latitude, m.Event.Longitude))
}

// Challenge notifies a timed challenge.
type Challenge struct {
	base
	Event *model.Challenge
}

func (*Challenge) Kind() Kind { return KindChallenge }

func (m *Challenge) Caption() string {
	e := m.Event
	var sb strings.Builder
	title := e.Title
	if title == "" {
		title = e.Template
	}
	sb.WriteString(title + "\n")
	for _, r := range e.Rewards {
		sb.WriteString(describeReward(r) + "\n")
	}
	if e.StopName != "" {
		sb.WriteString(e.StopName + "\n")
	}
	m.footer(&sb, e.Latitude, e.Longitude, e.Expires)
	return sb.String()
}

func (m *Challenge) Position() (model.LatLon, bool) {
	return model.LatLon{Lat: m.Event.Latitude, Lon: m.Event.Longitude}, true
}

func (m *Challenge) ArtifactKey() string {
	kind := "none"
	if len(m.Event.Rewards) > 0 {
		r := m.Event.Rewards[0]
		kind = fmt.Sprintf("%s%d", r.Kind, r.ID)
	}
	return fmt.Sprintf("challenge-%s-%s", kind, pointKey(m.Event.Latitude, m.Event.Longitude))
}

func describeReward(r model.Reward) string {
	switch r.Kind {
	case model.RewardStardust:
		return fmt.Sprintf("%d stardust", r.Amount)
	case model.RewardXP:
		return fmt.Sprintf("%d xp", r.Amount)
	case model.RewardCreature:
		return fmt.Sprintf("encounter #%d", r.ID)
	}
	if r.Amount > 1 {
		return fmt.Sprintf("%d× %s %d", r.Amount, r.Kind, r.ID)
	}
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

// Incident notifies a location incident.
type Incident struct {
	base
	Event *model.Incident
}

func (*Incident) Kind() Kind { return KindIncident }

func (m *Incident) Caption() string {
	e := m.Event
	var sb strings.Builder
	fmt.Fprintf(&sb, "Incident, grunt %d\n", e.Grunt)
	if e.StopName != "" {
		sb.WriteString(e.StopName + "\n")
	}
	m.footer(&sb, e.Latitude, e.Longitude, e.Expires)
	return sb.String()
}

func (m *Incident) Position() (model.LatLon, bool) {
	return model.LatLon{Lat: m.Event.Latitude, Lon: m.Event.Longitude}, true
}

func (m *Incident) ArtifactKey() string {
	return fmt.Sprintf("incident-%d-%s", m.Event.Grunt, pointKey(m.Event.Latitude, m.Event.Longitude))
}

func pointKey(lat, lon float64) string {
	return fmt.Sprintf("%.5f_%.5f", lat, lon)
}
