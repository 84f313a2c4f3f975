// Package filter decides, for one subscriber configuration and one event,
// whether a notification should be sent.
//
// Evaluate is a pure function: it performs no I/O and never mutates its
// inputs, so it can run concurrently for every subscriber sharing an event.
package filter

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/geo"
	"github.com/nappa85/Pokifications-sub000/internal/model"
)

// Radius bounds in km. Every configured radius is clamped into this range.
const (
	MinDistance = 0.1
	MaxDistance = 15.0
)

// ErrNoWindow is the rejection reason used when a subscriber has not
// configured any activity window.
var ErrNoWindow = errors.New("no time window configured")

// Decision is the outcome of Evaluate.
type Decision struct {
	Accepted bool
	// Reason explains a rejection.
	Reason error
	// Payload is set only when Accepted.
	Payload *Payload
}

// Payload describes an accepted event for message composition.
type Payload struct {
	Reference model.LatLon
	Radius    float64
	Distance  float64
	Bearing   float64
	Direction string
	// Badge is set when the creature qualified through a size exemption.
	Badge string
	// Trace lists which branches fired; only filled for debug subscribers.
	Trace []string
}

type rejection struct {
	step   string
	reason string
}

func (r *rejection) Error() string { return r.step + ": " + r.reason }

func reject(step, format string, args ...any) Decision {
	return Decision{Reason: &rejection{step: step, reason: fmt.Sprintf(format, args...)}}
}

// tracer collects debug lines only when enabled.
type tracer struct {
	on    bool
	lines []string
}

func (t *tracer) add(format string, args ...any) {
	if t.on {
		t.lines = append(t.lines, fmt.Sprintf(format, args...))
	}
}

// measure carries the optional quality and level of an event.
type measure struct {
	quality    float64
	hasQuality bool
	level      int
	hasLevel   bool
}

// Evaluate runs the decision pipeline, short-circuiting on the first
// rejection.
func Evaluate(cfg *model.Config, ev model.Event, now time.Time) Decision {
	if cfg == nil {
		return reject("config", "missing")
	}
	if len(cfg.Time.Windows) == 0 {
		return Decision{Reason: ErrNoWindow}
	}

	located, ok := ev.(model.Located)
	if !ok {
		return reject("kind", "%s is not a located event", ev.Kind())
	}
	if !kindEnabled(cfg, ev.Kind()) {
		return reject("kind", "%s notifications disabled", ev.Kind())
	}

	tr := &tracer{on: cfg.Debug}

	ref, radius, ok := reference(cfg, ev.Kind(), now)
	if !ok {
		return reject("location", "no reference point for %s", ev.Kind())
	}
	distance := geo.Distance(ref.Lat, ref.Lon, located.Lat(), located.Lon())
	if distance > radius {
		return reject("location", "distance %.3f km exceeds radius %.3f km", distance, radius)
	}
	tr.add("distance %.3f km within %.3f km", distance, radius)

	local := now.In(cfg.Location())
	active := windowActive(cfg.Time.Windows, local)

	var (
		d     Decision
		badge string
	)
	switch e := ev.(type) {
	case *model.Creature:
		badge, d = evalCreature(cfg, e, active, tr)
	case *model.Raid:
		d = evalRaid(cfg, e, active, tr)
	case *model.Challenge:
		d = evalChallenge(cfg, e, active, tr)
	case *model.Incident:
		d = evalIncident(cfg, e, active, tr)
	default:
		return reject("kind", "unsupported event %T", ev)
	}
	if d.Reason != nil {
		return d
	}

	bearing := geo.RhumbBearing(ref.Lat, ref.Lon, located.Lat(), located.Lon())
	p := &Payload{
		Reference: ref,
		Radius:    radius,
		Distance:  distance,
		Bearing:   bearing,
		Direction: geo.Direction(distance, bearing),
		Badge:     badge,
	}
	if cfg.Debug {
		p.Trace = tr.lines
	}
	return Decision{Accepted: true, Payload: p}
}

func kindEnabled(cfg *model.Config, kind model.Kind) bool {
	switch kind {
	case model.KindCreature:
		return cfg.Creature.Enabled
	case model.KindRaid:
		return cfg.Raid.Enabled
	case model.KindChallenge:
		return cfg.Challenge.Enabled
	case model.KindIncident:
		return cfg.Incident.Enabled
	}
	return false
}

// reference resolves the active reference point for kind. The temporary
// override wins only while its expiry is in the future.
func reference(cfg *model.Config, kind model.Kind, now time.Time) (model.LatLon, float64, bool) {
	if o := cfg.Locations.Override; o.ActiveAt(now) {
		return model.LatLon{Lat: o.Lat, Lon: o.Lon}, ClampRadius(o.Radius), true
	}
	p := cfg.Locations.For(kind)
	if p == nil {
		return model.LatLon{}, 0, false
	}
	return model.LatLon{Lat: p.Lat, Lon: p.Lon}, ClampRadius(p.Radius), true
}

// ClampRadius bounds a configured radius into [MinDistance, MaxDistance].
func ClampRadius(r float64) float64 {
	if math.IsNaN(r) || r < MinDistance {
		return MinDistance
	}
	if r > MaxDistance {
		return MaxDistance
	}
	return r
}

func windowActive(windows []model.TimeWindow, t time.Time) bool {
	for _, w := range windows {
		if w.Active(t) {
			return true
		}
	}
	return false
}

// meets applies a threshold. Each configured branch needs its measurement;
// OR passes when either branch passes on its own.
func meets(t model.Threshold, m measure) bool {
	var qOK, lOK bool
	if t.Quality != nil {
		qOK = m.hasQuality && m.quality >= *t.Quality
	}
	if t.Level != nil {
		lOK = m.hasLevel && m.level >= *t.Level
	}
	switch {
	case t.Quality != nil && t.Level != nil:
		if t.Op == model.OpOr {
			return qOK || lOK
		}
		return qOK && lOK
	case t.Quality != nil:
		return qOK
	case t.Level != nil:
		return lOK
	}
	return true
}

// bypass decides whether an event outside the activity windows still
// qualifies. An unconfigured bypass never accepts.
func bypass(cfg *model.Config, m measure, tr *tracer) Decision {
	b := cfg.Time.Bypass
	if !b.Configured() || !meets(b, m) {
		return reject("time", "outside activity windows")
	}
	tr.add("outside windows, bypass %s", describe(b))
	return Decision{}
}

func describe(t model.Threshold) string {
	op := t.Op
	if op == "" {
		op = model.OpAnd
	}
	switch {
	case t.Quality != nil && t.Level != nil:
		return fmt.Sprintf("quality>=%.1f %s level>=%d", *t.Quality, op, *t.Level)
	case t.Quality != nil:
		return fmt.Sprintf("quality>=%.1f", *t.Quality)
	case t.Level != nil:
		return fmt.Sprintf("level>=%d", *t.Level)
	}
	return "none"
}
