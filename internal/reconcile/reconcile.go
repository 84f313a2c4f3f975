// Package reconcile keeps the live subscriptions consistent with the source
// of truth.
//
// Every subscriber moves through Unloaded → Validating → one of Subscribed,
// Invalid, Disabled, Flooding or Error. Periodic sweeps are silent except for
// flood warnings; explicit reloads always answer the subscriber with a notice.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nappa85/Pokifications-sub000/internal/dispatch"
	"github.com/nappa85/Pokifications-sub000/internal/geo"
	"github.com/nappa85/Pokifications-sub000/internal/message"
	"github.com/nappa85/Pokifications-sub000/internal/metrics"
	"github.com/nappa85/Pokifications-sub000/internal/model"
)

// State is the reconcile state of one subscriber.
type State string

const (
	Unloaded   State = "unloaded"
	Validating State = "validating"
	Subscribed State = "subscribed"
	Invalid    State = "invalid"
	Disabled   State = "disabled"
	Flooding   State = "flooding"
	Error      State = "error"
)

// Defaults for Options.
const (
	DefaultInterval   = 60 * time.Second
	DefaultFullEvery  = 10
	DefaultFloodLimit = 400
	// MaxFailures is the number of consecutive validation failures after
	// which a live subscription is torn down.
	MaxFailures = 2
)

// Source is the source of truth for subscribers and cities.
type Source interface {
	dispatch.Recorder
	// Subscribers returns every subscriber, with SentLastHour filled in.
	Subscribers(ctx context.Context) ([]model.SubscriberRecord, error)
	// Subscriber returns one subscriber. ok is false when it does not exist.
	Subscriber(ctx context.Context, id int64) (rec model.SubscriberRecord, ok bool, err error)
	// ChangedSince returns subscribers updated after t.
	ChangedSince(ctx context.Context, t time.Time) ([]model.SubscriberRecord, error)
	Cities(ctx context.Context) (model.Cities, error)
	MarkBlocked(ctx context.Context, id int64, reason string) error
}

// Dispatcher is the part of dispatch.Dispatcher the loop drives.
type Dispatcher interface {
	Subscribe(id int64, cfg *model.Config) (bool, error)
	Unsubscribe(id int64)
	Forget(id int64)
	Notify(id int64, msg message.Message) error
	Live(id int64) bool
}

// ValidationError explains why a configuration was rejected.
type ValidationError struct {
	Subscriber int64
	Field      string
	Reason     string
	Err        error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Field != "":
		return e.Field + ": " + e.Reason
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Entry is the last outcome recorded for a subscriber.
type Entry struct {
	State    State     `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Since    time.Time `json:"since"`
	Failures int       `json:"failures,omitempty"`
}

// Options tunes a Loop.
type Options struct {
	Interval   time.Duration
	FullEvery  int
	FloodLimit int
	Metrics    metrics.Collector
	Logger     *slog.Logger
	Now        func() time.Time
}

// Loop reconciles subscribers periodically and on demand.
type Loop struct {
	src  Source
	disp Dispatcher
	opts Options
	log  *slog.Logger

	cities atomic.Pointer[model.Cities]
	reload singleflight.Group

	// sweep serializes ticks and reloads that write entries of many ids.
	sweep sync.Mutex
	ticks int
	since time.Time

	mu      sync.Mutex
	entries map[int64]Entry

	ready     chan struct{}
	readyOnce sync.Once
}

// New returns a Loop.
func New(src Source, disp Dispatcher, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FullEvery <= 0 {
		opts.FullEvery = DefaultFullEvery
	}
	if opts.FloodLimit <= 0 {
		opts.FloodLimit = DefaultFloodLimit
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{
		src:     src,
		disp:    disp,
		opts:    opts,
		log:     opts.Logger.With("component", "reconcile"),
		entries: make(map[int64]Entry),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once a pass of Run has completed successfully.
func (l *Loop) Ready() <-chan struct{} { return l.ready }

// Run ticks until ctx is done. The first tick is a full resync and runs
// immediately. A failed tick is retried on the next interval.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() == nil {
				l.log.Warn("reconcile tick failed", "error", err)
			}
		} else {
			l.readyOnce.Do(func() { close(l.ready) })
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one reconcile pass. Every FullEvery-th successful pass, and every
// pass until one has succeeded, reloads every subscriber and forgets those
// gone from the source. A failed pass does not advance the schedule.
func (l *Loop) Tick(ctx context.Context) error {
	l.sweep.Lock()
	defer l.sweep.Unlock()

	start := l.opts.Now()
	full := l.since.IsZero() || l.ticks%l.opts.FullEvery == 0

	cities, err := l.src.Cities(ctx)
	if err != nil {
		return fmt.Errorf("load cities: %w", err)
	}
	l.cities.Store(&cities)

	var recs []model.SubscriberRecord
	if full {
		recs, err = l.src.Subscribers(ctx)
	} else {
		recs, err = l.src.ChangedSince(ctx, l.since)
	}
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}

	seen := make(map[int64]struct{}, len(recs))
	for _, rec := range recs {
		seen[rec.ID] = struct{}{}
		l.apply(rec, false)
	}
	if full {
		for _, id := range l.known() {
			if _, ok := seen[id]; !ok {
				l.forget(id)
			}
		}
	}

	l.since = start
	l.ticks++
	d := l.opts.Now().Sub(start)
	l.opts.Metrics.ReconcileCompleted(full, d)
	l.log.Debug("reconcile tick", "full", full, "records", len(recs), "duration", d)
	return nil
}

// Reload reconciles one subscriber at its own request and tells it the
// outcome. Concurrent reloads of the same id share one pass.
func (l *Loop) Reload(ctx context.Context, id int64) (State, error) {
	v, err, _ := l.reload.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return l.reloadOne(ctx, id)
	})
	return v.(State), err
}

func (l *Loop) reloadOne(ctx context.Context, id int64) (State, error) {
	l.sweep.Lock()
	defer l.sweep.Unlock()

	if l.cities.Load() == nil {
		cities, err := l.src.Cities(ctx)
		if err != nil {
			return l.fail(id, fmt.Errorf("load cities: %w", err)), err
		}
		l.cities.Store(&cities)
	}

	rec, ok, err := l.src.Subscriber(ctx, id)
	if err != nil {
		err = fmt.Errorf("load subscriber %d: %w", id, err)
		return l.fail(id, err), err
	}
	if !ok {
		l.forget(id)
		l.notify(id, message.NewNotice(message.LevelError, "you are not registered"))
		return Unloaded, nil
	}
	return l.apply(rec, true), nil
}

// Blocked records that the transport can no longer reach id.
func (l *Loop) Blocked(id int64, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.src.MarkBlocked(ctx, id, cause.Error()); err != nil {
		l.log.Error("mark subscriber blocked", "subscriber", id, "error", err)
	}
	l.disp.Unsubscribe(id)
	l.set(id, Entry{State: Disabled, Reason: "unreachable"})
	l.log.Info("subscriber blocked", "subscriber", id, "error", cause)
}

// Entries returns a copy of every recorded outcome.
func (l *Loop) Entries() map[int64]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int64]Entry, len(l.entries))
	for id, e := range l.entries {
		out[id] = e
	}
	return out
}

// Entry returns the outcome recorded for id.
func (l *Loop) Entry(id int64) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		return e
	}
	return Entry{State: Unloaded}
}

// Cities returns the current city snapshot.
func (l *Loop) Cities() model.Cities {
	if c := l.cities.Load(); c != nil {
		return *c
	}
	return nil
}

func (l *Loop) apply(rec model.SubscriberRecord, explicit bool) State {
	id := rec.ID
	prev := l.Entry(id)
	l.set(id, Entry{State: Validating, Since: prev.Since, Failures: prev.Failures})

	cfg, state, verr := l.validate(rec)
	entry := Entry{State: state}
	if verr != nil {
		entry.Reason = verr.Error()
	}

	switch state {
	case Subscribed:
		started, err := l.disp.Subscribe(id, cfg)
		if err != nil {
			entry = Entry{State: Error, Reason: err.Error()}
			l.log.Error("subscribe", "subscriber", id, "error", err)
			if explicit {
				l.notify(id, message.NewNotice(message.LevelError, "could not load your configuration, try again later"))
			}
			break
		}
		if started {
			l.log.Info("subscriber subscribed", "subscriber", id)
		}
		if explicit {
			l.notify(id, message.NewNotice(message.LevelInfo, "Configuration loaded"))
		}

	case Invalid:
		entry.Failures = prev.Failures + 1
		if l.disp.Live(id) && entry.Failures < MaxFailures {
			l.log.Warn("invalid configuration, keeping previous", "subscriber", id, "error", verr)
		} else {
			l.disp.Unsubscribe(id)
			l.log.Info("invalid configuration", "subscriber", id, "error", verr)
		}
		if explicit {
			l.notify(id, message.NewNotice(message.LevelError, "invalid configuration: %s", entry.Reason))
		}

	case Disabled:
		l.disp.Unsubscribe(id)
		if explicit {
			l.notify(id, message.NewNotice(message.LevelInfo, "Notifications are off: %s", entry.Reason))
		}

	case Flooding:
		l.disp.Unsubscribe(id)
		if prev.State != Flooding || explicit {
			l.notify(id, message.NewNotice(message.LevelWarning,
				"more than %d notifications in the last hour, notifications are paused. Tighten your filters and reload.", l.opts.FloodLimit))
		}
		l.log.Warn("subscriber flooding", "subscriber", id, "sent_last_hour", rec.SentLastHour)
	}

	if entry.State == prev.State {
		entry.Since = prev.Since
	}
	l.set(id, entry)
	l.opts.Metrics.ReconcileTransition(string(entry.State))
	return entry.State
}

func (l *Loop) validate(rec model.SubscriberRecord) (*model.Config, State, error) {
	now := l.opts.Now()
	disabled := func(reason string) (*model.Config, State, error) {
		return nil, Disabled, &ValidationError{Subscriber: rec.ID, Reason: reason}
	}
	invalid := func(field, reason string, err error) (*model.Config, State, error) {
		return nil, Invalid, &ValidationError{Subscriber: rec.ID, Field: field, Reason: reason, Err: err}
	}

	switch {
	case rec.Status != "" && rec.Status != model.StatusActive:
		return disabled("account " + rec.Status)
	case !rec.Enabled:
		return disabled("notifications disabled")
	case !rec.CityExpires.IsZero() && !rec.CityExpires.After(now):
		return disabled("city membership expired")
	}

	cfg, err := model.ParseConfig(rec.Config)
	if err != nil {
		var fe *model.FieldError
		if errors.As(err, &fe) {
			return invalid(fe.Field, fe.Reason, err)
		}
		return invalid("", "", err)
	}
	if !cfg.Enabled {
		return disabled("configuration disabled")
	}
	if cfg.Expires != nil && !cfg.Expires.After(now) {
		return disabled("configuration expired")
	}

	cities := l.Cities()
	city, ok := cities[rec.CityID]
	if !ok {
		return invalid("city", fmt.Sprintf("unknown city %d", rec.CityID), nil)
	}
	if !city.Expires.IsZero() && !city.Expires.After(now) {
		return disabled("city " + city.Name + " expired")
	}

	for _, p := range []struct {
		field string
		pt    *model.Point
	}{
		{"locations.creature", cfg.Locations.Creature},
		{"locations.raid", cfg.Locations.Raid},
		{"locations.challenge", cfg.Locations.Challenge},
		{"locations.incident", cfg.Locations.Incident},
	} {
		if p.pt != nil && !geo.Contains(city, p.pt.Lat, p.pt.Lon) {
			return invalid(p.field, "outside "+city.Name, nil)
		}
	}
	if o := cfg.Locations.Override; o.ActiveAt(now) && !insideAny(cities, o.Lat, o.Lon) {
		return invalid("locations.override", "outside every known city", nil)
	}

	if rec.SentLastHour > l.opts.FloodLimit {
		return cfg, Flooding, &ValidationError{
			Subscriber: rec.ID,
			Reason:     fmt.Sprintf("%d notifications in the last hour", rec.SentLastHour),
		}
	}
	return cfg, Subscribed, nil
}

func insideAny(cities model.Cities, lat, lon float64) bool {
	for _, c := range cities {
		if geo.Contains(c, lat, lon) {
			return true
		}
	}
	return false
}

// fail records a storage failure on an explicit reload. A live
// subscription keeps running with its previous configuration.
func (l *Loop) fail(id int64, err error) State {
	l.log.Error("reload failed", "subscriber", id, "error", err)
	if !l.disp.Live(id) {
		l.set(id, Entry{State: Error, Reason: err.Error()})
	}
	l.opts.Metrics.ReconcileTransition(string(Error))
	l.notify(id, message.NewNotice(message.LevelError, "could not load your configuration, try again later"))
	return Error
}

func (l *Loop) forget(id int64) {
	l.disp.Forget(id)
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
	l.log.Info("subscriber removed", "subscriber", id)
}

func (l *Loop) known() []int64 {
	l.mu.Lock()
	ids := make([]int64, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Loop) set(id int64, e Entry) {
	if e.Since.IsZero() {
		e.Since = l.opts.Now()
	}
	l.mu.Lock()
	l.entries[id] = e
	l.mu.Unlock()
}

func (l *Loop) notify(id int64, msg message.Message) {
	if err := l.disp.Notify(id, msg); err != nil {
		l.log.Warn("notify", "subscriber", id, "error", err)
	}
}
