package dispatch

import (
	"errors"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/message"
	"github.com/nappa85/Pokifications-sub000/internal/model"
)

// ErrNoWatch is returned by StopWatch when the encounter is not tracked.
var ErrNoWatch = errors.New("dispatch: encounter not tracked")

type watchKey struct {
	subscriber int64
	encounter  string
}

type watch struct {
	w     message.Watch
	timer *time.Timer
}

// StartWatch begins tracking the encounter encoded in tok. The subscriber is
// notified now and again when the encounter despawns.
func (d *Dispatcher) StartWatch(tok string) error {
	w, err := message.DecodeWatch(tok)
	if err != nil {
		return err
	}
	if !d.Live(w.Subscriber) {
		return ErrNotSubscribed
	}

	style, loc := d.presentation(w.Subscriber)
	until := w.ExpiresAt()
	left := until.Sub(d.now())
	if left <= 0 {
		return d.Notify(w.Subscriber, message.NewNotice(message.LevelWarning, "#%d has already despawned", w.Species))
	}

	key := watchKey{subscriber: w.Subscriber, encounter: w.Encounter}
	entry := &watch{w: w}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if old, ok := d.watches[key]; ok {
		old.timer.Stop()
	}
	entry.timer = time.AfterFunc(left, func() { d.expireWatch(key, entry) })
	d.watches[key] = entry
	d.mu.Unlock()

	return d.Notify(w.Subscriber, message.NewNotice(message.LevelInfo,
		"Tracking #%d until %s\n%s", w.Species, until.In(loc).Format("15:04:05"), message.MapLink(style, w.Lat, w.Lon)))
}

// StopWatch cancels tracking of one encounter.
func (d *Dispatcher) StopWatch(subscriber int64, encounter string) error {
	key := watchKey{subscriber: subscriber, encounter: encounter}
	d.mu.Lock()
	entry, ok := d.watches[key]
	if ok {
		entry.timer.Stop()
		delete(d.watches, key)
	}
	d.mu.Unlock()
	if !ok {
		return ErrNoWatch
	}
	return d.Notify(subscriber, message.NewNotice(message.LevelInfo, "Stopped tracking #%d", entry.w.Species))
}

// Watches returns the number of tracked encounters.
func (d *Dispatcher) Watches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watches)
}

func (d *Dispatcher) expireWatch(key watchKey, entry *watch) {
	d.mu.Lock()
	current, ok := d.watches[key]
	if !ok || current != entry {
		d.mu.Unlock()
		return
	}
	delete(d.watches, key)
	d.mu.Unlock()

	_ = d.Notify(key.subscriber, message.NewNotice(message.LevelInfo, "#%d has despawned", entry.w.Species))
}

func (d *Dispatcher) presentation(id int64) (string, *time.Location) {
	cfg, ok := d.registry.Config(id)
	if !ok {
		return model.MapLinkGoogle, time.UTC
	}
	return cfg.MapLink, cfg.Location()
}
