// Package dispatch runs one pipeline per live subscription. Each pipeline
// reads events from the broadcast bus, filters them against the subscriber's
// configuration, renders the artifact and hands the message to the delivery
// throttle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/bus"
	"github.com/nappa85/Pokifications-sub000/internal/filter"
	"github.com/nappa85/Pokifications-sub000/internal/message"
	"github.com/nappa85/Pokifications-sub000/internal/metrics"
	"github.com/nappa85/Pokifications-sub000/internal/model"
	"github.com/nappa85/Pokifications-sub000/internal/render"
	"github.com/nappa85/Pokifications-sub000/internal/throttle"
	"github.com/nappa85/Pokifications-sub000/internal/transport"
)

var (
	// ErrClosed is returned once the dispatcher has stopped.
	ErrClosed = errors.New("dispatch: closed")
	// ErrNotSubscribed is returned for operations that need a live subscription.
	ErrNotSubscribed = errors.New("dispatch: subscriber has no live subscription")
)

// Artifacts resolves rendered images.
type Artifacts interface {
	Get(ctx context.Context, spec render.Spec) ([]byte, error)
}

// Recorder persists successful deliveries.
type Recorder interface {
	RecordDelivery(ctx context.Context, d model.Delivery) error
}

// Outgoing is a message waiting in the throttle with its rendered image.
type Outgoing struct {
	Message message.Message
	Image   []byte
}

// Options configures a Dispatcher. Transport is required.
type Options struct {
	Capacity  int
	Throttle  throttle.Options
	Artifacts Artifacts
	Transport transport.Transport
	Recorder  Recorder
	Metrics   metrics.Collector
	Logger    *slog.Logger
	Now       func() time.Time
}

// Dispatcher owns the broadcast bus, the registry and the live subscriptions.
type Dispatcher struct {
	bus       *bus.Bus[model.Event]
	registry  *Registry
	throttle  *throttle.Throttle[Outgoing]
	artifacts Artifacts
	transport transport.Transport
	recorder  Recorder
	metrics   metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	subs        map[int64]*subscription
	watches     map[watchKey]*watch
	unreachable func(id int64, err error)
	closed      bool
}

type subscription struct {
	id     int64
	handle *bus.Handle[model.Event]
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Dispatcher. Call Run to start deliveries.
func New(opts Options) *Dispatcher {
	if opts.Capacity <= 0 {
		opts.Capacity = bus.DefaultCapacity
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

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		bus:       bus.New[model.Event](opts.Capacity),
		registry:  NewRegistry(),
		artifacts: opts.Artifacts,
		transport: opts.Transport,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "dispatch"),
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[int64]*subscription),
		watches:   make(map[watchKey]*watch),
	}
	d.throttle = throttle.New(d.send, d.result, opts.Throttle)
	return d
}

// Registry returns the configuration registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// OnUnreachable sets the handler called when the transport reports a
// subscriber as unreachable. It must be set before Run.
func (d *Dispatcher) OnUnreachable(fn func(id int64, err error)) {
	d.mu.Lock()
	d.unreachable = fn
	d.mu.Unlock()
}

// Run drives the delivery throttle until ctx is done, then stops every
// subscription.
func (d *Dispatcher) Run(ctx context.Context) error {
	err := d.throttle.Run(ctx)
	d.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	for k, w := range d.watches {
		w.timer.Stop()
		delete(d.watches, k)
	}
	d.mu.Unlock()

	d.cancel()
	d.bus.Close()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Publish hands ev to every live subscription.
func (d *Dispatcher) Publish(ev model.Event) {
	delivered, dropped := d.bus.Publish(ev)
	d.metrics.EventPublished(delivered, dropped)
}

// Subscribe stores cfg for id and starts its pipeline. When id already has a
// live subscription only the configuration is replaced. It reports whether a
// new subscription was started.
func (d *Dispatcher) Subscribe(id int64, cfg *model.Config) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}

	d.registry.Set(id, cfg)
	if _, ok := d.subs[id]; ok {
		return false, nil
	}

	ctx, cancel := context.WithCancel(d.ctx)
	s := &subscription{
		id:     id,
		handle: d.bus.Subscribe(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.subs[id] = s
	d.throttle.Add(id)
	d.metrics.SubscriptionsActive(len(d.subs))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.work(ctx, s)
	}()
	d.logger.Debug("subscription started", "subscriber", id)
	return true, nil
}

// Unsubscribe stops the pipeline of id and drops its queued messages. The
// configuration stays in the registry. Unsubscribing an id without a live
// subscription only drops its queue.
func (d *Dispatcher) Unsubscribe(id int64) {
	d.mu.Lock()
	s, ok := d.subs[id]
	delete(d.subs, id)
	for k, w := range d.watches {
		if k.subscriber == id {
			w.timer.Stop()
			delete(d.watches, k)
		}
	}
	n := len(d.subs)
	// Removed under mu so a concurrent Subscribe cannot re-add the queue
	// before this removal lands.
	d.throttle.Remove(id)
	d.mu.Unlock()

	if !ok {
		return
	}
	s.cancel()
	d.bus.Unsubscribe(s.handle)
	d.metrics.SubscriptionsActive(n)
	d.logger.Debug("subscription stopped", "subscriber", id)
}

// Forget stops id and removes its configuration.
func (d *Dispatcher) Forget(id int64) {
	d.Unsubscribe(id)
	d.registry.Delete(id)
}

// Live reports whether id has a running pipeline.
func (d *Dispatcher) Live(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subs[id]
	return ok
}

// Subscriptions returns the ids with a running pipeline.
func (d *Dispatcher) Subscriptions() []int64 {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	return ids
}

// Notify queues a service message for id. Subscribers without a live
// subscription get a queue on demand so the message still goes through the
// rate limits.
func (d *Dispatcher) Notify(id int64, msg message.Message) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	d.throttle.Add(id)
	return d.enqueue(id, Outgoing{Message: msg})
}

func (d *Dispatcher) enqueue(id int64, out Outgoing) error {
	err := d.throttle.Enqueue(id, out)
	switch {
	case errors.Is(err, throttle.ErrQueueFull):
		d.metrics.MessageSent(string(out.Message.Kind()), "dropped")
		d.logger.Warn("delivery queue full", "subscriber", id, "kind", out.Message.Kind())
	case err != nil:
		d.logger.Debug("enqueue after teardown", "subscriber", id, "error", err)
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, s *subscription) {
	defer close(s.done)
	for {
		ev, err := s.handle.Recv(ctx)
		var lag *bus.LagError
		switch {
		case errors.As(err, &lag):
			d.metrics.LagNotice(lag.Missed)
			d.logger.Warn("subscriber lagging", "subscriber", s.id, "missed", lag.Missed)
			_ = d.enqueue(s.id, Outgoing{Message: &message.Lag{Missed: lag.Missed}})
			continue
		case err != nil:
			return
		}
		d.process(ctx, s.id, ev)
	}
}

func (d *Dispatcher) process(ctx context.Context, id int64, ev model.Event) {
	cfg, ok := d.registry.Config(id)
	if !ok {
		return
	}
	now := d.now()
	dec := filter.Evaluate(cfg, ev, now)
	d.metrics.FilterDecision(ev.Kind().String(), dec.Accepted)
	if !dec.Accepted {
		if cfg.Debug {
			d.logger.Debug("event rejected", "subscriber", id, "kind", ev.Kind(), "reason", dec.Reason)
		}
		return
	}

	msg := message.ForEvent(message.Context{
		Subscriber: id,
		MapLink:    cfg.MapLink,
		Location:   cfg.Location(),
		Now:        now,
	}, ev, dec.Payload)
	if msg == nil {
		return
	}

	out := Outgoing{Message: msg}
	if spec, ok := render.SpecFor(msg); ok && d.artifacts != nil {
		start := time.Now()
		img, err := d.artifacts.Get(ctx, spec)
		d.metrics.RenderCompleted(time.Since(start), err)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			d.logger.Warn("render failed, sending text", "subscriber", id, "key", spec.Key, "error", err)
		default:
			out.Image = img
		}
	}
	_ = d.enqueue(id, out)
}

func (d *Dispatcher) send(ctx context.Context, id int64, out Outgoing) error {
	m := out.Message
	if out.Image != nil {
		return d.transport.SendImage(ctx, id, out.Image, m.Caption(), m.Action())
	}
	return d.transport.SendText(ctx, id, m.Caption(), m.Action())
}

func (d *Dispatcher) result(id int64, out Outgoing, err error) {
	kind := string(out.Message.Kind())
	switch {
	case err == nil:
		d.metrics.MessageSent(kind, "sent")
		if out.Message.Counted() && d.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if rerr := d.recorder.RecordDelivery(ctx, model.Delivery{SubscriberID: id, Kind: kind, SentAt: d.now().UTC()}); rerr != nil {
				d.logger.Error("record delivery", "subscriber", id, "error", rerr)
			}
		}
	case errors.Is(err, transport.ErrUnreachable):
		d.metrics.MessageSent(kind, "unreachable")
		d.logger.Warn("subscriber unreachable", "subscriber", id, "error", err)
		d.mu.Lock()
		fn := d.unreachable
		d.mu.Unlock()
		if fn != nil {
			fn(id, err)
		} else {
			d.Unsubscribe(id)
		}
	case errors.Is(err, context.Canceled):
	default:
		d.metrics.MessageSent(kind, "failed")
		d.logger.Warn("send failed", "subscriber", id, "kind", kind, "error", fmt.Errorf("deliver: %w", err))
	}
}
