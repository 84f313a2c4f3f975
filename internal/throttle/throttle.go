// Package throttle bounds outbound notification rate per subscriber and
// across all subscribers.
//
// Every subscriber owns a FIFO queue with its own limiter. A single scheduler
// goroutine serves ready queues round-robin and takes a token from the global
// limiter before each send. At most one send per subscriber is in flight, so
// per-subscriber order is preserved; sends for different subscribers run
// concurrently.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUnknownQueue is returned by Enqueue for a subscriber without a queue.
	ErrUnknownQueue = errors.New("throttle: unknown queue")
	// ErrQueueFull is returned by Enqueue when the subscriber's queue is at
	// capacity. The message is dropped.
	ErrQueueFull = errors.New("throttle: queue full")
)

// Defaults applied by New for zero Options fields.
const (
	DefaultPerSubscriber rate.Limit = 1
	DefaultGlobal        rate.Limit = 30
	DefaultQueueSize                = 64
)

// SendFunc delivers one message.
type SendFunc[M any] func(ctx context.Context, id int64, msg M) error

// ResultFunc observes the outcome of every send. The throttle never retries.
type ResultFunc[M any] func(id int64, msg M, err error)

// Options tunes a Throttle.
type Options struct {
	PerSubscriber rate.Limit
	Global        rate.Limit
	QueueSize     int
}

// Throttle schedules sends. Create it with New and drive it with Run.
type Throttle[M any] struct {
	send   SendFunc[M]
	result ResultFunc[M]
	opts   Options
	global *rate.Limiter

	mu     sync.Mutex
	queues map[int64]*queue[M]

	control chan controlOp[M]
	wake    chan struct{}
	done    chan struct{}
	stop    sync.Once
}

type queue[M any] struct {
	id      int64
	limiter *rate.Limiter

	mu       sync.Mutex
	items    []M
	inflight bool
	removed  bool
}

type controlOp[M any] struct {
	q      *queue[M]
	remove bool
}

// New returns a Throttle calling send for each scheduled message and result
// with its outcome. result may be nil.
func New[M any](send SendFunc[M], result ResultFunc[M], opts Options) *Throttle[M] {
	if opts.PerSubscriber == 0 {
		opts.PerSubscriber = DefaultPerSubscriber
	}
	if opts.Global == 0 {
		opts.Global = DefaultGlobal
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if result == nil {
		result = func(int64, M, error) {}
	}
	return &Throttle[M]{
		send:    send,
		result:  result,
		opts:    opts,
		global:  rate.NewLimiter(opts.Global, 1),
		queues:  make(map[int64]*queue[M]),
		control: make(chan controlOp[M], 64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Add registers a queue for id. Adding an existing id is a no-op.
func (t *Throttle[M]) Add(id int64) {
	t.mu.Lock()
	if _, ok := t.queues[id]; ok {
		t.mu.Unlock()
		return
	}
	q := &queue[M]{id: id, limiter: rate.NewLimiter(t.opts.PerSubscriber, 1)}
	t.queues[id] = q
	t.mu.Unlock()
	t.post(controlOp[M]{q: q})
}

// Remove drops the queue for id and every message still waiting in it.
// A send already in flight completes.
func (t *Throttle[M]) Remove(id int64) {
	t.mu.Lock()
	q, ok := t.queues[id]
	delete(t.queues, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.removed = true
	q.items = nil
	q.mu.Unlock()
	t.post(controlOp[M]{q: q, remove: true})
}

func (t *Throttle[M]) post(op controlOp[M]) {
	select {
	case t.control <- op:
	case <-t.done:
	}
}

// Enqueue appends msg to the queue of id.
func (t *Throttle[M]) Enqueue(id int64, msg M) error {
	t.mu.Lock()
	q, ok := t.queues[id]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownQueue
	}

	q.mu.Lock()
	if q.removed {
		q.mu.Unlock()
		return ErrUnknownQueue
	}
	if len(q.items) >= t.opts.QueueSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	t.signal()
	return nil
}

// Pending returns the number of messages waiting for id.
func (t *Throttle[M]) Pending(id int64) int {
	t.mu.Lock()
	q, ok := t.queues[id]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (t *Throttle[M]) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run schedules sends until ctx is done. Sends in flight when Run returns
// receive a cancelled context.
func (t *Throttle[M]) Run(ctx context.Context) error {
	defer t.stop.Do(func() { close(t.done) })
	var (
		ring  []*queue[M]
		next  int
		timer = time.NewTimer(time.Hour)
	)
	defer timer.Stop()

	apply := func(op controlOp[M]) {
		if !op.remove {
			ring = append(ring, op.q)
			return
		}
		for i, q := range ring {
			if q == op.q {
				ring = append(ring[:i], ring[i+1:]...)
				if next > i {
					next--
				}
				break
			}
		}
	}

	for {
		// Apply pending registry changes without blocking.
	drain:
		for {
			select {
			case op := <-t.control:
				apply(op)
			default:
				break drain
			}
		}

		now := time.Now()
		pick, delay := -1, time.Duration(-1)
		for n := 0; n < len(ring); n++ {
			i := (next + n) % len(ring)
			d, ok := ring[i].readyIn(now)
			if !ok {
				continue
			}
			if d == 0 {
				pick = i
				break
			}
			if delay < 0 || d < delay {
				delay = d
			}
		}

		if pick >= 0 {
			if err := t.global.Wait(ctx); err != nil {
				return err
			}
			q := ring[pick]
			next = (pick + 1) % len(ring)
			if msg, ok := q.take(time.Now()); ok {
				go t.deliver(ctx, q, msg)
			}
			continue
		}

		if delay < 0 {
			delay = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-t.control:
			apply(op)
		case <-t.wake:
		case <-timer.C:
		}
	}
}

func (t *Throttle[M]) deliver(ctx context.Context, q *queue[M], msg M) {
	err := t.send(ctx, q.id, msg)
	t.result(q.id, msg, err)
	q.mu.Lock()
	q.inflight = false
	q.mu.Unlock()
	t.signal()
}

// readyIn reports whether q has work it can start, and how long until its
// limiter permits the next send.
func (q *queue[M]) readyIn(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removed || q.inflight || len(q.items) == 0 {
		return 0, false
	}
	if q.limiter.Limit() == rate.Inf {
		return 0, true
	}
	tokens := q.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0, true
	}
	limit := float64(q.limiter.Limit())
	if limit <= 0 {
		return time.Hour, true
	}
	d := time.Duration((1 - tokens) / limit * float64(time.Second))
	if d <= 0 {
		d = time.Millisecond
	}
	return d, true
}

// take pops the head message and marks the queue in flight.
func (q *queue[M]) take(now time.Time) (M, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero M
	if q.removed || q.inflight || len(q.items) == 0 || !q.limiter.AllowN(now, 1) {
		return zero, false
	}
	msg := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.inflight = true
	return msg, true
}
