package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type sent struct {
	id  int64
	msg int
	at  time.Time
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
	errs []error
}

func (r *recorder) send(ctx context.Context, id int64, msg int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{id: id, msg: msg, at: time.Now()})
	return nil
}

func (r *recorder) result(id int64, msg int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recorder) snapshot() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func start(t *testing.T, th *Throttle[int]) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- th.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
}

func TestPerSubscriberCeiling(t *testing.T) {
	rec := &recorder{}
	th := New[int](rec.send, rec.result, Options{PerSubscriber: 20, Global: 1000})
	start(t, th)

	th.Add(1)
	for i := 0; i < 5; i++ {
		require.NoError(t, th.Enqueue(1, i))
	}
	require.Eventually(t, func() bool { return rec.count() == 5 }, 2*time.Second, 5*time.Millisecond)

	got := rec.snapshot()
	for i, s := range got {
		assert.Equal(t, i, s.msg, "order preserved")
	}
	// Four intervals at 20/s take at least 200ms, allow some timer slack.
	assert.GreaterOrEqual(t, got[4].at.Sub(got[0].at), 180*time.Millisecond)
}

func TestGlobalCeiling(t *testing.T) {
	rec := &recorder{}
	th := New[int](rec.send, rec.result, Options{PerSubscriber: 1000, Global: 50})
	start(t, th)

	for id := int64(1); id <= 10; id++ {
		th.Add(id)
	}
	for id := int64(1); id <= 10; id++ {
		for i := 0; i < 2; i++ {
			require.NoError(t, th.Enqueue(id, i))
		}
	}
	require.Eventually(t, func() bool { return rec.count() == 20 }, 3*time.Second, 5*time.Millisecond)

	got := rec.snapshot()
	// 19 intervals at 50/s take at least 380ms.
	assert.GreaterOrEqual(t, got[19].at.Sub(got[0].at), 340*time.Millisecond)

	last := map[int64]int{}
	for _, s := range got {
		prev, seen := last[s.id]
		if seen {
			assert.Greater(t, s.msg, prev, "subscriber %d reordered", s.id)
		}
		last[s.id] = s.msg
	}
	assert.Len(t, last, 10)
}

func TestRoundRobin(t *testing.T) {
	rec := &recorder{}
	th := New[int](rec.send, rec.result, Options{PerSubscriber: 1000, Global: 40})
	th.Add(1)
	th.Add(2)
	for i := 0; i < 10; i++ {
		require.NoError(t, th.Enqueue(1, i))
	}
	require.NoError(t, th.Enqueue(2, 100))
	start(t, th)

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	got := rec.snapshot()[:3]
	var served bool
	for _, s := range got {
		if s.id == 2 {
			served = true
		}
	}
	assert.True(t, served, "busy subscriber starved the other: %+v", got)
}

func TestEnqueueErrors(t *testing.T) {
	rec := &recorder{}
	th := New[int](rec.send, rec.result, Options{QueueSize: 2})

	assert.ErrorIs(t, th.Enqueue(9, 1), ErrUnknownQueue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, th.Run(ctx), context.Canceled)

	// Registry calls do not block once the scheduler has stopped.
	th.Add(1)
	require.NoError(t, th.Enqueue(1, 1))
	require.NoError(t, th.Enqueue(1, 2))
	assert.ErrorIs(t, th.Enqueue(1, 3), ErrQueueFull)
	assert.Equal(t, 2, th.Pending(1))

	th.Remove(1)
	assert.ErrorIs(t, th.Enqueue(1, 4), ErrUnknownQueue)
	assert.Zero(t, th.Pending(1))
}

func TestSendErrorsAreReportedNotRetried(t *testing.T) {
	boom := errors.New("boom")
	var (
		mu       sync.Mutex
		attempts int
		results  []error
	)
	send := func(ctx context.Context, id int64, msg int) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return boom
	}
	result := func(id int64, msg int, err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, err)
	}
	th := New[int](send, result, Options{PerSubscriber: rate.Limit(100), Global: 100})
	start(t, th)
	th.Add(1)
	require.NoError(t, th.Enqueue(1, 1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, results[0], boom)
}

func TestOneInFlightPerSubscriber(t *testing.T) {
	release := make(chan struct{})
	var (
		mu     sync.Mutex
		active int
		peak   int
		done   int
	)
	send := func(ctx context.Context, id int64, msg int) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		done++
		mu.Unlock()
		return nil
	}
	th := New[int](send, nil, Options{PerSubscriber: 1000, Global: 1000})
	start(t, th)
	th.Add(1)
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Enqueue(1, i))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, peak)
}
