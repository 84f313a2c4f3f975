package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nappa85/Pokifications-sub000/internal/message"
	"github.com/nappa85/Pokifications-sub000/internal/model"
	"github.com/nappa85/Pokifications-sub000/internal/store"
)

var (
	now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	varese = &model.City{ID: 1, Name: "Varese", Polygon: []model.LatLon{
		{Lat: 45.5, Lon: 8.6}, {Lat: 45.5, Lon: 9.0}, {Lat: 45.9, Lon: 9.0}, {Lat: 45.9, Lon: 8.6},
	}}
	milano = &model.City{ID: 2, Name: "Milano", Polygon: []model.LatLon{
		{Lat: 45.3, Lon: 9.0}, {Lat: 45.3, Lon: 9.4}, {Lat: 45.6, Lon: 9.4}, {Lat: 45.6, Lon: 9.0},
	}}
)

func blob(point string, extra string) []byte {
	return []byte(fmt.Sprintf(`{
		"enabled": true,
		"time": {"windows": [{"from": "08:00", "to": "22:00"}]},
		"locations": {"creature": %s%s},
		"creature": {"enabled": true, "filter": {"quality": 90}}
	}`, point, extra))
}

var inside = `{"lat": 45.654, "lon": 8.7878, "radius": 5}`

func record(id int64, cfg []byte) model.SubscriberRecord {
	return model.SubscriberRecord{ID: id, Enabled: true, Config: cfg, Status: model.StatusActive, CityID: 1}
}

type fakeSource struct {
	mu      sync.Mutex
	recs    map[int64]model.SubscriberRecord
	cities  model.Cities
	blocked map[int64]string
	err     error
	loads   atomic.Int32
	gate    chan struct{}
	stamp   time.Duration

	// citiesFail makes that many Cities calls fail.
	citiesFail  atomic.Int32
	citiesCalls atomic.Int32
}

func newSource(recs ...model.SubscriberRecord) *fakeSource {
	s := &fakeSource{
		recs:    make(map[int64]model.SubscriberRecord),
		cities:  model.Cities{1: varese, 2: milano},
		blocked: make(map[int64]string),
	}
	for _, r := range recs {
		s.recs[r.ID] = r
	}
	return s
}

// put stores r as updated after the loop clock, so incremental ticks see it.
func (s *fakeSource) put(r model.SubscriberRecord) {
	s.mu.Lock()
	s.stamp += time.Second
	r.UpdatedAt = now.Add(s.stamp)
	s.recs[r.ID] = r
	s.mu.Unlock()
}

func (s *fakeSource) drop(id int64) {
	s.mu.Lock()
	delete(s.recs, id)
	s.mu.Unlock()
}

func (s *fakeSource) Subscribers(ctx context.Context) ([]model.SubscriberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.SubscriberRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeSource) Subscriber(ctx context.Context, id int64) (model.SubscriberRecord, bool, error) {
	s.loads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return model.SubscriberRecord{}, false, s.err
	}
	r, ok := s.recs[id]
	return r, ok, nil
}

func (s *fakeSource) ChangedSince(ctx context.Context, t time.Time) ([]model.SubscriberRecord, error) {
	all, err := s.Subscribers(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.SubscriberRecord
	for _, r := range all {
		if r.UpdatedAt.After(t) {
			out = append(out, r)
		}
	}
	return out, nil
}

var errStorage = errors.New("storage unavailable")

func (s *fakeSource) Cities(ctx context.Context) (model.Cities, error) {
	s.citiesCalls.Add(1)
	if s.citiesFail.Add(-1) >= 0 {
		return nil, errStorage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cities, nil
}

func (s *fakeSource) MarkBlocked(ctx context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[id] = reason
	return nil
}

func (s *fakeSource) RecordDelivery(ctx context.Context, d model.Delivery) error { return nil }

type fakeDispatcher struct {
	mu         sync.Mutex
	live       map[int64]*model.Config
	configs    map[int64]*model.Config
	notices    map[int64][]string
	subscribes int
}

func newDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		live:    make(map[int64]*model.Config),
		configs: make(map[int64]*model.Config),
		notices: make(map[int64][]string),
	}
}

func (d *fakeDispatcher) Subscribe(id int64, cfg *model.Config) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs[id] = cfg
	_, ok := d.live[id]
	d.live[id] = cfg
	if !ok {
		d.subscribes++
	}
	return !ok, nil
}

func (d *fakeDispatcher) Unsubscribe(id int64) {
	d.mu.Lock()
	delete(d.live, id)
	d.mu.Unlock()
}

func (d *fakeDispatcher) Forget(id int64) {
	d.mu.Lock()
	delete(d.live, id)
	delete(d.configs, id)
	d.mu.Unlock()
}

func (d *fakeDispatcher) Notify(id int64, msg message.Message) error {
	d.mu.Lock()
	d.notices[id] = append(d.notices[id], msg.Caption())
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) Live(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[id]
	return ok
}

func (d *fakeDispatcher) noticesFor(id int64) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.notices[id]...)
}

func newLoop(src *fakeSource, disp *fakeDispatcher) *Loop {
	return New(src, disp, Options{FullEvery: 3, FloodLimit: 10, Now: func() time.Time { return now }})
}

func TestTickSubscribesValidConfig(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)

	require.NoError(t, l.Tick(context.Background()))
	assert.True(t, disp.Live(1))
	assert.Equal(t, Subscribed, l.Entry(1).State)
	assert.Empty(t, disp.noticesFor(1), "periodic sweeps stay silent")
	assert.Len(t, l.Cities(), 2)
}

func TestGeofenceMismatchIsInvalidWithoutSubscription(t *testing.T) {
	outside := `{"lat": 45.45, "lon": 9.2, "radius": 5}`
	src := newSource(record(1, blob(outside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)

	require.NoError(t, l.Tick(context.Background()))
	e := l.Entry(1)
	assert.Equal(t, Invalid, e.State)
	assert.Contains(t, e.Reason, "outside Varese")
	assert.False(t, disp.Live(1))
	assert.Zero(t, disp.subscribes)
	assert.Empty(t, disp.noticesFor(1))

	state, err := l.Reload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Invalid, state)
	assert.Zero(t, disp.subscribes)
	require.Len(t, disp.noticesFor(1), 1)
	assert.Contains(t, disp.noticesFor(1)[0], "Error: invalid configuration: locations.creature: outside Varese")
}

func TestOverrideMustLieInAnyCityWhileActive(t *testing.T) {
	active := fmt.Sprintf(`, "override": {"lat": 45.45, "lon": 9.2, "radius": 3, "expires": %q}`, now.Add(time.Hour).Format(time.RFC3339))
	stray := fmt.Sprintf(`, "override": {"lat": 10, "lon": 10, "radius": 3, "expires": %q}`, now.Add(time.Hour).Format(time.RFC3339))
	stale := fmt.Sprintf(`, "override": {"lat": 10, "lon": 10, "radius": 3, "expires": %q}`, now.Add(-time.Hour).Format(time.RFC3339))

	src := newSource(
		record(1, blob(inside, active)),
		record(2, blob(inside, stray)),
		record(3, blob(inside, stale)),
	)
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))

	assert.Equal(t, Subscribed, l.Entry(1).State, "override inside another city")
	assert.Equal(t, Invalid, l.Entry(2).State)
	assert.Equal(t, Subscribed, l.Entry(3).State, "expired override is ignored")
}

func TestMalformedConfigIsInvalid(t *testing.T) {
	src := newSource(record(1, []byte(`{"enabled": true, "surprise": 1}`)))
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))
	e := l.Entry(1)
	assert.Equal(t, Invalid, e.State)
	assert.Contains(t, e.Reason, "surprise")
}

func TestDisabledStates(t *testing.T) {
	banned := record(2, blob(inside, ""))
	banned.Status = model.StatusBanned
	off := record(3, blob(inside, ""))
	off.Enabled = false
	expired := record(4, blob(inside, ""))
	expired.CityExpires = now.Add(-time.Minute)

	src := newSource(banned, off, expired)
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))

	for _, id := range []int64{2, 3, 4} {
		assert.Equal(t, Disabled, l.Entry(id).State, "subscriber %d", id)
		assert.False(t, disp.Live(id))
		assert.Empty(t, disp.noticesFor(id))
	}
	assert.Equal(t, "account banned", l.Entry(2).Reason)

	state, err := l.Reload(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, Disabled, state)
	assert.Equal(t, []string{"Notifications are off: notifications disabled"}, disp.noticesFor(3))
}

func TestFloodingTearsDownAndWarnsOnce(t *testing.T) {
	rec := record(1, blob(inside, ""))
	src := newSource(rec)
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))
	require.True(t, disp.Live(1))

	rec.SentLastHour = 11
	src.put(rec)
	require.NoError(t, l.Tick(context.Background()))
	require.NoError(t, l.Tick(context.Background()))

	assert.Equal(t, Flooding, l.Entry(1).State)
	assert.False(t, disp.Live(1))
	_, kept := disp.configs[1]
	assert.True(t, kept, "config retained")
	notices := disp.noticesFor(1)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "Warning: more than 10 notifications")
}

func TestRevalidationKeepsSubscription(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))
	first := disp.configs[1]

	src.put(record(1, blob(inside, "")))
	require.NoError(t, l.Tick(context.Background()))
	assert.Equal(t, 1, disp.subscribes)
	assert.NotSame(t, first, disp.configs[1], "config replaced whole")

	state, err := l.Reload(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Subscribed, state)
	assert.Equal(t, []string{"Configuration loaded"}, disp.noticesFor(1))
}

func TestInvalidUpdateKeepsLiveSubscriptionOnce(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))

	src.put(record(1, []byte(`not json`)))
	require.NoError(t, l.Tick(context.Background()))
	assert.Equal(t, Invalid, l.Entry(1).State)
	assert.True(t, disp.Live(1))

	require.NoError(t, l.Tick(context.Background()))
	assert.False(t, disp.Live(1))
	assert.Equal(t, 2, l.Entry(1).Failures)
}

func TestFullResyncForgetsRemovedSubscribers(t *testing.T) {
	src := newSource(record(1, blob(inside, "")), record(2, blob(inside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))

	src.drop(2)
	// FullEvery is 3: ticks 2 and 3 are incremental, tick 4 is full.
	require.NoError(t, l.Tick(context.Background()))
	require.NoError(t, l.Tick(context.Background()))
	assert.True(t, disp.Live(2))

	require.NoError(t, l.Tick(context.Background()))
	assert.False(t, disp.Live(2))
	_, ok := disp.configs[2]
	assert.False(t, ok)
	assert.Equal(t, Unloaded, l.Entry(2).State)
	assert.True(t, disp.Live(1))
}

func TestReloadUnknownSubscriber(t *testing.T) {
	disp := newDispatcher()
	l := newLoop(newSource(), disp)
	state, err := l.Reload(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, Unloaded, state)
	assert.Equal(t, []string{"Error: you are not registered"}, disp.noticesFor(42))
}

func TestReloadStorageFailure(t *testing.T) {
	src := newSource()
	src.err = errors.New("database is locked")
	disp := newDispatcher()
	l := newLoop(src, disp)

	state, err := l.Reload(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, Error, state)
	assert.Equal(t, Error, l.Entry(5).State)
	assert.Len(t, disp.noticesFor(5), 1)

	assert.Error(t, l.Tick(context.Background()))
}

func TestConcurrentReloadsShareOnePass(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	src.gate = make(chan struct{})
	disp := newDispatcher()
	l := newLoop(src, disp)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := l.Reload(context.Background(), 1)
			assert.NoError(t, err)
			assert.Equal(t, Subscribed, state)
		}()
	}
	require.Eventually(t, func() bool { return src.loads.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.loads.Load())
	assert.Len(t, disp.noticesFor(1), 1)
}

func TestBlockedMarksSource(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))

	l.Blocked(1, errors.New("403 forbidden"))
	assert.False(t, disp.Live(1))
	assert.Equal(t, Disabled, l.Entry(1).State)
	assert.Equal(t, "403 forbidden", src.blocked[1])
}

func TestRunSignalsReadyAfterFirstPass(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-l.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("first pass did not complete")
	}
	assert.True(t, disp.Live(1))

	cancel()
	require.NoError(t, <-done)
}

func TestIncrementalTickLoadsOnlyChangedRecords(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	disp := newDispatcher()
	l := newLoop(src, disp)
	require.NoError(t, l.Tick(context.Background()))

	// Rewritten without touching its update time: incremental ticks skip it.
	src.mu.Lock()
	src.recs[1] = record(1, []byte(`not json`))
	src.mu.Unlock()
	src.put(record(2, blob(inside, "")))

	require.NoError(t, l.Tick(context.Background()))
	assert.True(t, disp.Live(2))
	assert.Equal(t, Subscribed, l.Entry(1).State)
}

func TestFailedFirstTickIsRetriedInFull(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	src.citiesFail.Store(1)
	disp := newDispatcher()
	l := newLoop(src, disp)

	require.ErrorIs(t, l.Tick(context.Background()), errStorage)
	assert.False(t, disp.Live(1))

	require.NoError(t, l.Tick(context.Background()))
	assert.True(t, disp.Live(1), "the retry is a full pass")
	assert.Equal(t, Subscribed, l.Entry(1).State)
}

// flakyStore fails the first Cities call of a real store.
type flakyStore struct {
	*store.Store
	fail atomic.Int32
}

func (s *flakyStore) Cities(ctx context.Context) (model.Cities, error) {
	if s.fail.Add(-1) >= 0 {
		return nil, errStorage
	}
	return s.Store.Cities(ctx)
}

func TestFirstPassRecoversAgainstStore(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "pokify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(ctx))
	require.NoError(t, db.UpsertCity(ctx, *varese))
	require.NoError(t, db.UpsertSubscriber(ctx, record(1, blob(inside, ""))))

	src := &flakyStore{Store: db}
	src.fail.Store(1)
	disp := newDispatcher()
	l := New(src, disp, Options{FullEvery: 10, FloodLimit: 10, Now: func() time.Time { return now }})

	require.ErrorIs(t, l.Tick(ctx), errStorage)
	require.NoError(t, l.Tick(ctx))
	assert.True(t, disp.Live(1))
	assert.Equal(t, Subscribed, l.Entry(1).State)

	require.NoError(t, l.Tick(ctx))
	assert.True(t, disp.Live(1))
}

func TestRunNotReadyAfterFailedPass(t *testing.T) {
	src := newSource(record(1, blob(inside, "")))
	src.citiesFail.Store(1)
	disp := newDispatcher()
	l := New(src, disp, Options{Interval: time.Hour, FullEvery: 3, Now: func() time.Time { return now }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return src.citiesCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	select {
	case <-l.Ready():
		t.Fatal("ready after a failed pass")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}
