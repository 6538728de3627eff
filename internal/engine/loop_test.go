package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pricewatch/internal/feed"
	"pricewatch/internal/feed/feedtest"
	"pricewatch/internal/notify"
	"pricewatch/internal/prices"
	"pricewatch/internal/sink"
	"pricewatch/internal/symbol"
	"pricewatch/internal/watchlist"
)

const wait = 2 * time.Second

type inbox struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (i *inbox) Notify(_ context.Context, n notify.Notification) {
	i.mu.Lock()
	i.got = append(i.got, n)
	i.mu.Unlock()
}

func (i *inbox) all() []notify.Notification {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]notify.Notification(nil), i.got...)
}

type recordingStore struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingStore) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recordingStore) SaveInstrument(_ context.Context, w watchlist.WatchedInstrument) error {
	r.add("save " + w.Symbol)
	return nil
}

func (r *recordingStore) DeleteInstrument(_ context.Context, s string) error {
	r.add("delete " + s)
	return nil
}

func (r *recordingStore) SaveAlert(_ context.Context, s string, _ watchlist.Alert) error {
	r.add("alert " + s)
	return nil
}

func (r *recordingStore) MarkTriggered(_ context.Context, s string, _ float64) error {
	r.add("trigger " + s)
	return errors.New("disk full")
}

func (r *recordingStore) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type tickLog struct {
	mu   sync.Mutex
	recs []prices.Record
}

func (t *tickLog) OnTick(_ context.Context, _ feed.Tick, rec prices.Record) {
	t.mu.Lock()
	t.recs = append(t.recs, rec)
	t.mu.Unlock()
}

func (t *tickLog) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recs)
}

type harness struct {
	loop   *Loop
	model  *watchlist.Model
	prices *prices.Store
	inbox  *inbox
	stop   func()
}

func start(t *testing.T, f feed.Feed, opts Options) *harness {
	t.Helper()
	ps := prices.NewStore(symbol.Default)
	m := watchlist.NewModel(symbol.Default, ps)
	in := &inbox{}

	opts.Feed = f
	opts.Watchlist = m
	opts.Prices = ps
	opts.Notifier = in
	opts.Logger = zap.NewNop()
	l := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case <-errCh:
		case <-time.After(wait):
			t.Fatal("loop did not stop")
		}
	}
	t.Cleanup(stop)
	return &harness{loop: l, model: m, prices: ps, inbox: in, stop: stop}
}

func (h *harness) waitPrice(t *testing.T, sym string, p float64) prices.Record {
	t.Helper()
	var rec prices.Record
	require.Eventually(t, func() bool {
		r, ok := h.prices.Get(sym)
		rec = r
		return ok && r.Price == p
	}, wait, 5*time.Millisecond)
	return rec
}

func TestAAPLScenario(t *testing.T) {
	mock := feed.NewMock()
	h := start(t, mock, Options{})
	ctx := context.Background()

	_, added, err := h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL", Description: "APPLE INC"})
	require.NoError(t, err)
	require.True(t, added)
	_, err = h.loop.AddAlert(ctx, "AAPL", 150)
	require.NoError(t, err)

	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 148})
	rec := h.waitPrice(t, "AAPL", 148)
	assert.Equal(t, 0.0, rec.Percent)
	assert.Empty(t, h.inbox.all())

	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 151})
	rec = h.waitPrice(t, "AAPL", 151)
	assert.InDelta(t, 2.03, rec.Percent, 0.01)
	require.Len(t, h.inbox.all(), 1)
	assert.Equal(t, "AAPL reached $151.00", h.inbox.all()[0].Title)
	assert.Equal(t, "Your alert at $150.00 was triggered.", h.inbox.all()[0].Body)

	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 152})
	h.waitPrice(t, "AAPL", 152)
	assert.Len(t, h.inbox.all(), 1, "already triggered")

	w, _ := h.model.Get("AAPL")
	assert.True(t, w.Alerts[0].Triggered)
}

func TestWatchlistChangesDriveSync(t *testing.T) {
	mock := feed.NewMock()
	h := start(t, mock, Options{})
	ctx := context.Background()

	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "MSFT"})
	require.Eventually(t, func() bool {
		s := mock.Subscribed()
		return len(s) == 2
	}, wait, 5*time.Millisecond)
	assert.Equal(t, feed.Open, h.loop.ConnectionState())

	h.loop.RemoveInstrument(ctx, "AAPL")
	h.loop.RemoveInstrument(ctx, "MSFT")
	require.Eventually(t, func() bool {
		return h.loop.ConnectionState() == feed.Disconnected
	}, wait, 5*time.Millisecond)
	assert.False(t, h.loop.Wanted())
}

func TestRemoveThenReAddDoesNotStorm(t *testing.T) {
	srv := feedtest.NewServer(t)
	conn := feed.NewConnection(feed.Options{URL: srv.URL(), Token: "tok", TeardownTimeout: time.Second}, zap.NewNop())
	h := start(t, conn, Options{})
	ctx := context.Background()

	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "MSFT"})
	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	require.Eventually(t, func() bool { return len(conn.Subscribed()) == 2 }, wait, 5*time.Millisecond)

	h.loop.RemoveInstrument(ctx, "AAPL")
	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})

	aaplFrames := func() []string {
		var out []string
		for _, f := range srv.Frames() {
			if f.Symbol == "AAPL" {
				out = append(out, f.Type)
			}
		}
		return out
	}
	net := func(types []string) int {
		n := 0
		for _, typ := range types {
			if typ == "subscribe" {
				n++
			} else {
				n--
			}
		}
		return n
	}
	require.Eventually(t, func() bool {
		return net(aaplFrames()) == 1 && len(conn.Subscribed()) == 2
	}, wait, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	types := aaplFrames()
	assert.Equal(t, 1, net(types))
	for i := 1; i < len(types); i++ {
		require.NotEqual(t, types[i-1], types[i], "repeated %s for AAPL: %v", types[i], types)
	}
	assert.Equal(t, []string{"AAPL", "MSFT"}, conn.Subscribed())
	assert.Equal(t, 1, srv.Connections())
}

func TestTicksFromRealFeedReachPriceStore(t *testing.T) {
	srv := feedtest.NewServer(t)
	conn := feed.NewConnection(feed.Options{URL: srv.URL(), Token: "tok", TeardownTimeout: time.Second}, zap.NewNop())
	h := start(t, conn, Options{})
	ctx := context.Background()

	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	h.loop.AddAlert(ctx, "AAPL", 150)
	srv.WaitFrames(t, 1, wait)

	srv.SendTrades(t,
		feedtest.Trade{Symbol: "AAPL", Price: 148, Time: 1},
		feedtest.Trade{Symbol: "AAPL", Price: 151, Time: 2},
	)
	rec := h.waitPrice(t, "AAPL", 151)
	assert.Equal(t, 148.0, rec.PreviousPrice)
	require.Eventually(t, func() bool { return len(h.inbox.all()) == 1 }, wait, 5*time.Millisecond)
}

func TestRetryAfterFailedSync(t *testing.T) {
	mock := feed.NewMock()
	mock.FailNextSync(errors.New("refused"))
	h := start(t, mock, Options{})
	ctx := context.Background()

	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	// the first sync at startup has an empty desired set
	require.Eventually(t, func() bool { return len(mock.Syncs()) >= 2 }, wait, 5*time.Millisecond)
	assert.Equal(t, feed.Disconnected, h.loop.ConnectionState())

	h.loop.Retry()
	require.Eventually(t, func() bool { return h.loop.ConnectionState() == feed.Open }, wait, 5*time.Millisecond)
}

func TestLateTickForRemovedInstrumentIsIgnored(t *testing.T) {
	mock := feed.NewMock()
	h := start(t, mock, Options{})
	ctx := context.Background()

	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "MSFT"})
	h.loop.RemoveInstrument(ctx, "AAPL")

	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 1}, feed.Tick{Symbol: "MSFT", Price: 2})
	h.waitPrice(t, "MSFT", 2)
	_, ok := h.prices.Get("AAPL")
	assert.False(t, ok)
}

func TestUnknownInstrumentAlertIsRejected(t *testing.T) {
	h := start(t, feed.NewMock(), Options{})
	_, err := h.loop.AddAlert(context.Background(), "NOPE", 10)
	if !errors.Is(err, watchlist.ErrUnknownInstrument) {
		t.Fatalf("err got %v want ErrUnknownInstrument", err)
	}
}

func TestWriteThroughAndObservers(t *testing.T) {
	mock := feed.NewMock()
	store := &recordingStore{}
	obs := &tickLog{}
	h := start(t, mock, Options{Store: store, TickObservers: []TickObserver{obs}})
	ctx := context.Background()

	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	h.loop.AddAlert(ctx, "AAPL", 100)
	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 101})
	h.waitPrice(t, "AAPL", 101)
	require.Eventually(t, func() bool { return obs.len() == 1 }, wait, 5*time.Millisecond)
	h.loop.RemoveInstrument(ctx, "AAPL")

	// a failing store does not undo the in-memory trigger
	assert.Equal(t, []string{"save AAPL", "alert AAPL", "trigger AAPL", "delete AAPL"}, store.all())
}

func TestSeedQuote(t *testing.T) {
	mock := feed.NewMock()
	h := start(t, mock, Options{})
	ctx := context.Background()

	_, seeded, err := h.loop.SeedQuote(ctx, "AAPL", prices.Quote{Current: 150, Change: 3, PercentChange: 2.04})
	require.NoError(t, err)
	assert.False(t, seeded, "not watched")

	h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	rec, seeded, err := h.loop.SeedQuote(ctx, "AAPL", prices.Quote{Current: 150, Change: 3, PercentChange: 2.04})
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.Equal(t, 147.0, rec.PreviousPrice)

	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 153})
	h.waitPrice(t, "AAPL", 153)
	_, seeded, _ = h.loop.SeedQuote(ctx, "AAPL", prices.Quote{Current: 1})
	assert.False(t, seeded, "live data wins over a late quote")
}

func TestAddInstrumentRejectsEmptyKey(t *testing.T) {
	mock := feed.NewMock()
	h := start(t, mock, Options{})

	_, added, err := h.loop.AddInstrument(context.Background(), watchlist.Instrument{Symbol: ".A"})
	if !errors.Is(err, watchlist.ErrInvalidSymbol) {
		t.Fatalf("err = %v, want ErrInvalidSymbol", err)
	}
	assert.False(t, added)
	assert.Empty(t, mock.Subscribed())
}

func TestStoppedLoop(t *testing.T) {
	mock := feed.NewMock()
	h := start(t, mock, Options{})
	h.stop()

	_, _, err := h.loop.AddInstrument(context.Background(), watchlist.Instrument{Symbol: "AAPL"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, mock.Closed())
}

// stalledRedis hangs every pipeline until release is closed.
type stalledRedis struct {
	*redis.Client
	release chan struct{}
}

func (s *stalledRedis) Pipeline() redis.Pipeliner {
	<-s.release
	return s.Client.Pipeline()
}

func TestStalledRedisSinkDoesNotDelayTicks(t *testing.T) {
	stall := &stalledRedis{
		Client:  redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}),
		release: make(chan struct{}),
	}
	t.Cleanup(func() {
		close(stall.release)
		_ = stall.Client.Close()
	})
	rs := sink.NewRedisSink(stall, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rs.Run(ctx)

	mock := feed.NewMock()
	h := start(t, mock, Options{TickObservers: []TickObserver{rs}})
	_, _, err := h.loop.AddInstrument(ctx, watchlist.Instrument{Symbol: "AAPL"})
	require.NoError(t, err)

	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 148})
	h.waitPrice(t, "AAPL", 148)
	mock.SendTicks(feed.Tick{Symbol: "AAPL", Price: 151})
	h.waitPrice(t, "AAPL", 151)
}
