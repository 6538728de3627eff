package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pricewatch/internal/feed/feedtest"
)

const wait = 2 * time.Second

func newConn(t *testing.T, srv *feedtest.Server, token string) *Connection {
	t.Helper()
	c := NewConnection(Options{
		URL:             srv.URL(),
		Token:           token,
		TeardownTimeout: time.Second,
	}, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func expectStates(t *testing.T, c *Connection, want ...State) []StatusEvent {
	t.Helper()
	var got []StatusEvent
	for _, w := range want {
		select {
		case ev := <-c.Status():
			if ev.State != w {
				t.Fatalf("state got %v want %v (so far %+v)", ev.State, w, got)
			}
			got = append(got, ev)
		case <-time.After(wait):
			t.Fatalf("timed out waiting for %v", w)
		}
	}
	return got
}

func TestDecodeFrame(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    []Tick
		wantBad int
		wantErr bool
	}{
		{
			name: "trade batch keeps order",
			in:   `{"type":"trade","data":[{"s":"AAPL","p":148,"t":1700000000000,"v":1},{"s":"AAPL","p":151,"t":1700000000001,"v":2}]}`,
			want: []Tick{
				{Symbol: "AAPL", Price: 148, Volume: 1, Time: time.UnixMilli(1700000000000)},
				{Symbol: "AAPL", Price: 151, Volume: 2, Time: time.UnixMilli(1700000000001)},
			},
		},
		{
			name: "empty symbol skipped individually",
			in:   `{"type":"trade","data":[{"s":"","p":1,"t":1},{"s":"MSFT","p":2,"t":2}]}`,
			want: []Tick{{Symbol: "MSFT", Price: 2, Time: time.UnixMilli(2)}},
		},
		{name: "ping ignored", in: `{"type":"ping"}`},
		{name: "unknown type ignored", in: `{"type":"news","data":[{"x":1}]}`},
		{name: "empty trade batch", in: `{"type":"trade","data":[]}`},
		{name: "not json", in: `hello`, wantErr: true},
		{
			name:    "malformed row dropped, rest of batch kept",
			in:      `{"type":"trade","data":[{"s":"AAPL","p":"bad"},{"s":"MSFT","p":2,"t":2}]}`,
			want:    []Tick{{Symbol: "MSFT", Price: 2, Time: time.UnixMilli(2)}},
			wantBad: 1,
		},
		{
			name:    "malformed row mid batch keeps order",
			in:      `{"type":"trade","data":[{"s":"AAPL","p":1,"t":1},42,{"s":"AAPL","p":3,"t":3}]}`,
			want:    []Tick{{Symbol: "AAPL", Price: 1, Time: time.UnixMilli(1)}, {Symbol: "AAPL", Price: 3, Time: time.UnixMilli(3)}},
			wantBad: 1,
		},
		{name: "data not an array", in: `{"type":"trade","data":{"s":"AAPL"}}`, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, bad, err := decodeFrame([]byte(tc.in))
			assert.Equal(t, tc.wantBad, bad)
			if tc.wantErr {
				var de *DecodeError
				require.True(t, errors.As(err, &de), "want DecodeError, got %v", err)
				assert.Equal(t, tc.in, string(de.Frame))
				return
			}
			require.NoError(t, err)
			if len(tc.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSyncWithoutTokenDoesNotDial(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "")

	err := c.Sync(context.Background(), []string{"AAPL"})
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("err got %v want ErrNoToken", err)
	}
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 0, srv.Connections())
}

func TestSyncEmptyDoesNotDial(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "tok")

	require.NoError(t, c.Sync(context.Background(), nil))
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 0, srv.Connections())
}

func TestOpenSubscribesEveryDesiredSymbol(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "secret")

	require.NoError(t, c.Sync(context.Background(), []string{"MSFT", "AAPL", "AAPL"}))
	expectStates(t, c, Connecting, Open)

	frames := srv.WaitFrames(t, 2, wait)
	assert.Equal(t, []feedtest.Frame{
		{Type: "subscribe", Symbol: "AAPL"},
		{Type: "subscribe", Symbol: "MSFT"},
	}, frames)
	assert.Equal(t, []string{"AAPL", "MSFT"}, c.Subscribed())
	assert.Equal(t, []string{"secret"}, srv.Tokens())
}

func TestWatchlistChangeSendsOnlyTheDifference(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "tok")
	ctx := context.Background()

	require.NoError(t, c.Sync(ctx, []string{"AAPL", "MSFT"}))
	srv.WaitFrames(t, 2, wait)

	require.NoError(t, c.Sync(ctx, []string{"MSFT", "TSLA"}))
	frames := srv.WaitFrames(t, 2, wait)
	assert.Equal(t, []feedtest.Frame{
		{Type: "unsubscribe", Symbol: "AAPL"},
		{Type: "subscribe", Symbol: "TSLA"},
	}, frames)
	assert.Equal(t, []string{"MSFT", "TSLA"}, c.Subscribed())

	// same set again: nothing on the wire
	require.NoError(t, c.Sync(ctx, []string{"TSLA", "MSFT"}))
	srv.NoFrames(t, 100*time.Millisecond)

	assert.Equal(t, 1, srv.Connections(), "subscription changes must not reconnect")
	assert.Equal(t, Open, c.State())
}

func TestTradeFramesBecomeTickBatches(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "tok")
	require.NoError(t, c.Sync(context.Background(), []string{"AAPL"}))
	srv.WaitFrames(t, 1, wait)

	srv.SendRaw(t, []byte(`{"type":"ping"}`))
	srv.SendRaw(t, []byte(`{not json`))
	srv.SendRaw(t, []byte(`{"type":"trade","data":[{"s":"AAPL","p":"bad"},{"s":"AAPL","p":147,"t":0}]}`))
	srv.SendTrades(t,
		feedtest.Trade{Symbol: "AAPL", Price: 148, Time: 1},
		feedtest.Trade{Symbol: "", Price: 1, Time: 2},
		feedtest.Trade{Symbol: "AAPL", Price: 151, Time: 3},
	)

	select {
	case batch := <-c.Ticks():
		require.Len(t, batch, 1, "valid row of a partly malformed frame survives")
		assert.Equal(t, 147.0, batch[0].Price)
	case <-time.After(wait):
		t.Fatal("no tick batch")
	}
	select {
	case batch := <-c.Ticks():
		require.Len(t, batch, 2)
		assert.Equal(t, 148.0, batch[0].Price)
		assert.Equal(t, 151.0, batch[1].Price)
	case <-time.After(wait):
		t.Fatal("no tick batch")
	}
	assert.Equal(t, uint64(2), c.DecodeErrors(), "one bad frame plus one bad row")
	assert.Equal(t, Open, c.State())
}

func TestEmptyDesiredSetTearsDown(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "tok")
	ctx := context.Background()

	require.NoError(t, c.Sync(ctx, []string{"AAPL", "MSFT"}))
	expectStates(t, c, Connecting, Open)
	srv.WaitFrames(t, 2, wait)

	require.NoError(t, c.Sync(ctx, nil))
	expectStates(t, c, Closing, Disconnected)
	frames := srv.WaitFrames(t, 2, wait)
	assert.Equal(t, []feedtest.Frame{
		{Type: "unsubscribe", Symbol: "AAPL"},
		{Type: "unsubscribe", Symbol: "MSFT"},
	}, frames)
	assert.Empty(t, c.Subscribed())
}

func TestTransportErrorIsReportedAndNotRetried(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "tok")
	ctx := context.Background()

	require.NoError(t, c.Sync(ctx, []string{"AAPL"}))
	expectStates(t, c, Connecting, Open)
	srv.WaitFrames(t, 1, wait)

	srv.DropConnections()
	evs := expectStates(t, c, Errored, Disconnected)
	assert.Error(t, evs[0].Err)
	assert.Empty(t, c.Subscribed())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.Connections(), "no internal reconnect")

	// an explicit sync dials again and resubscribes
	require.NoError(t, c.Sync(ctx, []string{"AAPL"}))
	expectStates(t, c, Connecting, Open)
	frames := srv.WaitFrames(t, 1, wait)
	assert.Equal(t, feedtest.Frame{Type: "subscribe", Symbol: "AAPL"}, frames[0])
	assert.Equal(t, 2, srv.Connections())
}

func TestDialFailureIsErroredThenDisconnected(t *testing.T) {
	c := NewConnection(Options{URL: "ws://127.0.0.1:1/nothing", Token: "tok"}, zap.NewNop())
	err := c.Sync(context.Background(), []string{"AAPL"})
	require.Error(t, err)
	expectStates(t, c, Connecting, Errored, Disconnected)
	assert.Equal(t, Disconnected, c.State())
}

func TestCloseIsBounded(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "tok")
	require.NoError(t, c.Sync(context.Background(), []string{"AAPL"}))
	srv.WaitFrames(t, 1, wait)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Disconnected, c.State())

	frames := srv.WaitFrames(t, 1, wait)
	assert.Equal(t, feedtest.Frame{Type: "unsubscribe", Symbol: "AAPL"}, frames[0])
}

func TestMockRecordsSyncs(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.Sync(context.Background(), []string{"B", "A"}))
	assert.Equal(t, Open, m.State())
	assert.Equal(t, []string{"A", "B"}, m.Subscribed())

	m.Drop(errors.New("boom"))
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, [][]string{{"A", "B"}}, m.Syncs())
}

func TestReopenDropsTicksFromPreviousSession(t *testing.T) {
	srv := feedtest.NewServer(t)
	c := newConn(t, srv, "tok")
	ctx := context.Background()

	require.NoError(t, c.Sync(ctx, []string{"AAPL"}))
	srv.WaitFrames(t, 1, wait)
	srv.SendTrades(t, feedtest.Trade{Symbol: "AAPL", Price: 90, Time: 1})
	require.Eventually(t, func() bool { return len(c.ticks) == 1 }, wait, 5*time.Millisecond)

	// removed then re-added before anyone consumed the old batch
	require.NoError(t, c.Sync(ctx, nil))
	require.NoError(t, c.Sync(ctx, []string{"AAPL"}))
	srv.WaitFrames(t, 2, wait) // unsubscribe on teardown, subscribe on the new session
	require.Equal(t, 2, srv.Connections())
	srv.SendTrades(t, feedtest.Trade{Symbol: "AAPL", Price: 150, Time: 2})

	select {
	case batch := <-c.Ticks():
		require.Len(t, batch, 1)
		assert.Equal(t, 150.0, batch[0].Price, "stale price from the old session delivered")
	case <-time.After(wait):
		t.Fatal("no tick batch")
	}
}
