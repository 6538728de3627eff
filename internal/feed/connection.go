package feed

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// Options configure a Connection. Zero durations take the defaults below.
type Options struct {
	URL   string
	Token string

	TeardownTimeout time.Duration // default 5s
	ReadTimeout     time.Duration // default 60s
	PingInterval    time.Duration // default 25s

	Dialer *websocket.Dialer
}

// Connection owns one streaming websocket and the set of symbols it believes
// are subscribed. It never reconnects on its own: a transport failure moves it
// through Errored to Disconnected and the next Sync dials again.
type Connection struct {
	opts   Options
	log    *zap.Logger
	dialer *websocket.Dialer

	// opMu serializes Sync, Close and transport failure handling.
	opMu sync.Mutex

	mu    sync.RWMutex
	state State
	sess  *session
	subs  map[string]struct{}

	ticks        chan []Tick
	status       chan StatusEvent
	decodeErrors atomic.Uint64
}

type session struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConnection(opts Options, logger *zap.Logger) *Connection {
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	d := opts.Dialer
	if d == nil {
		d = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Connection{
		opts:   opts,
		log:    logger,
		dialer: d,
		state:  Disconnected,
		subs:   make(map[string]struct{}),
		ticks:  make(chan []Tick, 1024),
		status: make(chan StatusEvent, 64),
	}
}

func (c *Connection) Ticks() <-chan []Tick       { return c.ticks }
func (c *Connection) Status() <-chan StatusEvent { return c.status }

// DecodeErrors counts frames and trade rows dropped because they could not be parsed.
func (c *Connection) DecodeErrors() uint64 { return c.decodeErrors.Load() }

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribed returns the current subscription set, sorted.
func (c *Connection) Subscribed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.subs)
}

// Sync converges the feed onto desired. With an empty desired set an open
// connection is torn down; with a non-empty set a disconnected one dials and
// subscribes everything, and an open one sends only the difference.
func (c *Connection) Sync(ctx context.Context, desired []string) error {
	want := make(map[string]struct{}, len(desired))
	for _, s := range desired {
		if s != "" {
			want[s] = struct{}{}
		}
	}

	var done <-chan struct{}
	c.opMu.Lock()
	defer func() {
		c.opMu.Unlock()
		c.await(done)
	}()

	switch st := c.State(); {
	case len(want) == 0:
		if st == Open {
			done = c.teardownLocked("watchlist empty")
		}
		return nil
	case st == Open:
		return c.diffLocked(want)
	default:
		if c.opts.Token == "" {
			return ErrNoToken
		}
		return c.openLocked(ctx, want)
	}
}

// Close tears the connection down: a best-effort unsubscribe for every symbol,
// a close frame, then the transport, all within TeardownTimeout.
func (c *Connection) Close() error {
	c.opMu.Lock()
	done := c.teardownLocked("shutdown")
	c.opMu.Unlock()
	c.await(done)
	return nil
}

func (c *Connection) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connection) openLocked(ctx context.Context, want map[string]struct{}) error {
	c.setState(Connecting, nil)
	c.drainTicks()

	target, err := c.dialURL()
	if err != nil {
		c.setState(Errored, err)
		c.setState(Disconnected, nil)
		return err
	}
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		err = fmt.Errorf("dial feed: %w", err)
		c.setState(Errored, err)
		c.setState(Disconnected, nil)
		return err
	}

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{ws: ws, ctx: sctx, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.sess = s
	c.subs = make(map[string]struct{}, len(want))
	c.mu.Unlock()
	c.setState(Open, nil)
	c.log.Info("feed connected", zap.Int("symbols", len(want)))

	go c.readLoop(s)
	go c.pingLoop(s)

	for _, sym := range sortedKeys(want) {
		if err := c.write(s, frameSubscribe, sym, time.Now().Add(writeWait)); err != nil {
			err = fmt.Errorf("subscribe %s: %w", sym, err)
			c.failLocked(s, err)
			return err
		}
		c.addSub(sym)
	}
	return nil
}

// diffLocked applies the symmetric difference between the subscription set
// and want. Unsubscribe is best effort; the set is updated either way.
func (c *Connection) diffLocked(want map[string]struct{}) error {
	c.mu.RLock()
	s := c.sess
	var add, remove []string
	for sym := range want {
		if _, ok := c.subs[sym]; !ok {
			add = append(add, sym)
		}
	}
	for sym := range c.subs {
		if _, ok := want[sym]; !ok {
			remove = append(remove, sym)
		}
	}
	c.mu.RUnlock()
	sort.Strings(add)
	sort.Strings(remove)

	for _, sym := range remove {
		if err := c.write(s, frameUnsubscribe, sym, time.Now().Add(writeWait)); err != nil {
			c.log.Warn("unsubscribe failed", zap.String("symbol", sym), zap.Error(err))
		}
		c.removeSub(sym)
	}
	for _, sym := range add {
		if err := c.write(s, frameSubscribe, sym, time.Now().Add(writeWait)); err != nil {
			err = fmt.Errorf("subscribe %s: %w", sym, err)
			c.failLocked(s, err)
			return err
		}
		c.addSub(sym)
	}
	if len(add) > 0 || len(remove) > 0 {
		c.log.Debug("subscriptions synced", zap.Strings("added", add), zap.Strings("removed", remove))
	}
	return nil
}

// teardownLocked closes the current session and returns a channel that is
// closed once its reader has exited.
func (c *Connection) teardownLocked(reason string) <-chan struct{} {
	c.mu.RLock()
	s := c.sess
	subs := sortedKeys(c.subs)
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	c.setState(Closing, nil)

	deadline := time.Now().Add(c.opts.TeardownTimeout)
	for _, sym := range subs {
		if err := c.write(s, frameUnsubscribe, sym, deadline); err != nil {
			c.log.Warn("unsubscribe failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	s.cancel()
	_ = s.ws.Close()

	c.mu.Lock()
	c.sess = nil
	c.subs = make(map[string]struct{})
	c.mu.Unlock()
	c.setState(Disconnected, nil)
	c.log.Info("feed closed", zap.String("reason", reason))
	return s.done
}

func (c *Connection) fail(s *session, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.failLocked(s, err)
}

func (c *Connection) failLocked(s *session, err error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	s.cancel()
	_ = s.ws.Close()
	c.log.Error("feed transport error", zap.Error(err))
	c.setState(Errored, err)
	c.setState(Disconnected, nil)
}

func (c *Connection) readLoop(s *session) {
	defer close(s.done)
	for {
		_ = s.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				c.fail(s, fmt.Errorf("feed read: %w", err))
			}
			return
		}
		ticks, bad, err := decodeFrame(data)
		if err != nil {
			c.decodeErrors.Add(1)
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if bad > 0 {
			c.decodeErrors.Add(uint64(bad))
			c.log.Warn("dropping malformed trade rows", zap.Int("rows", bad), zap.Int("kept", len(ticks)))
		}
		if len(ticks) == 0 {
			continue
		}
		// a torn-down session must not hand ticks to the next one
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		select {
		case c.ticks <- ticks:
		case <-s.ctx.Done():
			return
		}
	}
}

func (c *Connection) pingLoop(s *session) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				if s.ctx.Err() == nil {
					c.fail(s, fmt.Errorf("feed ping: %w", err))
				}
				return
			}
		}
	}
}

func (c *Connection) write(s *session, kind, sym string, deadline time.Time) error {
	if s == nil {
		return ErrNotOpen
	}
	b, err := encodeControl(kind, sym)
	if err != nil {
		return err
	}
	_ = s.ws.SetWriteDeadline(deadline)
	return s.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Connection) setState(st State, err error) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	select {
	case c.status <- StatusEvent{State: st, Err: err}:
	default:
		c.log.Warn("status event dropped", zap.Stringer("state", st))
	}
}

// drainTicks discards batches left over from a previous session so stale
// prices never reach the consumer after a re-open.
func (c *Connection) drainTicks() {
	for {
		select {
		case b := <-c.ticks:
			c.log.Debug("discarding stale tick batch", zap.Int("ticks", len(b)))
		default:
			return
		}
	}
}

func (c *Connection) await(done <-chan struct{}) {
	if done == nil {
		return
	}
	t := time.NewTimer(c.opts.TeardownTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		c.log.Warn("feed reader did not exit within teardown timeout")
	}
}

func (c *Connection) addSub(sym string) {
	c.mu.Lock()
	c.subs[sym] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeSub(sym string) {
	c.mu.Lock()
	delete(c.subs, sym)
	c.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
