package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pricewatch/internal/alerts"
	"pricewatch/internal/feed"
	"pricewatch/internal/notify"
	"pricewatch/internal/prices"
	"pricewatch/internal/watchlist"
)

var ErrStopped = errors.New("engine: loop not running")

// TickObserver sees every applied tick together with the resulting record.
type TickObserver interface {
	OnTick(ctx context.Context, t feed.Tick, rec prices.Record)
}

// StatusObserver sees every feed state transition.
type StatusObserver interface {
	OnStatus(ev feed.StatusEvent)
}

// Persister mirrors watchlist mutations to durable storage. Failures are
// logged; the in-memory model stays authoritative.
type Persister interface {
	SaveInstrument(ctx context.Context, w watchlist.WatchedInstrument) error
	DeleteInstrument(ctx context.Context, symbol string) error
	SaveAlert(ctx context.Context, symbol string, a watchlist.Alert) error
	MarkTriggered(ctx context.Context, symbol string, price float64) error
}

type Options struct {
	Feed            feed.Feed
	Watchlist       *watchlist.Model
	Prices          *prices.Store
	Notifier        notify.Notifier
	Store           Persister
	TickObservers   []TickObserver
	StatusObservers []StatusObserver
	Logger          *zap.Logger
}

// Loop is the single writer. Watchlist changes, tick batches, feed status
// and caller commands are all handled on the goroutine running Run.
type Loop struct {
	log     *zap.Logger
	feed    feed.Feed
	model   *watchlist.Model
	prices  *prices.Store
	ledger  *alerts.Ledger
	store   Persister
	tickObs []TickObserver
	statObs []StatusObserver

	cmds  chan command
	retry chan struct{}
	done  chan struct{}
	now   func() time.Time
}

type command struct {
	fn    func(ctx context.Context)
	reply chan struct{}
}

func New(opts Options) *Loop {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		log:     log,
		feed:    opts.Feed,
		model:   opts.Watchlist,
		prices:  opts.Prices,
		ledger:  alerts.NewLedger(opts.Watchlist, opts.Notifier),
		store:   opts.Store,
		tickObs: opts.TickObservers,
		statObs: opts.StatusObservers,
		cmds:    make(chan command),
		retry:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Run processes events until ctx is cancelled, then tears the feed down.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer func() {
		if err := l.feed.Close(); err != nil {
			l.log.Warn("feed close", zap.Error(err))
		}
	}()

	l.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.model.Changes():
			l.reconcile(ctx)
		case <-l.retry:
			l.log.Info("retry requested", zap.Stringer("state", l.feed.State()))
			l.reconcile(ctx)
		case batch := <-l.feed.Ticks():
			for _, t := range batch {
				l.applyTick(ctx, t)
			}
		case ev := <-l.feed.Status():
			l.onStatus(ev)
		case cmd := <-l.cmds:
			cmd.fn(ctx)
			close(cmd.reply)
		}
	}
}

// Retry asks the loop to reconcile the feed again, dialing if disconnected.
// Repeated calls before the loop gets to it collapse into one.
func (l *Loop) Retry() {
	select {
	case l.retry <- struct{}{}:
	default:
	}
}

// ConnectionState is the feed's current lifecycle state.
func (l *Loop) ConnectionState() feed.State { return l.feed.State() }

// Wanted reports whether there is anything to subscribe to.
func (l *Loop) Wanted() bool { return l.model.Len() > 0 }

func (l *Loop) reconcile(ctx context.Context) {
	desired := l.model.Symbols()
	if err := l.feed.Sync(ctx, desired); err != nil {
		l.log.Warn("feed sync failed", zap.Strings("desired", desired), zap.Error(err))
	}
}

func (l *Loop) applyTick(ctx context.Context, t feed.Tick) {
	// late ticks for instruments removed while in flight
	if !l.model.Has(t.Symbol) {
		return
	}
	rec := l.prices.ApplyTick(t.Symbol, t.Price, t.Time)
	crossings := l.ledger.Evaluate(ctx, rec.Symbol, t.Price, t.Time)
	for _, c := range crossings {
		l.log.Info("alert triggered",
			zap.String("symbol", c.Symbol),
			zap.String("price", c.Price.String()),
			zap.String("threshold", c.Threshold.String()))
		if l.store != nil {
			if err := l.store.MarkTriggered(ctx, c.Symbol, c.Threshold.InexactFloat64()); err != nil {
				l.log.Error("persist trigger", zap.String("symbol", c.Symbol), zap.Error(err))
			}
		}
	}
	for _, o := range l.tickObs {
		o.OnTick(ctx, t, rec)
	}
}

func (l *Loop) onStatus(ev feed.StatusEvent) {
	if ev.Err != nil {
		l.log.Warn("feed status", zap.Stringer("state", ev.State), zap.Error(ev.Err))
	} else {
		l.log.Debug("feed status", zap.Stringer("state", ev.State))
	}
	for _, o := range l.statObs {
		o.OnStatus(ev)
	}
}

// do runs fn on the loop goroutine and waits for it.
func (l *Loop) do(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{fn: fn, reply: make(chan struct{})}
	select {
	case l.cmds <- cmd:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.reply:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// AddInstrument watches inst. added is false when it was already watched.
func (l *Loop) AddInstrument(ctx context.Context, inst watchlist.Instrument) (w watchlist.WatchedInstrument, added bool, err error) {
	if derr := l.do(ctx, func(ctx context.Context) {
		var aerr error
		w, added, aerr = l.model.AddInstrument(inst)
		if aerr != nil {
			err = fmt.Errorf("add %q: %w", inst.Symbol, aerr)
			return
		}
		if added && l.store != nil {
			if perr := l.store.SaveInstrument(ctx, w); perr != nil {
				l.log.Error("persist instrument", zap.String("symbol", w.Symbol), zap.Error(perr))
			}
		}
	}); derr != nil {
		return w, added, derr
	}
	return w, added, err
}

// RemoveInstrument stops watching sym and drops its live price.
func (l *Loop) RemoveInstrument(ctx context.Context, sym string) (removed bool, err error) {
	err = l.do(ctx, func(ctx context.Context) {
		removed = l.model.RemoveInstrument(sym)
		if removed && l.store != nil {
			if perr := l.store.DeleteInstrument(ctx, l.model.Normalize(sym)); perr != nil {
				l.log.Error("persist removal", zap.String("symbol", sym), zap.Error(perr))
			}
		}
	})
	return removed, err
}

// AddAlert adds a one-shot alert at price on a watched instrument.
func (l *Loop) AddAlert(ctx context.Context, sym string, price float64) (a watchlist.Alert, err error) {
	var aerr error
	err = l.do(ctx, func(ctx context.Context) {
		a, aerr = l.model.AddAlert(sym, price)
		if aerr == nil && l.store != nil {
			if perr := l.store.SaveAlert(ctx, l.model.Normalize(sym), a); perr != nil {
				l.log.Error("persist alert", zap.String("symbol", sym), zap.Error(perr))
			}
		}
	})
	if err != nil {
		return a, err
	}
	if aerr != nil {
		return a, fmt.Errorf("add alert on %s: %w", sym, aerr)
	}
	return a, nil
}

// SeedQuote installs a quote snapshot as the live record of sym, unless the
// instrument is no longer watched or a tick has already produced a record.
func (l *Loop) SeedQuote(ctx context.Context, sym string, q prices.Quote) (rec prices.Record, seeded bool, err error) {
	err = l.do(ctx, func(ctx context.Context) {
		if !l.model.Has(sym) {
			return
		}
		if cur, ok := l.prices.Get(sym); ok {
			rec = cur
			return
		}
		rec = l.prices.SeedQuote(sym, q, l.now())
		seeded = true
	})
	return rec, seeded, err
}
