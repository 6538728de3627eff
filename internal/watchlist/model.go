package watchlist

import (
	"errors"
	"sync"
	"time"

	"pricewatch/internal/symbol"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidSymbol     = errors.New("symbol is empty after normalization")
)

// Instrument is a tradable symbol as returned by symbol search.
type Instrument struct {
	Symbol        string `json:"symbol"`
	Description   string `json:"description"`
	DisplaySymbol string `json:"displaySymbol"`
	Type          string `json:"type"`
}

// Alert fires once when the price reaches Price. Triggered never reverts.
type Alert struct {
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"createdAt"`
	Triggered bool      `json:"triggered"`
}

type WatchedInstrument struct {
	Instrument
	DateAdded time.Time `json:"dateAdded"`
	Alerts    []Alert   `json:"alerts"`
}

// AlertView is one alert flattened together with its instrument.
type AlertView struct {
	Instrument
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"createdAt"`
	Triggered bool      `json:"triggered"`
}

// PriceRemover is the slice of the price store the model needs on removal.
type PriceRemover interface {
	Remove(symbol string)
}

// Model is the watchlist: the set of subscribed instruments and their alerts.
// It is mutated from one goroutine; readers only ever see copies.
type Model struct {
	norm   symbol.Normalizer
	prices PriceRemover
	now    func() time.Time

	mu    sync.RWMutex
	items []*WatchedInstrument

	changes chan struct{}
}

func NewModel(norm symbol.Normalizer, prices PriceRemover) *Model {
	return &Model{
		norm:    norm,
		prices:  prices,
		now:     time.Now,
		changes: make(chan struct{}, 1),
	}
}

// Changes delivers a signal after every structural mutation (instrument
// added, removed or loaded). Signals coalesce: receivers recompute the
// desired set from Symbols rather than replaying individual edits.
func (m *Model) Changes() <-chan struct{} { return m.changes }

func (m *Model) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Normalize exposes the model's key function.
func (m *Model) Normalize(raw string) string { return m.norm.Normalize(raw) }

// AddInstrument inserts inst under its normalized symbol. Adding a symbol that
// is already watched is a no-op and keeps the existing alerts. A symbol with
// no key left after normalization (".A", "  ") is rejected with ErrInvalidSymbol.
func (m *Model) AddInstrument(inst Instrument) (WatchedInstrument, bool, error) {
	inst.Symbol = m.norm.Normalize(inst.Symbol)
	if inst.Symbol == "" {
		return WatchedInstrument{}, false, ErrInvalidSymbol
	}

	m.mu.Lock()
	if w := m.find(inst.Symbol); w != nil {
		out := clone(w)
		m.mu.Unlock()
		return out, false, nil
	}
	w := &WatchedInstrument{Instrument: inst, DateAdded: m.now()}
	m.items = append(m.items, w)
	out := clone(w)
	m.mu.Unlock()

	m.notify()
	return out, true, nil
}

// RemoveInstrument deletes the instrument and its live price record.
// Unknown symbols are ignored.
func (m *Model) RemoveInstrument(sym string) bool {
	key := m.norm.Normalize(sym)

	m.mu.Lock()
	idx := -1
	for i, w := range m.items {
		if w.Symbol == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items[:idx], m.items[idx+1:]...)
	m.mu.Unlock()

	if m.prices != nil {
		m.prices.Remove(key)
	}
	m.notify()
	return true
}

// AddAlert appends an untriggered alert at price.
func (m *Model) AddAlert(sym string, price float64) (Alert, error) {
	key := m.norm.Normalize(sym)

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.find(key)
	if w == nil {
		return Alert{}, ErrUnknownInstrument
	}
	a := Alert{Price: price, CreatedAt: m.now()}
	w.Alerts = append(w.Alerts, a)
	return a, nil
}

// MarkTriggered flips the first untriggered alert with exactly this price.
// It reports whether an alert changed.
func (m *Model) MarkTriggered(sym string, price float64) bool {
	key := m.norm.Normalize(sym)

	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.find(key)
	if w == nil {
		return false
	}
	for i := range w.Alerts {
		if !w.Alerts[i].Triggered && w.Alerts[i].Price == price {
			w.Alerts[i].Triggered = true
			return true
		}
	}
	return false
}

// Load replaces the contents with items, e.g. when bootstrapping from
// storage. Symbols are normalized, empty keys are dropped and duplicates
// collapse onto the first.
func (m *Model) Load(items []WatchedInstrument) {
	loaded := make([]*WatchedInstrument, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		w := clone(&it)
		w.Symbol = m.norm.Normalize(w.Symbol)
		if w.Symbol == "" || seen[w.Symbol] {
			continue
		}
		seen[w.Symbol] = true
		loaded = append(loaded, &w)
	}

	m.mu.Lock()
	m.items = loaded
	m.mu.Unlock()
	m.notify()
}

// List returns a deep copy of the watched instruments in insertion order.
func (m *Model) List() []WatchedInstrument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WatchedInstrument, 0, len(m.items))
	for _, w := range m.items {
		out = append(out, clone(w))
	}
	return out
}

// Snapshot is List for concurrent readers.
func (m *Model) Snapshot() []WatchedInstrument { return m.List() }

// Get returns a copy of one instrument.
func (m *Model) Get(sym string) (WatchedInstrument, bool) {
	key := m.norm.Normalize(sym)
	m.mu.RLock()
	defer m.mu.RUnlock()
	w := m.find(key)
	if w == nil {
		return WatchedInstrument{}, false
	}
	return clone(w), true
}

// Symbols is the desired subscription set.
func (m *Model) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.items))
	for _, w := range m.items {
		out = append(out, w.Symbol)
	}
	return out
}

// Alerts flattens every alert with its instrument metadata.
func (m *Model) Alerts() []AlertView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AlertView
	for _, w := range m.items {
		for _, a := range w.Alerts {
			out = append(out, AlertView{
				Instrument: w.Instrument,
				Price:      a.Price,
				CreatedAt:  a.CreatedAt,
				Triggered:  a.Triggered,
			})
		}
	}
	return out
}

// Pending returns copies of the untriggered alerts on sym.
func (m *Model) Pending(sym string) []Alert {
	key := m.norm.Normalize(sym)
	m.mu.RLock()
	defer m.mu.RUnlock()
	w := m.find(key)
	if w == nil {
		return nil
	}
	var out []Alert
	for _, a := range w.Alerts {
		if !a.Triggered {
			out = append(out, a)
		}
	}
	return out
}

// Has reports whether sym is watched.
func (m *Model) Has(sym string) bool {
	key := m.norm.Normalize(sym)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.find(key) != nil
}

func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// find must be called with mu held.
func (m *Model) find(key string) *WatchedInstrument {
	for _, w := range m.items {
		if w.Symbol == key {
			return w
		}
	}
	return nil
}

func clone(w *WatchedInstrument) WatchedInstrument {
	out := *w
	if w.Alerts != nil {
		out.Alerts = append([]Alert(nil), w.Alerts...)
	}
	return out
}
