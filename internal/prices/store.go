package prices

import (
	"sync"
	"time"

	"pricewatch/internal/symbol"
)

// Record is the live price view for one instrument.
type Record struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	PreviousPrice float64   `json:"previousPrice"`
	Percent       float64   `json:"percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Quote is a REST quote snapshot: current price, absolute change and percent change.
type Quote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
}

// Store maps symbol -> latest Record. Writes come from a single owner (the
// reconciliation loop); the lock only protects concurrent snapshot readers.
type Store struct {
	norm symbol.Normalizer

	mu      sync.RWMutex
	records map[string]Record
}

func NewStore(norm symbol.Normalizer) *Store {
	return &Store{
		norm:    norm,
		records: make(map[string]Record),
	}
}

// ApplyTick folds one tick into the record for sym. The baseline is the
// immediately preceding tick's price; the first tick yields 0%.
func (s *Store) ApplyTick(sym string, price float64, ts time.Time) Record {
	key := s.norm.Normalize(sym)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := price
	if cur, ok := s.records[key]; ok {
		prev = cur.Price
	}
	rec := Record{
		Symbol:        key,
		Price:         price,
		PreviousPrice: prev,
		Percent:       percentChange(prev, price),
		Timestamp:     ts,
	}
	s.records[key] = rec
	return rec
}

// SeedQuote installs a record from a quote snapshot. The baseline is derived
// as current - change so the next tick continues tick-over-tick.
func (s *Store) SeedQuote(sym string, q Quote, ts time.Time) Record {
	key := s.norm.Normalize(sym)
	rec := Record{
		Symbol:        key,
		Price:         q.Current,
		PreviousPrice: q.Current - q.Change,
		Percent:       q.PercentChange,
		Timestamp:     ts,
	}
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
	return rec
}

// Remove drops the record for sym; unknown symbols are ignored.
func (s *Store) Remove(sym string) {
	key := s.norm.Normalize(sym)
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
}

// Get returns the record for sym. ok=false means "no data yet".
func (s *Store) Get(sym string) (Record, bool) {
	key := s.norm.Normalize(sym)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Snapshot returns a copy of every record.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func percentChange(prev, price float64) float64 {
	if prev == 0 {
		return 0
	}
	return (price - prev) / prev * 100
}
