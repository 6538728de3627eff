package feed

import (
	"context"
	"sort"
	"sync"
)

// Mock is an in-memory Feed for tests and demos. Sync records every desired
// set it is given and moves straight to Open or Disconnected.
type Mock struct {
	mu       sync.Mutex
	state    State
	subs     map[string]struct{}
	syncs    [][]string
	closed   bool
	failNext error

	ticks  chan []Tick
	status chan StatusEvent
}

func NewMock() *Mock {
	return &Mock{
		subs:   make(map[string]struct{}),
		ticks:  make(chan []Tick, 64),
		status: make(chan StatusEvent, 64),
	}
}

func (m *Mock) Sync(_ context.Context, desired []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = append(m.syncs, append([]string(nil), desired...))
	if len(desired) == 0 {
		m.subs = make(map[string]struct{})
		if m.state == Open {
			m.setState(Disconnected, nil)
		}
		return nil
	}
	if err := m.failNext; err != nil && m.state != Open {
		m.failNext = nil
		m.setState(Errored, err)
		m.setState(Disconnected, nil)
		return err
	}
	m.subs = make(map[string]struct{}, len(desired))
	for _, s := range desired {
		m.subs[s] = struct{}{}
	}
	if m.state != Open {
		m.setState(Open, nil)
	}
	return nil
}

func (m *Mock) Ticks() <-chan []Tick       { return m.ticks }
func (m *Mock) Status() <-chan StatusEvent { return m.status }

func (m *Mock) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mock) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.subs)
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]struct{})
	if m.state != Disconnected {
		m.setState(Disconnected, nil)
	}
	return nil
}

// Helpers for tests

func (m *Mock) SendTicks(t ...Tick) { m.ticks <- t }

// Drop simulates a transport failure.
func (m *Mock) Drop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string]struct{})
	m.setState(Errored, err)
	m.setState(Disconnected, nil)
}

// FailNextSync makes the next dialing Sync fail with err, as a refused dial would.
func (m *Mock) FailNextSync(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Syncs returns every desired set passed to Sync, sorted per call.
func (m *Mock) Syncs() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.syncs))
	for i, s := range m.syncs {
		c := append([]string(nil), s...)
		sort.Strings(c)
		out[i] = c
	}
	return out
}

func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) setState(st State, err error) {
	m.state = st
	select {
	case m.status <- StatusEvent{State: st, Err: err}:
	default:
	}
}
