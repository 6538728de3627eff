package feed

import (
	"context"
	"errors"
)

var (
	ErrNoToken        = errors.New("feed: no api token configured")
	ErrEmptyWatchlist = errors.New("feed: nothing to subscribe")
	ErrNotOpen        = errors.New("feed: connection not open")
)

// State is the lifecycle of the streaming connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Errored:
		return "errored"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StatusEvent is one state transition. Err is set on Errored.
type StatusEvent struct {
	State State `json:"state"`
	Err   error `json:"-"`
}

// Feed is what the reconciliation loop drives. Sync and Close are called from
// a single goroutine.
type Feed interface {
	// Sync converges the subscription set to desired, dialing or tearing
	// down the transport as needed.
	Sync(ctx context.Context, desired []string) error
	Ticks() <-chan []Tick
	Status() <-chan StatusEvent
	State() State
	Subscribed() []string
	Close() error
}
