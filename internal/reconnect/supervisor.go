package reconnect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pricewatch/internal/feed"
)

const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// Backoff returns base * 2^attempt, capped at ceiling. Negative attempts yield base.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	// 2^30 seconds is already far past any sane cap
	if attempt > 30 {
		return ceiling
	}
	d := base * time.Duration(1<<attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// Target is what the supervisor watches and pokes.
type Target interface {
	ConnectionState() feed.State
	Wanted() bool
	Retry()
}

// Supervisor is the caller-side reconnect policy: while there is something to
// watch and the feed is disconnected, it calls Retry with exponential backoff.
type Supervisor struct {
	Target    Target
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Poll      time.Duration
	Logger    *zap.Logger
}

func (s *Supervisor) Run(ctx context.Context) error {
	base, ceiling, poll := s.BaseDelay, s.MaxDelay, s.Poll
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	if poll <= 0 {
		poll = time.Second
	}
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}

	attempt := 0
	next := time.Time{}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			st := s.Target.ConnectionState()
			if st == feed.Open {
				attempt = 0
				next = time.Time{}
				continue
			}
			if st != feed.Disconnected || !s.Target.Wanted() {
				continue
			}
			if next.IsZero() {
				next = now.Add(Backoff(attempt, base, ceiling))
				continue
			}
			if now.Before(next) {
				continue
			}
			log.Info("retrying feed connection", zap.Int("attempt", attempt+1))
			s.Target.Retry()
			attempt++
			next = now.Add(Backoff(attempt, base, ceiling))
		}
	}
}
