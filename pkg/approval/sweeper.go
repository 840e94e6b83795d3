package approval

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval spaces the background expiry sweeps.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically flips stale APPROVED entries to EXPIRED. Missed
// ticks under load are fine; the sweep itself is idempotent.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a Sweeper. Call Start to begin sweeping.
func NewSweeper(q *Queue, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		queue:    q,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-progress sweep, if any.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.queue.SweepExpired(ctx, time.Now())
	if err != nil {
		slog.Error("approval sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("expired stale approvals", "count", n)
	}
}
