package evict

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reqbin/reqbin/server/internal/clock"
	"github.com/reqbin/reqbin/server/internal/metrics"
	"github.com/reqbin/reqbin/server/internal/store"
)

const (
	DefaultWindow   = time.Hour
	DefaultInterval = 60 * time.Second
)

// Observers reports live observers and discards a deleted bin's channel.
// *hub.Hub satisfies it.
type Observers interface {
	Liveness(binID string) bool
	Remove(binID string)
}

// Result summarizes one sweep.
type Result struct {
	Candidates int
	Evicted    int
	KeptAlive  int
	Failed     int
}

// Scheduler runs periodic eviction sweeps. Zero Window, Interval, Clock and
// Logger take defaults on first use; fields must not change after that.
type Scheduler struct {
	Backend  store.Backend
	Liveness Observers
	Clock    clock.Clock
	Window   time.Duration
	Interval time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	once sync.Once
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.defaults()
	s.Logger.Info("eviction scheduler started", "window", s.Window, "interval", s.Interval)

	t := time.NewTicker(s.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("eviction scheduler stopped")
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one eviction pass. A bin is deleted only if its last
// activity is still older than the cutoff at delete time, so a capture that
// lands after the candidate list was read keeps the bin alive.
func (s *Scheduler) Sweep(ctx context.Context) Result {
	s.defaults()

	var res Result
	cutoff := s.Clock.Now().Add(-s.Window)

	bins, err := s.Backend.IdleBins(ctx, cutoff)
	if err != nil {
		// Retried on the next tick.
		s.Logger.Error("list idle bins", "err", err)
		return res
	}
	res.Candidates = len(bins)

	for _, b := range bins {
		if ctx.Err() != nil {
			break
		}
		if s.Liveness != nil && s.Liveness.Liveness(b.ID) {
			res.KeptAlive++
			continue
		}

		removed, err := s.Backend.DeleteIdleBin(ctx, b.ID, cutoff)
		if err != nil {
			res.Failed++
			s.Logger.Warn("evict bin", "bin_id", b.ID, "err", err)
			continue
		}
		if !removed {
			continue
		}
		res.Evicted++
		if s.Liveness != nil {
			s.Liveness.Remove(b.ID)
		}
	}

	s.Metrics.ObserveSweep(res.Evicted, res.KeptAlive, res.Failed)
	if res.Candidates > 0 {
		s.Logger.Info("eviction sweep",
			"candidates", res.Candidates,
			"evicted", res.Evicted,
			"kept_alive", res.KeptAlive,
			"failed", res.Failed,
		)
	}
	return res
}

func (s *Scheduler) defaults() {
	s.once.Do(s.applyDefaults)
}

func (s *Scheduler) applyDefaults() {
	if s.Clock == nil {
		s.Clock = clock.Real()
	}
	if s.Window <= 0 {
		s.Window = DefaultWindow
	}
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Logger == nil {
		s.Logger = slog.Default().With("component", "evict")
	}
}
