// Package sweeper runs the periodic expiry pass over the session store.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// FlowSweeper is the part of the flow engine the sweeper drives.
type FlowSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// TerminalCleaner optionally prunes terminal sessions from the store.
type TerminalCleaner interface {
	CleanupTerminal(retention time.Duration)
}

// Sweeper ticks the expiry sweep. The sweep itself is a method call on
// the flow engine, so tests can invoke it directly with a fake clock and
// never wait on this ticker.
type Sweeper struct {
	flows     FlowSweeper
	cleaner   TerminalCleaner
	interval  time.Duration
	retention time.Duration
}

// New creates a sweeper. cleaner may be nil.
func New(flows FlowSweeper, cleaner TerminalCleaner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		flows:     flows,
		cleaner:   cleaner,
		interval:  interval,
		retention: 24 * time.Hour,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.flows.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if count > 0 {
				log.Debug().Int("expired", count).Msg("expiry sweep finished")
			}
			if s.cleaner != nil {
				s.cleaner.CleanupTerminal(s.retention)
			}
		}
	}
}
