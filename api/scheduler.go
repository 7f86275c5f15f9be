/*
scheduler.go - Background sweeper for abandoned holds

PURPOSE:
  A settlement that crashes between reserving stock or a promo use and
  committing it leaves a hold behind. Holds carry a TTL; the sweeper
  periodically returns expired ones to availability and purges expired
  idempotency records.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - Each pass is bounded by the interval so a stuck store cannot pile up
    overlapping passes

USAGE:
  sweeper := NewSweeper(coordinator, idem, 30*time.Second)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: POST /api/admin/sweep (manual sweep)
  - settlement/admin.go: Coordinator.Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/settlement-engine/idempotency"
	"github.com/warp/settlement-engine/settlement"
)

type Sweeper struct {
	Coordinator *settlement.Coordinator
	Idempotency *idempotency.Layer
	Interval    time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(c *settlement.Coordinator, idem *idempotency.Layer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		Coordinator: c,
		Idempotency: idem,
		Interval:    interval,
	}
}

// Start begins the sweeper. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	log.Info().Dur("interval", s.Interval).Msg("Sweeper started")
}

// Stop stops the sweeper and waits for an in-progress pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	log.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunOnce()

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single pass.
func (s *Sweeper) RunOnce() SweepDTO {
	ctx, cancel := context.WithTimeout(context.Background(), s.Interval)
	defer cancel()

	out, err := sweep(ctx, s.Coordinator, s.Idempotency)
	if err != nil {
		log.Error().Err(err).Msg("Sweep failed")
	}
	return out
}

func sweep(ctx context.Context, c *settlement.Coordinator, idem *idempotency.Layer) (SweepDTO, error) {
	var out SweepDTO
	freed, err := c.Sweep(ctx)
	out.Reservations = freed
	if err != nil {
		return out, err
	}

	if idem != nil {
		purged, err := idem.Purge(ctx)
		out.IdempotencyKeys = purged
		if err != nil {
			return out, err
		}
	}

	if out.Reservations > 0 || out.IdempotencyKeys > 0 {
		log.Info().
			Int("reservations_freed", out.Reservations).
			Int("idempotency_keys_purged", out.IdempotencyKeys).
			Msg("Sweep completed")
	}
	return out, nil
}
