package sweeper

import (
	"context"
	"expvar"
	"log"
	"time"
)

var (
	sweepsTotal        = expvar.NewInt("sweeps_total")
	expiredTokensTotal = expvar.NewInt("expired_tokens_total")
	sweepErrorsTotal   = expvar.NewInt("sweep_errors_total")
)

// Store is the slice of the token store the sweeper needs.
type Store interface {
	SweepExpired(ctx context.Context, asOf time.Time, batchSize int) (int, error)
}

type Sweeper struct {
	store     Store
	interval  time.Duration
	batchSize int
	timeout   time.Duration
}

func New(store Store, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		timeout:   10 * time.Second,
	}
}

// Run sweeps expired called tokens on a fixed interval until ctx is
// cancelled. Each pass is independently idempotent, so overlapping or
// concurrent sweepers (other replicas, the on-demand endpoint) are safe.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.store.SweepExpired(sweepCtx, time.Now().UTC(), s.batchSize)
	sweepsTotal.Add(1)
	if err != nil {
		sweepErrorsTotal.Add(1)
		log.Printf("sweep error: %v", err)
		return
	}
	if count > 0 {
		expiredTokensTotal.Add(int64(count))
		log.Printf("sweep expired %d tokens", count)
	}
}
