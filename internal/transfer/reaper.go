package transfer

import (
	"context"
	"time"

	"github.com/maneesh/dropvault/internal/logging"
)

const DefaultReapBatch = 500

// Reaper purges expired transfers in the background.
type Reaper struct {
	service  *Service
	logger   logging.Logger
	interval time.Duration
	batch    int
}

func NewReaper(service *Service, logger logging.Logger, interval time.Duration, batch int) *Reaper {
	if batch <= 0 {
		batch = DefaultReapBatch
	}
	return &Reaper{
		service:  service,
		logger:   logger,
		interval: interval,
		batch:    batch,
	}
}

// RunOnce reaps until a pass comes back short of a full batch.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.service.ReapExpired(ctx, r.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batch || ctx.Err() != nil {
			return total, nil
		}
	}
}

// Run reaps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "reaper started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error(ctx, "reap pass failed", "error", err)
			}
		}
	}
}
