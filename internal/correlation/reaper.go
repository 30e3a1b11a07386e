package correlation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper calls Table.Reap on a fixed interval.
type Reaper struct {
	table    *Table
	interval time.Duration
	log      zerolog.Logger
}

// NewReaper returns a Reaper that sweeps table every interval.
func NewReaper(table *Table, interval time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{table: table, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, evicted := r.table.Reap()
			if expired > 0 || evicted > 0 {
				r.log.Debug().Int("expired", expired).Int("evicted", evicted).Msg("reaper sweep")
			}
		}
	}
}
