package moderation

import (
	"context"
	"time"
)

const sweepBatch = 50

// Sweep publishes resolved artifacts whose outcome never went out, then
// rescans automated artifacts left pending and untouched for age. This
// recovers publishes and scans lost to a crash or to an outage. Inconclusive
// rescans bump an artifact's update time, so they rotate to the back of the
// queue. It returns how many artifacts were published.
func (w *Workflow) Sweep(ctx context.Context, age time.Duration) (int, error) {
	unpublished, err := w.store.List(ctx, Filter{
		Statuses:    TerminalStatuses,
		Unpublished: true,
		Limit:       sweepBatch,
	})
	if err != nil {
		return 0, err
	}

	published := 0
	for _, a := range unpublished {
		if ctx.Err() != nil {
			return published, nil
		}
		done, err := w.publish(ctx, a)
		if err != nil {
			w.log.Warn().Err(err).Stringer("artifact", a.ID).Msg("sweep: publish failed")
			continue
		}
		if done.PublishedAt != nil {
			published++
		}
	}

	stale, err := w.store.List(ctx, Filter{
		Statuses:      []Status{StatusPending},
		Mode:          ModeAutomated,
		UpdatedBefore: w.now().Add(-age),
		Limit:         sweepBatch,
	})
	if err != nil {
		return published, err
	}

	for _, a := range stale {
		if ctx.Err() != nil {
			break
		}
		updated, err := w.SubmitForScan(ctx, a.ID)
		if err != nil {
			w.log.Warn().Err(err).Stringer("artifact", a.ID).Msg("sweep: rescan failed")
			continue
		}
		if updated.PublishedAt != nil {
			published++
		}
	}
	return published, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (w *Workflow) RunSweeper(ctx context.Context, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx, age)
			if err != nil {
				w.log.Error().Err(err).Msg("sweep: list artifacts")
				continue
			}
			if n > 0 {
				w.log.Info().Int("published", n).Msg("sweep: published artifacts")
			}
		}
	}
}
