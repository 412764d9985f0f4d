package rotation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dfein/sandbox-watchdog/pkg/sandboxstate"
	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// drain walks the draining list and stops any record whose DRAIN_GRACE_MS
// has elapsed. Per the chosen resolution of the "drain survivor on stop
// error" open question, a record whose Stop fails with a non-404 error is
// retained and retried on a future tick, capped at MaxDrainStopAttempts
// before being force-dropped to bound unbounded growth. This never blocks
// the tick beyond the per-sandbox Stop call.
func (c *Controller) drain(ctx context.Context, s *sandboxstate.State, now time.Time, log *zap.Logger, rec *TickRecord) {
	if len(s.Draining) == 0 {
		return
	}

	survivors := make([]sandboxstate.DrainingSandboxRecord, 0, len(s.Draining))
	for _, d := range s.Draining {
		if now.Sub(d.DrainStartedAt) < c.params.DrainGrace {
			survivors = append(survivors, d)
			continue
		}

		if c.stopDraining(ctx, d, log) {
			rec.DrainedIDs = append(rec.DrainedIDs, d.ID)
			if c.metrics != nil {
				c.metrics.ObserveDrain("decommissioned")
			}
			continue
		}

		d.StopAttempts++
		if d.StopAttempts >= c.params.MaxDrainStopAttempts {
			log.Error("force-dropping draining sandbox after repeated stop failures",
				zap.String("id", d.ID), zap.Int("attempts", d.StopAttempts))
			rec.DrainedIDs = append(rec.DrainedIDs, d.ID)
			if c.metrics != nil {
				c.metrics.ObserveDrain("force-dropped")
			}
			continue
		}
		survivors = append(survivors, d)
	}
	s.Draining = survivors
}

// stopDraining returns true when d should be removed from the draining
// list: either Stop succeeded, or the provider reports the sandbox is
// already gone (404, treated as success).
func (c *Controller) stopDraining(ctx context.Context, d sandboxstate.DrainingSandboxRecord, log *zap.Logger) bool {
	handle, err := c.provider.Get(ctx, d.ID)
	if err != nil {
		if werrors.Is(err, werrors.KindNotFound) {
			log.Warn("draining sandbox already gone", zap.String("id", d.ID))
			return true
		}
		log.Warn("failed to resolve draining sandbox for stop", zap.String("id", d.ID), zap.Error(err))
		return false
	}

	if err := c.provider.Stop(ctx, handle); err != nil {
		if werrors.Is(err, werrors.KindNotFound) {
			log.Warn("draining sandbox stop returned not-found", zap.String("id", d.ID))
			return true
		}
		log.Warn("failed to stop draining sandbox", zap.String("id", d.ID), zap.Error(err))
		return false
	}

	log.Info("decommissioned draining sandbox", zap.String("id", d.ID))
	return true
}
