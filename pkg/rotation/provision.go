package rotation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dfein/sandbox-watchdog/pkg/provider"
	"github.com/dfein/sandbox-watchdog/pkg/sandboxstate"
	"github.com/dfein/sandbox-watchdog/pkg/store"
	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// provisionAndPromote runs provisionWithRetry, waits for the new sandbox to
// become healthy, and atomically promotes it, mutating s in place on
// success per spec §4.5 steps 3b–3e.
func (c *Controller) provisionAndPromote(ctx context.Context, s *sandboxstate.State, reason string, now time.Time, log *zap.Logger, rec *TickRecord) error {
	handle, err := c.provisionWithRetry(ctx, reason, log)
	if err != nil {
		return err
	}
	rec.Provisioned = handle.ID

	if err := c.waitForReadiness(ctx, handle, log); err != nil {
		return err
	}

	previous := s.Active
	ops := []store.Op{
		store.Upsert(store.KeyActiveURL, handle.URL),
		store.Upsert(store.KeyLastKnownGoodURL, handle.URL),
	}
	if previous != nil {
		ops = append(ops, store.Upsert(store.KeyPreviousURL, previous.URL))
	}
	// The routing pointer write must precede the sandbox_state write (spec
	// §5's ordering guarantee), so the gateway never observes a "healthy
	// rotation" state pointing at an unhealthy URL.
	if err := c.store.Apply(ctx, ops...); err != nil {
		return werrors.Wrap(werrors.KindStoreWrite, "promoting new sandbox", err)
	}

	s.Active = &sandboxstate.SandboxRecord{ID: handle.ID, URL: handle.URL, CreatedAt: now, Status: sandboxstate.StatusHealthy}
	s.LastRotationAt = &now
	if previous != nil {
		s.Draining = append(s.Draining, sandboxstate.DrainingSandboxRecord{
			SandboxRecord:  *previous,
			DrainStartedAt: now,
		})
	}
	rec.Promoted = true
	if c.metrics != nil {
		c.metrics.ObserveProvision("promoted")
	}
	log.Info("promoted new sandbox", zap.String("id", handle.ID), zap.String("url", handle.URL))
	return nil
}

// provisionWithRetry creates and bootstraps a new sandbox with exponential
// retry: up to ProvisionAttempts attempts (1 initial + N-1 retries), factor
// ProvisionFactor, minimum backoff ProvisionFloor (spec §4.5 step 3b). Each
// wait is paced by a single-token rate.Limiter whose token is spent at the
// failure, so the next attempt starts one full backoff interval later.
func (c *Controller) provisionWithRetry(ctx context.Context, reason string, log *zap.Logger) (*provider.Handle, error) {
	attempts := c.params.ProvisionAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := c.params.ProvisionFloor

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		handle, err := c.provisionOnce(ctx, log)
		if err == nil {
			if c.metrics != nil {
				c.metrics.ObserveProvision("created")
			}
			return handle, nil
		}
		lastErr = err
		remaining := attempts - attempt
		log.Warn("provision attempt failed", zap.Int("attempt", attempt), zap.Int("remaining", remaining), zap.String("reason", reason), zap.Error(err))
		if c.metrics != nil {
			c.metrics.ObserveProvision("failed")
		}
		if remaining == 0 {
			break
		}
		limiter := rate.NewLimiter(rate.Every(delay), 1)
		limiter.Allow()
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return nil, werrors.Wrap(werrors.KindProvider, "provision retry wait cancelled", waitErr)
		}
		delay = time.Duration(float64(delay) * c.params.ProvisionFactor)
	}
	return nil, werrors.Wrap(werrors.KindProvider, fmt.Sprintf("exhausted %d provision attempts", attempts), lastErr)
}

func (c *Controller) provisionOnce(ctx context.Context, log *zap.Logger) (*provider.Handle, error) {
	spec := c.newSpec()
	handle, err := c.provider.Create(ctx, spec)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindProvider, "creating sandbox", err)
	}
	if c.bootstrap != nil {
		if err := c.bootstrap(ctx, c.provider, handle, log); err != nil {
			return nil, werrors.Wrap(werrors.KindBootstrap, "bootstrapping sandbox", err)
		}
	}
	return handle, nil
}

// waitForReadiness polls Probe every ReadinessPollEvery until healthy or
// ReadinessDeadline elapses, at which point it returns a HealthTimeout
// error — fatal for the tick, per spec §4.5 step 3c / §7.
func (c *Controller) waitForReadiness(ctx context.Context, h *provider.Handle, log *zap.Logger) error {
	deadline := time.Now().Add(c.params.ReadinessDeadline)
	ticker := time.NewTicker(c.params.ReadinessPollEvery)
	defer ticker.Stop()

	for {
		probeStart := time.Now()
		result := c.prober.Probe(ctx, h.URL, "candidate")
		if c.metrics != nil {
			c.metrics.ObserveProbe("candidate", time.Since(probeStart))
		}
		if result.Healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return werrors.New(werrors.KindHealthTimeout, fmt.Sprintf("sandbox %s failed to become healthy in time", h.ID))
		}
		log.Info("waiting for sandbox readiness", zap.String("id", h.ID), zap.String("reason", result.Reason))

		select {
		case <-ctx.Done():
			return werrors.Wrap(werrors.KindHealthTimeout, "readiness wait cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}
