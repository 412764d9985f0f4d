// Package rotation implements the Rotation Controller (C5): the watchdog
// tick that decides whether to keep, rotate, or replace the active
// sandbox, manages the draining list, and persists the result.
package rotation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dfein/sandbox-watchdog/pkg/health"
	"github.com/dfein/sandbox-watchdog/pkg/keepalive"
	"github.com/dfein/sandbox-watchdog/pkg/provider"
	"github.com/dfein/sandbox-watchdog/pkg/sandboxstate"
	"github.com/dfein/sandbox-watchdog/pkg/store"
	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// AuditSink records the outcome of every tick for the audit trail. It is
// optional; a nil AuditSink means no trail is recorded.
type AuditSink interface {
	RecordTick(ctx context.Context, rec TickRecord)
}

// MetricsSink observes tick/provision/drain outcomes for Prometheus export.
// It is optional; a nil MetricsSink means metrics are not recorded.
type MetricsSink interface {
	ObserveTick(result string, duration time.Duration)
	ObserveProvision(outcome string)
	ObserveDrain(outcome string)
	ObserveProbe(role string, duration time.Duration)
}

// TickRecord summarizes one tick for the audit trail.
type TickRecord struct {
	TickID      string
	StartedAt   time.Time
	Duration    time.Duration
	Reason      string
	Provisioned string
	Promoted    bool
	DrainedIDs  []string
	Error       string
}

// Params bundles the tuning knobs the controller needs, decoupled from
// pkg/config so this package stays testable without importing it.
type Params struct {
	RotationInterval     time.Duration
	DrainGrace           time.Duration
	ReadinessPollEvery   time.Duration
	ReadinessDeadline    time.Duration
	ProvisionAttempts    int
	ProvisionFactor      float64
	ProvisionFloor       time.Duration
	MaxDrainStopAttempts int
}

// Controller is the C5 rotation controller.
type Controller struct {
	store    store.Store
	provider provider.Provider
	prober   *health.Prober
	pinger   *keepalive.Pinger
	params   Params
	newSpec  func() provider.Spec
	bootstrap func(ctx context.Context, p provider.Provider, h *provider.Handle, log *zap.Logger) error

	log    *zap.Logger
	tracer trace.Tracer
	sf     singleflight.Group
	audit  AuditSink
	metrics MetricsSink
}

// New builds a Controller. newSpec produces a fresh provider.Spec for each
// provision attempt (so e.g. MaxLifetime reflects RotationInterval);
// bootstrapFn runs the post-Create bootstrap sequence against a handle.
func New(
	st store.Store,
	pv provider.Provider,
	prober *health.Prober,
	pinger *keepalive.Pinger,
	params Params,
	newSpec func() provider.Spec,
	bootstrapFn func(ctx context.Context, p provider.Provider, h *provider.Handle, log *zap.Logger) error,
	log *zap.Logger,
	audit AuditSink,
	metrics MetricsSink,
) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store: st, provider: pv, prober: prober, pinger: pinger,
		params: params, newSpec: newSpec, bootstrap: bootstrapFn,
		log: log, tracer: otel.Tracer("rotation"), audit: audit, metrics: metrics,
	}
}

// Tick is the single entry point. Concurrent calls within the same process
// collapse onto the in-flight tick via singleflight, per spec §5/§9's
// non-reentrancy requirement; cross-process races are tolerated because the
// store PATCH is the serialization point.
func (c *Controller) Tick(ctx context.Context, forceProvision bool) error {
	_, err, _ := c.sf.Do("tick", func() (any, error) {
		return nil, c.runTick(ctx, forceProvision)
	})
	return err
}

func (c *Controller) runTick(ctx context.Context, forceProvision bool) error {
	tickID := uuid.NewString()
	started := time.Now().UTC()

	ctx, span := c.tracer.Start(ctx, "rotation.Tick", trace.WithAttributes(
		attribute.Bool("tick.force_provision", forceProvision),
		attribute.String("tick.id", tickID),
	))
	defer span.End()

	log := c.log.With(zap.String("tick_id", tickID))
	rec := TickRecord{TickID: tickID, StartedAt: started}

	err := c.execute(ctx, forceProvision, log, &rec)

	rec.Duration = time.Since(started)
	result := "success"
	if err != nil {
		result = "failure"
		rec.Error = err.Error()
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("tick.result", result), attribute.String("tick.reason", rec.Reason))

	if c.metrics != nil {
		c.metrics.ObserveTick(result, rec.Duration)
	}
	if c.audit != nil {
		c.audit.RecordTick(ctx, rec)
	}
	return err
}

// execute runs Load → Assess → {Keep | Provision → WaitReady → Promote} →
// Drain → Persist, falling to the Fail branch on any error before persist.
func (c *Controller) execute(ctx context.Context, forceProvision bool, log *zap.Logger, rec *TickRecord) error {
	now := time.Now().UTC()

	loaded, err := c.load(ctx)
	if err != nil {
		return err
	}
	// loaded is kept untouched so the Fail branch can persist lastFailure
	// against exactly what was read, not a partially-mutated working copy.
	working := loaded.Clone()

	healthResult, reason := c.assess(ctx, working, forceProvision, now, log)
	rec.Reason = reason
	shouldProvision := forceProvision || !healthResult.Healthy || working.RotationDue(now, c.params.RotationInterval)

	if shouldProvision {
		if err := c.provisionAndPromote(ctx, working, reason, now, log, rec); err != nil {
			return c.fail(ctx, loaded, err, log)
		}
	}

	c.drain(ctx, working, now, log, rec)

	working.LastCheckAt = &now
	working.LastFailure = nil
	if err := c.store.Apply(ctx, store.Upsert(store.KeyState, working)); err != nil {
		return c.fail(ctx, loaded, werrors.Wrap(werrors.KindStoreWrite, "persisting state", err), log)
	}
	return nil
}

func (c *Controller) load(ctx context.Context) (*sandboxstate.State, error) {
	raw, err := c.store.Read(ctx, store.KeyState)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindStoreRead, "reading sandbox_state", err)
	}
	if raw == nil {
		raw, err = c.store.Read(ctx, store.LegacyKeyState)
		if err != nil {
			return nil, werrors.Wrap(werrors.KindStoreRead, "reading legacy sandbox.state", err)
		}
	}
	if raw == nil {
		return sandboxstate.Empty(), nil
	}
	st := &sandboxstate.State{}
	if err := unmarshalState(raw, st); err != nil {
		return nil, werrors.Wrap(werrors.KindStoreRead, "decoding sandbox_state", err)
	}
	if st.Draining == nil {
		st.Draining = []sandboxstate.DrainingSandboxRecord{}
	}
	return st, nil
}

func (c *Controller) assess(ctx context.Context, s *sandboxstate.State, forceProvision bool, now time.Time, log *zap.Logger) (health.Result, string) {
	var result health.Result
	switch {
	case forceProvision:
		result = health.Result{Healthy: false, Reason: "force-provision-request"}
	case s.Active == nil:
		result = health.Result{Healthy: false, Reason: "no-active-sandbox"}
	default:
		probeStart := time.Now()
		result = c.prober.Probe(ctx, s.Active.URL, "active")
		if c.metrics != nil {
			c.metrics.ObserveProbe("active", time.Since(probeStart))
		}
	}

	if result.Healthy && s.Active != nil {
		c.pinger.Ping(ctx, s.Active.URL)
	}

	reason := ""
	switch {
	case forceProvision:
		reason = "force-provision-request"
	case !result.Healthy:
		reason = result.Reason
	case s.RotationDue(now, c.params.RotationInterval):
		reason = "rotation-due"
	}

	if reason != "" {
		log.Info("tick will provision", zap.String("reason", reason))
	}
	return result, reason
}

func (c *Controller) fail(ctx context.Context, loaded *sandboxstate.State, tickErr error, log *zap.Logger) error {
	log.Error("tick failed", zap.Error(tickErr))
	failed := loaded.Clone()
	now := time.Now().UTC()
	failed.LastFailure = &sandboxstate.Failure{Reason: werrors.ReasonOrError(tickErr), At: now}
	if err := c.store.Apply(ctx, store.Upsert(store.KeyState, failed)); err != nil {
		log.Error("failed to persist lastFailure (best-effort)", zap.Error(err))
	}
	return tickErr
}

func unmarshalState(raw []byte, st *sandboxstate.State) error {
	return json.Unmarshal(raw, st)
}
