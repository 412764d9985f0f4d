// Command watchdog serves both the routing gateway and the rotation
// controller's tick trigger from a single binary.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/dfein/sandbox-watchdog/pkg/audit"
	"github.com/dfein/sandbox-watchdog/pkg/config"
	"github.com/dfein/sandbox-watchdog/pkg/gateway"
	"github.com/dfein/sandbox-watchdog/pkg/health"
	"github.com/dfein/sandbox-watchdog/pkg/keepalive"
	"github.com/dfein/sandbox-watchdog/pkg/metrics"
	"github.com/dfein/sandbox-watchdog/pkg/middleware"
	"github.com/dfein/sandbox-watchdog/pkg/provider"
	"github.com/dfein/sandbox-watchdog/pkg/rotation"
	"github.com/dfein/sandbox-watchdog/pkg/selfhealth"
	"github.com/dfein/sandbox-watchdog/pkg/store"
	"github.com/dfein/sandbox-watchdog/pkg/trigger"
)

func main() {
	listenAddr := flag.String("listen-addr", "", "override WATCHDOG_LISTEN_ADDR")
	metricsAddr := flag.String("metrics-addr", "", "override WATCHDOG_METRICS_ADDR")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	log := buildLogger(cfg)
	defer log.Sync()

	logStream := trigger.NewLogStream(log)
	log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		streamCore := logStream.Core(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zap.NewAtomicLevelAt(zap.InfoLevel))
		return zapcore.NewTee(core, streamCore)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := buildStore(cfg, log)
	collector := metrics.New()
	auditWriter := buildAudit(cfg, log)
	defer auditWriter.Close()

	rc := buildController(cfg, st, collector, auditWriter, log)
	trig := trigger.New(rc, cfg.NextAppSkipMonitoringRoutes, log)
	gw := gateway.New(st, gateway.Config{
		SelfURL:             cfg.SandboxSelfURL,
		DisableEdgeRewrite:  cfg.DisableEdgeRewrite,
		DebugSandboxRouting: cfg.DebugSandboxRouting,
	}, log).WithMetrics(collector)

	chain := middleware.New(log).Use(middleware.LoggingHook(log))

	apiHealth := selfhealth.New(st, cfg.SandboxSelfURL, cfg.NextAppSkipMonitoringRoutes)
	keepaliveReceiver := keepalive.NewReceiver(cfg.KeepaliveToken)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/api/health", apiHealth)
	mux.Handle("/internal/keepalive", keepaliveReceiver)
	mux.Handle("/watchdog", chain.Wrap(trig))
	mux.Handle("/watchdog/stream", logStream)
	mux.Handle("/", chain.Wrap(gw))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	go trig.RunCron(ctx, cfg.CronInterval)

	go func() {
		log.Info("watchdog listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("watchdog server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func buildLogger(cfg *config.Config) *zap.Logger {
	var log *zap.Logger
	var err error
	if cfg.DevLogs {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		log = zap.NewNop()
	}
	return log.With(zap.String("component", "watchdog"))
}

func buildStore(cfg *config.Config, log *zap.Logger) store.Store {
	base := store.New(cfg.EdgeConfigBase, cfg.EdgeConfigID, cfg.EdgeConfigToken, nil, log)
	if !cfg.RedisEnabled {
		return base
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return store.NewCachedStore(base, rdb, log)
}

func buildAudit(cfg *config.Config, log *zap.Logger) audit.Writer {
	if !cfg.ClickHouseEnabled {
		return audit.NoOpWriter{}
	}
	w, err := audit.NewClickHouseWriter(cfg.ClickHouseDSN, 50, 10*time.Second, log)
	if err != nil {
		log.Warn("failed to initialize ClickHouse audit writer, falling back to no-op", zap.Error(err))
		return audit.NoOpWriter{}
	}
	return w
}

// auditSinkAdapter bridges rotation.AuditSink to audit.Writer, whose record
// types differ so pkg/audit need not import pkg/rotation.
type auditSinkAdapter struct{ w audit.Writer }

func (a auditSinkAdapter) RecordTick(ctx context.Context, rec rotation.TickRecord) {
	a.w.RecordTick(ctx, audit.TickAuditEntry{
		TickID:      rec.TickID,
		StartedAt:   rec.StartedAt,
		DurationMs:  rec.Duration.Milliseconds(),
		Reason:      rec.Reason,
		Provisioned: rec.Provisioned,
		Promoted:    rec.Promoted,
		DrainedIDs:  joinIDs(rec.DrainedIDs),
		Error:       rec.Error,
	})
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

func buildController(cfg *config.Config, st store.Store, collector *metrics.Collector, auditWriter audit.Writer, log *zap.Logger) *rotation.Controller {
	prober := health.New(nil, cfg.ProbeTimeout)
	pinger := keepalive.New(nil, cfg.KeepaliveToken, log)

	pv := buildProvider(cfg, log)

	params := rotation.Params{
		RotationInterval:     cfg.RotationInterval,
		DrainGrace:           cfg.DrainGrace,
		ReadinessPollEvery:   cfg.ReadinessPollEvery,
		ReadinessDeadline:    cfg.ReadinessDeadline,
		ProvisionAttempts:    cfg.ProvisionAttempts,
		ProvisionFactor:      cfg.ProvisionFactor,
		ProvisionFloor:       cfg.ProvisionFloor,
		MaxDrainStopAttempts: cfg.MaxDrainStopAttempts,
	}

	newSpec := func() provider.Spec {
		return provider.Spec{
			Port:        cfg.SandboxPort,
			Runtime:     "node22",
			MaxLifetime: cfg.RotationInterval,
			Credentials: provider.Credentials{
				VercelToken:     cfg.VercelToken,
				VercelTeamID:    cfg.VercelTeamID,
				VercelProjectID: cfg.VercelProjectID,
			},
		}
	}

	bootstrapFn := func(ctx context.Context, p provider.Provider, h *provider.Handle, log *zap.Logger) error {
		return provider.Bootstrap(ctx, p, h, provider.BootstrapSpec{
			Repo:           cfg.SandboxAppRepo,
			Ref:            cfg.SandboxAppRef,
			Workdir:        cfg.SandboxWorkdir,
			Port:           cfg.SandboxPort,
			KeepaliveToken: cfg.KeepaliveToken,
			SelfURL:        cfg.SandboxSelfURL,
		}, log)
	}

	return rotation.New(st, pv, prober, pinger, params, newSpec, bootstrapFn, log, auditSinkAdapter{auditWriter}, collector)
}

func buildProvider(cfg *config.Config, log *zap.Logger) provider.Provider {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		log.Warn("not running in-cluster, building an empty rest.Config; RunCommand/exec will fail until configured", zap.Error(err))
		restConfig = &rest.Config{}
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Error("failed to build kubernetes clientset", zap.Error(err))
		panic(err)
	}
	return provider.NewK8sProvider(clientset, restConfig, ".sandboxes.internal", log)
}
