// Package trigger implements the Tick Trigger (C7): the HTTP entry point
// that invokes the rotation controller, plus a cron loop that does the
// same on a fixed schedule.
package trigger

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Ticker is the subset of rotation.Controller the trigger depends on.
type Ticker interface {
	Tick(ctx context.Context, forceProvision bool) error
}

// Trigger wires an HTTP handler and a cron loop to a Ticker.
type Trigger struct {
	ticker                Ticker
	log                    *zap.Logger
	monitoringRoutesSkipped bool
}

// New builds a Trigger. monitoringRoutesSkipped mirrors
// NEXT_APP_SKIP_MONITORING_ROUTES: when true, the HTTP handler does not tick
// and answers 200 "watchdog routes disabled".
func New(ticker Ticker, monitoringRoutesSkipped bool, log *zap.Logger) *Trigger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trigger{ticker: ticker, monitoringRoutesSkipped: monitoringRoutesSkipped, log: log}
}

// ServeHTTP handles GET|POST /watchdog per spec §4.7/§6.
func (t *Trigger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.monitoringRoutesSkipped {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("watchdog routes disabled"))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	force := r.URL.Query().Has("force")
	if err := t.ticker.Tick(r.Context(), force); err != nil {
		t.log.Error("watchdog tick failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("watchdog failure"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// RunCron invokes Tick(ctx, false) every interval until ctx is cancelled.
func (t *Trigger) RunCron(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.ticker.Tick(ctx, false); err != nil {
				t.log.Error("scheduled watchdog tick failed", zap.Error(err))
			}
		}
	}
}
