// Package selfhealth implements this process's own GET /api/health surface
// (spec §6), distinct from pkg/health's outbound prober against a
// sandbox's /api/health. It reports the watchdog's view of sandbox_state
// alongside the standard next-app health shape.
package selfhealth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dfein/sandbox-watchdog/pkg/sandboxstate"
	"github.com/dfein/sandbox-watchdog/pkg/store"
)

// response is the JSON body of GET /api/health per spec §6.
type response struct {
	Status                 string     `json:"status"`
	Service                string     `json:"service"`
	SandboxOrigin          string     `json:"sandboxOrigin"`
	Env                    string     `json:"env"`
	UptimeSeconds          int        `json:"uptimeSeconds"`
	Timestamp              time.Time  `json:"timestamp"`
	WatchdogLastCheckAt    *time.Time `json:"watchdogLastCheckAt,omitempty"`
	WatchdogLastRotationAt *time.Time `json:"watchdogLastRotationAt,omitempty"`
}

// Handler serves GET /api/health.
type Handler struct {
	store                   store.Store
	selfURL                 string
	monitoringRoutesSkipped bool
	startedAt               time.Time
}

// New builds a Handler. selfURL mirrors SANDBOX_SELF_URL; when set it both
// marks env as "sandbox" and is reported as sandboxOrigin absent a more
// specific x-sandbox-origin header on the request.
func New(st store.Store, selfURL string, monitoringRoutesSkipped bool) *Handler {
	return &Handler{store: st, selfURL: selfURL, monitoringRoutesSkipped: monitoringRoutesSkipped, startedAt: time.Now()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.monitoringRoutesSkipped {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	origin := r.Header.Get("x-sandbox-origin")
	if origin == "" {
		origin = h.selfURL
	}
	env := "router"
	if origin != "" {
		env = "sandbox"
	}

	resp := response{
		Status:        "ok",
		Service:       "next-app",
		SandboxOrigin: origin,
		Env:           env,
		UptimeSeconds: int(time.Since(h.startedAt).Seconds()),
		Timestamp:     time.Now().UTC(),
	}
	if lastCheck, lastRotation, ok := h.readState(r.Context()); ok {
		resp.WatchdogLastCheckAt = lastCheck
		resp.WatchdogLastRotationAt = lastRotation
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) readState(ctx context.Context) (lastCheck, lastRotation *time.Time, ok bool) {
	raw, err := h.store.Read(ctx, store.KeyState)
	if err != nil || raw == nil {
		return nil, nil, false
	}
	var s sandboxstate.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil, false
	}
	return s.LastCheckAt, s.LastRotationAt, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
