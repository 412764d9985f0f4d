// Package gateway implements the Routing Gateway (C6): per-request bypass
// decisions, read-through resolution of the designated backend, and an
// edge rewrite to that backend.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dfein/sandbox-watchdog/pkg/store"
)

var bypassPrefixes = []string{
	"/api", "/watchdog", "/favicon.ico", "/robots.txt", "/sitemap", "/bootstrap.js", "/bootstrap.js.map",
}

// Config carries the gateway's env-derived knobs, decoupled from
// pkg/config so this package stays independently testable.
type Config struct {
	SelfURL             string
	DisableEdgeRewrite  bool
	DebugSandboxRouting bool
}

// MetricsSink observes gateway request outcomes for Prometheus export. It is
// optional; a nil MetricsSink (the default) means requests are not recorded.
type MetricsSink interface {
	ObserveGatewayRequest(routing string)
}

// Gateway is an http.Handler implementing the bypass/resolve/rewrite
// pipeline of spec §4.6.
type Gateway struct {
	store         store.Store
	cfg           Config
	selfHost      string
	selfMalformed bool
	log           *zap.Logger
	probeClient   *http.Client
	metrics       MetricsSink
}

// New builds a Gateway. SANDBOX_SELF_URL is optional (spec §6): when unset,
// self-loop bypass rule 1 simply never matches. When set but unparseable
// into a host, it is treated as malformed and bypasses every request.
func New(st store.Store, cfg Config, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{store: st, cfg: cfg, log: log, probeClient: &http.Client{Timeout: 3 * time.Second}}
	if cfg.SelfURL != "" {
		if u, err := url.Parse(cfg.SelfURL); err == nil && u.Host != "" {
			g.selfHost = u.Host
		} else {
			g.selfMalformed = true
		}
	}
	return g
}

// WithMetrics attaches a MetricsSink, returning g for fluent construction.
func (g *Gateway) WithMetrics(m MetricsSink) *Gateway {
	g.metrics = m
	return g
}

func (g *Gateway) observe(routing string) {
	if g.metrics != nil {
		g.metrics.ObserveGatewayRequest(routing)
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.bypass(r) {
		g.observe("bypass")
		http.NotFound(w, r) // no downstream app mounted at this layer; bypass means "don't rewrite"
		return
	}

	target, label, err := g.resolveBackend(r.Context())
	if err != nil {
		g.log.Warn("resolve backend failed, collapsing to 503", zap.Error(err))
		g.observe("unavailable")
		g.writeUnavailable(w)
		return
	}
	if target == nil {
		g.observe("unavailable")
		g.writeUnavailable(w)
		return
	}

	g.rewrite(w, r, target, label)
}

// bypass evaluates spec §4.6's bypass rules; any one short-circuits to
// pass-through.
func (g *Gateway) bypass(r *http.Request) bool {
	// A malformed (set but unparseable) SANDBOX_SELF_URL is treated as "any
	// request is self"; an unset one means this rule never matches.
	if g.selfMalformed {
		return true
	}
	if g.selfHost != "" && r.Host == g.selfHost {
		return true
	}
	if g.cfg.DisableEdgeRewrite {
		return true
	}
	if r.Header.Get("x-sandbox-bypass") == "true" {
		return true
	}
	for _, prefix := range bypassPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

type backendLabel string

const (
	labelActive   backendLabel = "active"
	labelFallback backendLabel = "fallback"
)

// resolveBackend implements spec §4.6's resolve step: prefer the active
// pointer, fall back to last-known-good, and report which label applied.
func (g *Gateway) resolveBackend(ctx context.Context) (*url.URL, backendLabel, error) {
	active, err := g.store.ReadFirst(ctx, store.KeyActiveURL, store.LegacyKeyActiveURL)
	if err != nil {
		return nil, "", err
	}
	if u, ok := parseURLValue(active); ok {
		return u, labelActive, nil
	}

	fallback, err := g.store.ReadFirst(ctx, store.KeyLastKnownGoodURL, store.LegacyKeyLastKnownGoodURL)
	if err != nil {
		return nil, "", err
	}
	if u, ok := parseURLValue(fallback); ok {
		return u, labelFallback, nil
	}

	return nil, "", nil
}

func (g *Gateway) writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("cache-control", "no-store")
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("No healthy sandbox available"))
}

// rewrite composes the upstream URL (target's scheme+host, incoming
// path+query verbatim) and proxies the request, attaching observability
// headers per spec §4.6.
func (g *Gateway) rewrite(w http.ResponseWriter, r *http.Request, target *url.URL, label backendLabel) {
	routing := "edge-rewrite"
	if label == labelFallback {
		routing = "edge-rewrite-stale"
	}
	g.observe(routing)

	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: target.Scheme, Host: target.Host})
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
		req.Header.Set("x-sandbox-origin", target.Scheme+"://"+target.Host)
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set("x-sandbox-origin", target.Scheme+"://"+target.Host)
		resp.Header.Set("x-sandbox-routing", routing)
		if g.cfg.DebugSandboxRouting {
			g.attachDebugHeaders(resp, r, target)
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.log.Warn("reverse proxy error", zap.Error(err), zap.String("target", target.String()))
		g.writeUnavailable(w)
	}

	proxy.ServeHTTP(w, r)
}

// attachDebugHeaders issues a HEAD (for GET/HEAD requests) or OPTIONS probe
// against the composed URL and reports its status, per spec §4.6's
// DEBUG_SANDBOX_ROUTING mode.
func (g *Gateway) attachDebugHeaders(resp *http.Response, r *http.Request, target *url.URL) {
	probeURL := *target
	probeURL.Path = r.URL.Path
	probeURL.RawQuery = r.URL.RawQuery

	method := http.MethodOptions
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		method = http.MethodHead
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, probeURL.String(), nil)
	if err != nil {
		resp.Header.Set("x-sandbox-probe-status", "-1")
		resp.Header.Set("x-sandbox-probe-error", err.Error())
		return
	}

	probeResp, err := g.probeClient.Do(req)
	if err != nil {
		resp.Header.Set("x-sandbox-probe-status", "-1")
		resp.Header.Set("x-sandbox-probe-error", err.Error())
		return
	}
	defer probeResp.Body.Close()
	resp.Header.Set("x-sandbox-probe-status", strconv.Itoa(probeResp.StatusCode))
}

func parseURLValue(raw []byte) (*url.URL, bool) {
	if raw == nil {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return nil, false
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	return u, true
}
