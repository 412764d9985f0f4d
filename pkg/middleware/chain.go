// Package middleware provides a small before/after hook chain for wrapping
// http.Handlers, generalized from the same hook-chain shape used to wrap
// the rotation controller's reconcile step in this codebase's lineage.
package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Hook observes a request/response pair after the wrapped handler runs.
type Hook func(r *http.Request, status int, duration time.Duration)

// Chain wraps an http.Handler, invoking every registered Hook after each
// request completes.
type Chain struct {
	hooks []Hook
	log   *zap.Logger
}

// New builds an empty Chain.
func New(log *zap.Logger) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{log: log}
}

// Use registers a Hook, returning the Chain for fluent composition.
func (c *Chain) Use(h Hook) *Chain {
	c.hooks = append(c.hooks, h)
	return c
}

// Wrap returns an http.Handler that calls next and then every registered
// Hook with the observed status code and duration.
func (c *Chain) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(started)

		for _, h := range c.hooks {
			h(r, sw.status, duration)
		}
	})
}

// LoggingHook returns a Hook that logs each request at Info.
func LoggingHook(log *zap.Logger) Hook {
	return func(r *http.Request, status int, duration time.Duration) {
		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
