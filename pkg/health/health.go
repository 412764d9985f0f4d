// Copyright 2024 ARL-Infra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package health implements the Health Prober (C3): a bounded-timeout GET
// against a sandbox's /api/health endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const probeTimeout = 8 * time.Second

// Result is the outcome of a single Probe call.
type Result struct {
	Healthy bool
	Reason  string
	Payload map[string]any
}

// Prober issues health probes against sandbox instances.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// New builds a Prober. client may be nil, in which case a default client is
// used — the per-call context deadline is what actually bounds the request.
func New(client *http.Client, timeout time.Duration) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = probeTimeout
	}
	return &Prober{client: client, timeout: timeout}
}

// Probe issues GET {baseURL}/api/health, hard-bounded by the Prober's
// timeout (8s unless New was given another). role is
// informational (e.g. "active", "candidate") and only used for logging by
// callers; it is not sent to the remote.
func (p *Prober) Probe(ctx context.Context, baseURL, role string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/health", nil)
	if err != nil {
		return Result{Healthy: false, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", "sandbox-watchdog/1.0")
	req.Header.Set("x-sandbox-bypass", "true")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Healthy: false, Reason: fmt.Sprintf("timeout after %s: %v", p.timeout, err)}
		}
		return Result{Healthy: false, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Healthy: false, Reason: fmt.Sprintf("health-status-%d", resp.StatusCode)}
	}

	var payload map[string]any
	// A JSON parse failure is non-fatal: the probe still counts as healthy,
	// just with an empty payload.
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return Result{Healthy: true, Payload: payload}
}
