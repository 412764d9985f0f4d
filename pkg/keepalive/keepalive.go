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

// Package keepalive implements the Keepalive Pinger (C4): a best-effort
// ping against a sandbox's internal keepalive endpoint. Errors are never
// fatal to the caller.
package keepalive

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const pingTimeout = 8 * time.Second

// Pinger issues keepalive pings.
type Pinger struct {
	client *http.Client
	token  string
	log    *zap.Logger
}

// New builds a Pinger. token is the shared secret sent as x-keepalive-token.
func New(client *http.Client, token string, log *zap.Logger) *Pinger {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pinger{client: client, token: token, log: log}
}

// Ping fires GET {baseURL}/internal/keepalive. The result is ignored;
// failures are logged at Warn and never affect control flow.
func (p *Pinger) Ping(ctx context.Context, baseURL string) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/internal/keepalive", nil)
	if err != nil {
		p.log.Warn("keepalive request build failed", zap.Error(err), zap.String("url", baseURL))
		return
	}
	req.Header.Set("x-keepalive-token", p.token)
	req.Header.Set("User-Agent", "sandbox-keepalive/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("keepalive ping failed", zap.Error(err), zap.String("url", baseURL))
		return
	}
	defer resp.Body.Close()
}
