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

// Package store implements the State Store Adapter (C1): reads and writes
// named keys against an external, eventually-consistent config store
// modeled on Vercel Edge Config's PATCH API.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// Routing pointer and legacy key names, per spec §3/§6.
const (
	KeyActiveURL        = "sandbox_active_url"
	KeyLastKnownGoodURL = "sandbox_last_known_good_url"
	KeyPreviousURL      = "sandbox_previous_url"
	KeyState            = "sandbox_state"

	LegacyKeyActiveURL        = "sandbox.activeUrl"
	LegacyKeyLastKnownGoodURL = "sandbox.lastKnownGoodUrl"
	LegacyKeyState            = "sandbox.state"
)

// Op is a single mutation applied atomically by Apply.
type Op struct {
	Operation string `json:"operation"` // "upsert" or "delete"
	Key       string `json:"key"`
	Value     any    `json:"value,omitempty"`
}

func Upsert(key string, value any) Op { return Op{Operation: "upsert", Key: key, Value: value} }
func Delete(key string) Op            { return Op{Operation: "delete", Key: key} }

// Store is the C1 contract.
type Store interface {
	// Read returns the current value for key, or nil if unset.
	Read(ctx context.Context, key string) (json.RawMessage, error)
	// ReadFirst tries keys in order and returns the first non-null value.
	ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error)
	// Apply atomically applies a batch of upsert/delete operations.
	Apply(ctx context.Context, ops ...Op) error
}

// EdgeConfigStore is an HTTP-backed Store against the edge-config PATCH
// contract: PATCH {base}/v1/edge-config/{id}/items with a bearer token.
type EdgeConfigStore struct {
	baseURL   string
	configID  string
	token     string
	client    *http.Client
	log       *zap.Logger
}

// New builds an EdgeConfigStore. client may be nil, in which case a client
// with a 10s timeout is used — edge-config reads/writes are small JSON
// payloads and should never hang.
func New(baseURL, configID, token string, client *http.Client, log *zap.Logger) *EdgeConfigStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EdgeConfigStore{baseURL: baseURL, configID: configID, token: token, client: client, log: log}
}

// Read fetches the current value of a single key. A store that has no such
// key returns (nil, nil) — null is a valid answer, not an error.
func (s *EdgeConfigStore) Read(ctx context.Context, key string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/v1/edge-config/%s/item/%s", s.baseURL, s.configID, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindStoreRead, "building read request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindStoreRead, fmt.Sprintf("reading key %q", key), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindStoreRead, fmt.Sprintf("reading body for key %q", key), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, werrors.New(werrors.KindStoreRead, fmt.Sprintf("key %q: status %d: %s", key, resp.StatusCode, string(body)))
	}
	if len(body) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// ReadFirst tries keys in order and returns the first non-null value,
// implementing the legacy-key fallback described in spec §3/§4.1.
func (s *EdgeConfigStore) ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error) {
	var lastErr error
	for _, k := range keys {
		v, err := s.Read(ctx, k)
		if err != nil {
			lastErr = err
			continue
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, lastErr
}

// Apply atomically applies a batch of operations in one PATCH request, so
// the write is all-or-nothing from the caller's viewpoint.
func (s *EdgeConfigStore) Apply(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	body, err := json.Marshal(struct {
		Items []Op `json:"items"`
	}{Items: ops})
	if err != nil {
		return werrors.Wrap(werrors.KindStoreWrite, "marshaling patch body", err)
	}

	url := fmt.Sprintf("%s/v1/edge-config/%s/items", s.baseURL, s.configID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return werrors.Wrap(werrors.KindStoreWrite, "building patch request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return werrors.Wrap(werrors.KindStoreWrite, "applying patch", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return werrors.New(werrors.KindStoreWrite, fmt.Sprintf("patch failed: status %d: %s", resp.StatusCode, string(respBody)))
	}

	s.log.Debug("applied store patch", zap.Int("ops", len(ops)))
	return nil
}
