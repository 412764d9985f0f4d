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

// Package sandboxstate defines the persisted state document shared between
// the rotation controller and the routing gateway.
package sandboxstate

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a SandboxRecord.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusHealthy      Status = "healthy"
	StatusUnhealthy    Status = "unhealthy"
)

// SandboxRecord is the canonical description of one provisioned instance.
type SandboxRecord struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// DrainingSandboxRecord is a SandboxRecord retained for DRAIN_GRACE_MS after
// it is superseded by a newly promoted instance.
type DrainingSandboxRecord struct {
	SandboxRecord
	DrainStartedAt time.Time `json:"drainStartedAt"`

	// StopAttempts counts consecutive failed non-404 Stop calls against this
	// record across ticks, capped at MaxDrainStopAttempts before the record
	// is force-dropped.
	StopAttempts int `json:"stopAttempts,omitempty"`
}

// Failure records the reason and time of the last fatal tick error.
type Failure struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// State is the single persisted document at key sandbox_state.
type State struct {
	Active         *SandboxRecord          `json:"active"`
	Draining       []DrainingSandboxRecord `json:"draining"`
	LastRotationAt *time.Time              `json:"lastRotationAt"`
	LastCheckAt    *time.Time              `json:"lastCheckAt"`
	LastFailure    *Failure                `json:"lastFailure"`
}

// Empty returns the bootstrap value used when no state has ever been
// written: {active: null, draining: []}.
func Empty() *State {
	return &State{Draining: []DrainingSandboxRecord{}}
}

// Clone produces a structurally independent copy of the state document via
// a JSON round-trip, so that mutating the clone never aliases the original
// (per the "deep clone" design note — any implementation satisfying
// independence is acceptable, and a serializer round-trip is the simplest
// one here since the document is already JSON at rest).
func (s *State) Clone() *State {
	if s == nil {
		return Empty()
	}
	raw, err := json.Marshal(s)
	if err != nil {
		// Marshaling our own well-typed struct cannot fail; if it somehow
		// does, fall back to the empty document rather than panic mid-tick.
		return Empty()
	}
	clone := &State{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return Empty()
	}
	if clone.Draining == nil {
		clone.Draining = []DrainingSandboxRecord{}
	}
	return clone
}

// RotationDue reports whether ROTATION_INTERVAL_MS has elapsed since
// LastRotationAt. A nil LastRotationAt is never due — the first rotation
// happens only because there is no active sandbox, not because of age.
func (s *State) RotationDue(now time.Time, interval time.Duration) bool {
	if s.LastRotationAt == nil {
		return false
	}
	return now.Sub(*s.LastRotationAt) >= interval
}

// IsDraining reports whether id currently appears in the draining list.
func (s *State) IsDraining(id string) bool {
	for _, d := range s.Draining {
		if d.ID == id {
			return true
		}
	}
	return false
}
