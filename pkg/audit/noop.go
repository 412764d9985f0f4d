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

package audit

import "context"

// NoOpWriter discards every tick record. It is the default Writer when
// CLICKHOUSE_ENABLED is unset.
type NoOpWriter struct{}

func (NoOpWriter) RecordTick(ctx context.Context, rec TickAuditEntry) {}
func (NoOpWriter) Close() error                                      { return nil }
