// Copyright (c) 2026 John Earle
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

// Package calendar defines the external calendar sink the planner writes to,
// plus the Google Calendar implementation.
package calendar

import (
	"context"
	"time"

	"github.com/stagesync/pipeline/internal/models"
)

// EventRequest carries everything the sink needs to create one interview
// event.
type EventRequest struct {
	Company     string
	Stage       models.Stage
	Start       time.Time
	Duration    time.Duration
	Description string // source phrase + meeting link, for auditability
}

// Sink is the external calendar capability. Implementations are expected to
// be slow, remote, and occasionally failing; the planner treats every error
// here as recoverable (the message retries on the next run).
type Sink interface {
	// CreateEvent creates an event and returns its external id.
	CreateEvent(ctx context.Context, req EventRequest) (string, error)

	// UpdateEvent moves an existing event to a new start time.
	UpdateEvent(ctx context.Context, eventID string, newStart time.Time, duration time.Duration) error
}
