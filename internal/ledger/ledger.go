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

// Package ledger tracks which calendar events already exist for a given
// (company, stage, date-bucket) key. It is the single source of truth that
// prevents double-booking: recruiters repeat the same interview slot across
// reply threads and follow-ups, and naive per-message event creation would
// produce one event per email.
//
// Entries are append-only for event identity — once an event id is recorded
// under a key it is never overwritten — and update-only for message
// membership. The pipeline never deletes entries.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stagesync/pipeline/internal/models"
)

// Entry is the persisted record for one dedup key.
type Entry struct {
	Key        string
	Company    string
	Stage      models.Stage
	EventID    string // external calendar event id; empty until one is created
	EventTime  time.Time
	MessageIDs []string
	UpdatedAt  time.Time
}

// HasMessage reports whether a message id is already a member of this entry.
func (e *Entry) HasMessage(id string) bool {
	for _, m := range e.MessageIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Store is the ledger contract the planner consults. Any failure here is
// fatal to a batch run — proceeding without the ledger would reintroduce the
// duplicate-event risk the pipeline exists to remove.
type Store interface {
	// Lookup returns the entry for a key, or nil when absent.
	Lookup(ctx context.Context, key string) (*Entry, error)

	// LookupLatest returns the most recently updated entry for a
	// company + stage regardless of date bucket, or nil. Rescheduled
	// interviews land in a new bucket but must still find the event that
	// was created for the old one.
	LookupLatest(ctx context.Context, company string, stage models.Stage) (*Entry, error)

	// Record upserts an entry: the message id is appended to the entry's
	// membership (set semantics) and the event id is set only when the
	// entry does not already carry one.
	Record(ctx context.Context, key, company string, stage models.Stage, messageID, eventID string, eventTime time.Time) error
}

// Key builds the stable, human-auditable dedup key
// "{company}:{stage}:{date-bucket}". The bucket is the event start truncated
// to the dedup window in UTC, so two messages pointing at the same
// real-world slot derive the same key.
func Key(company string, stage models.Stage, start time.Time, window time.Duration) string {
	if window <= 0 {
		window = 24 * time.Hour
	}
	bucket := start.UTC().Truncate(window).Format(time.RFC3339)
	return fmt.Sprintf("%s:%s:%s", NormalizeCompany(company), stage, bucket)
}

// NormalizeCompany makes a company identity stable across formatting
// differences in subjects and sender names. Callers serializing work per
// company must scope on this form, not the raw string, so that two spellings
// of one company can never race past each other.
func NormalizeCompany(company string) string {
	c := strings.ToLower(strings.TrimSpace(company))
	c = strings.Join(strings.Fields(c), "-")
	if c == "" {
		return "unknown"
	}
	return c
}
