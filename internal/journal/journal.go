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

// Package journal publishes per-run sync decisions to a Redis list so
// downstream consumers (audit tooling, notification bots) can tail what the
// pipeline did without querying the ledger database.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stagesync/pipeline/internal/models"
)

// Journal writes decision records to a Redis list.
type Journal struct {
	rdb      *redis.Client
	listName string
}

// New creates a journal targeting the given list.
func New(rdb *redis.Client, listName string) *Journal {
	return &Journal{rdb: rdb, listName: listName}
}

// entry is the wire format of one journaled decision. EntryID is unique per
// publication; RunID groups the entries of a single batch.
type entry struct {
	EntryID    string    `json:"entry_id"`
	RunID      string    `json:"run_id"`
	LoggedAt   time.Time `json:"logged_at"`
	MessageID  string    `json:"message_id"`
	Company    string    `json:"company"`
	Stage      string    `json:"stage,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Decision   string    `json:"decision"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	StartsAt   string    `json:"starts_at,omitempty"`
}

// PublishRun appends every decision of a run to the list. Journal failures
// are reported to the caller but are never load-bearing: the ledger, not the
// journal, is the source of truth.
func (j *Journal) PublishRun(ctx context.Context, runID string, decisions []models.SyncDecision) error {
	now := time.Now().UTC()

	payloads := make([]interface{}, 0, len(decisions))
	for _, d := range decisions {
		e := entry{
			EntryID:    uuid.New().String(),
			RunID:      runID,
			LoggedAt:   now,
			MessageID:  d.MessageID,
			Company:    d.Company,
			Decision:   string(d.Decision),
			Outcome:    string(d.Outcome),
			Reason:     d.Reason,
			EventID:    d.EventID,
			Confidence: d.Classification.Confidence,
		}
		if d.Classification.Interview {
			e.Stage = string(d.Classification.Stage)
		}
		if d.Time != nil {
			e.StartsAt = d.Time.Start.Format(time.RFC3339)
		}

		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal journal entry: %w", err)
		}
		payloads = append(payloads, string(b))
	}

	if len(payloads) == 0 {
		return nil
	}

	if err := j.rdb.LPush(ctx, j.listName, payloads...).Err(); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", j.listName, err)
	}

	slog.Info("run journaled",
		"run_id", runID,
		"entries", len(payloads),
		"list", j.listName,
	)
	return nil
}

// Ping checks the Redis connection.
func (j *Journal) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return j.rdb.Ping(ctx).Err()
}
