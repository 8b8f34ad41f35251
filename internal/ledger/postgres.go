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

package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagesync/pipeline/internal/models"
)

// Postgres is the durable ledger used by real runs. The upsert is a single
// statement so the append-only event id rule holds even when concurrent
// processes record against the same key.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed ledger and ensures its schema.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("ledger store initialised")
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          BIGSERIAL PRIMARY KEY,
			key         TEXT NOT NULL UNIQUE,
			company     TEXT NOT NULL,
			stage       TEXT NOT NULL,
			event_id    TEXT DEFAULT '',
			event_time  TIMESTAMPTZ,
			message_ids TEXT[] NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_company_stage ON ledger_entries(company, stage);
	`)
	return err
}

// Lookup returns the entry for a key, or nil when absent.
func (p *Postgres) Lookup(ctx context.Context, key string) (*Entry, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT key, company, stage, event_id, event_time, message_ids, updated_at
		FROM ledger_entries
		WHERE key = $1
	`, key)
	return scanEntry(row)
}

// LookupLatest returns the most recently updated entry for a company + stage.
func (p *Postgres) LookupLatest(ctx context.Context, company string, stage models.Stage) (*Entry, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT key, company, stage, event_id, event_time, message_ids, updated_at
		FROM ledger_entries
		WHERE company = $1 AND stage = $2
		ORDER BY updated_at DESC
		LIMIT 1
	`, NormalizeCompany(company), string(stage))
	return scanEntry(row)
}

// Record upserts an entry. Message membership is a set and the event id is
// write-once; both rules are enforced inside the statement itself.
func (p *Postgres) Record(ctx context.Context, key, company string, stage models.Stage, messageID, eventID string, eventTime time.Time) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ledger_entries (key, company, stage, event_id, event_time, message_ids)
		VALUES ($1, $2, $3, $4, $5, ARRAY[$6])
		ON CONFLICT (key) DO UPDATE SET
			message_ids = CASE
				WHEN $6 = ANY(ledger_entries.message_ids) THEN ledger_entries.message_ids
				ELSE array_append(ledger_entries.message_ids, $6)
			END,
			event_id = CASE
				WHEN ledger_entries.event_id = '' THEN EXCLUDED.event_id
				ELSE ledger_entries.event_id
			END,
			event_time = CASE
				WHEN ledger_entries.event_id = '' THEN EXCLUDED.event_time
				ELSE ledger_entries.event_time
			END,
			updated_at = NOW()
	`, key, NormalizeCompany(company), string(stage), eventID, nullableTime(eventTime), messageID)
	if err != nil {
		return fmt.Errorf("record ledger entry %s: %w", key, err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var eventTime *time.Time
	var stage string
	err := row.Scan(&e.Key, &e.Company, &stage, &e.EventID, &eventTime, &e.MessageIDs, &e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Stage = models.Stage(stage)
	if eventTime != nil {
		e.EventTime = *eventTime
	}
	return &e, nil
}
