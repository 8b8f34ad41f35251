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

// Package planner orchestrates a batch run: normalize each message, run
// classification and time extraction in parallel, then serialize
// lookup-then-record against the dedup ledger per (company, stage) so that
// two messages resolving to the same slot can never both create an event.
//
// No error in one message aborts the batch. The single fatal condition is a
// ledger storage failure: proceeding without the ledger would reintroduce
// the duplicate-event risk the pipeline exists to remove.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stagesync/pipeline/internal/calendar"
	"github.com/stagesync/pipeline/internal/classify"
	"github.com/stagesync/pipeline/internal/extract"
	"github.com/stagesync/pipeline/internal/ledger"
	"github.com/stagesync/pipeline/internal/models"
	"github.com/stagesync/pipeline/internal/normalize"
	"github.com/stagesync/pipeline/internal/report"
)

// Skip reasons surfaced on decisions. Stable strings so operators can grep
// run output.
const (
	reasonNotInterview  = "not interview-related"
	reasonNoTime        = "no actionable time found"
	reasonDuplicate     = "duplicate of already-synced interview"
	reasonAlreadySeen   = "already processed in a previous run"
	reasonCreateFailed  = "calendar create failed; retrying next run"
	reasonUpdateFailed  = "calendar update failed; retrying next run"
	reasonMalformedTmpl = "malformed message: %v"
)

// SeenChecker is the optional fast path that skips mail already processed by
// an earlier run. Failures here are logged and ignored — the ledger is the
// correctness mechanism, not this.
type SeenChecker interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	MarkSeen(ctx context.Context, messageID string) error
}

// Config carries the planner's dependencies and tuning.
type Config struct {
	Classifier *classify.Classifier
	Extractor  *extract.Extractor
	Ledger     ledger.Store
	Sink       calendar.Sink
	Seen       SeenChecker // optional

	// DedupWindow defines the date bucket: two extracted times within one
	// window of each other refer to the same real-world slot. Default 24h.
	DedupWindow time.Duration

	// EventDuration is the length of created calendar events. Default 1h.
	EventDuration time.Duration

	// MaxConcurrency caps simultaneous classification/extraction and
	// outbound sink calls. Default 8; unbounded fan-out is never allowed.
	MaxConcurrency int
}

// Planner runs batches of raw messages through the pipeline.
type Planner struct {
	cfg   Config
	locks *keyedLocks
}

// New creates a planner. Classifier, Extractor, Ledger, and Sink are
// required.
func New(cfg Config) *Planner {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.EventDuration <= 0 {
		cfg.EventDuration = time.Hour
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Planner{cfg: cfg, locks: newKeyedLocks()}
}

// classified is the phase-one result for a single message.
type classified struct {
	norm    models.NormalizedMessage
	company string
	cls     models.Classification
	t       *models.ExtractedTime
	seen    bool
	malErr  error
}

// ProcessBatch is the pipeline's sole entry point. Messages are independent
// and processed in parallel; the returned decisions preserve input order.
// In dry-run mode the full state machine runs, including ledger lookups, but
// no sink write happens and nothing is persisted.
func (p *Planner) ProcessBatch(ctx context.Context, messages []models.RawMessage, dryRun bool) ([]models.SyncDecision, report.Summary, error) {
	runID := uuid.New().String()
	slog.Info("processing batch",
		"run_id", runID,
		"messages", len(messages),
		"dry_run", dryRun,
	)

	// Phase 1: normalize + classify + extract, bounded fan-out. A slow
	// delegate call for one message must not block the others.
	results := make([]classified, len(messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)
	for i, raw := range messages {
		g.Go(func() error {
			results[i] = p.classifyOne(gctx, raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report.Summary{}, err
	}

	// Phase 2: decide + sync. Parallel across messages, serialized per
	// (company, stage) so lookup-then-record is a critical section.
	decisions := make([]models.SyncDecision, len(messages))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)
	for i, raw := range messages {
		g.Go(func() error {
			d, err := p.decideOne(gctx, raw, results[i], dryRun)
			if err != nil {
				return err // ledger failure — abort the batch
			}
			decisions[i] = d
			p.markProcessed(gctx, d, dryRun)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, report.Summary{}, fmt.Errorf("batch %s aborted: %w", runID, err)
	}

	summary := report.Build(decisions)
	summary.RunID = runID
	slog.Info("batch complete",
		"run_id", runID,
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"errors", summary.Errors,
	)
	return decisions, summary, nil
}

// classifyOne runs the per-message leaf stages. It never fails the batch.
func (p *Planner) classifyOne(ctx context.Context, raw models.RawMessage) classified {
	var c classified

	if p.cfg.Seen != nil {
		seen, err := p.cfg.Seen.Seen(ctx, raw.ID)
		if err != nil {
			slog.Warn("seen-filter check failed", "message_id", raw.ID, "error", err)
		} else if seen {
			c.seen = true
			return c
		}
	}

	norm, err := normalize.Message(raw)
	if err != nil {
		slog.Warn("message normalization failed", "message_id", raw.ID, "error", err)
		c.malErr = err
		return c
	}

	c.norm = norm
	c.company = classify.Company(norm)
	c.cls = p.cfg.Classifier.Classify(ctx, norm)
	if c.cls.Interview {
		c.t = p.cfg.Extractor.Extract(norm)
	}
	return c
}

// decideOne walks the state machine for one message:
// Classified → {Discarded | TimePending | TimeResolved}. The returned error
// is non-nil only on ledger storage failure.
func (p *Planner) decideOne(ctx context.Context, raw models.RawMessage, c classified, dryRun bool) (models.SyncDecision, error) {
	d := models.SyncDecision{
		MessageID:      raw.ID,
		Company:        c.company,
		Classification: c.cls,
		Time:           c.t,
	}

	switch {
	case c.seen:
		d.Decision = models.DecisionSkip
		d.Outcome = models.OutcomeSkipped
		d.Reason = reasonAlreadySeen
		return d, nil

	case c.malErr != nil:
		d.Decision = models.DecisionSkip
		d.Outcome = models.OutcomeError
		d.Reason = fmt.Sprintf(reasonMalformedTmpl, c.malErr)
		return d, nil

	case !c.cls.Interview:
		// Discarded. The ledger is never touched for these.
		d.Decision = models.DecisionSkip
		d.Outcome = models.OutcomeSkipped
		d.Reason = reasonNotInterview
		return d, nil

	case c.t == nil:
		// TimePending: counted in the stage summary, but no event without
		// an actionable time.
		d.Decision = models.DecisionSkip
		d.Outcome = models.OutcomeSkipped
		d.Reason = reasonNoTime
		return d, nil
	}

	// TimeResolved.
	return p.sync(ctx, d, c, dryRun)
}

// sync performs the ledger consultation and sink write for a TimeResolved
// message. The lookup-then-record sequence is serialized per company+stage.
func (p *Planner) sync(ctx context.Context, d models.SyncDecision, c classified, dryRun bool) (models.SyncDecision, error) {
	stage := c.cls.Stage
	key := ledger.Key(c.company, stage, c.t.Start, p.cfg.DedupWindow)

	// The lock scope must match the ledger's normalized company form: two
	// spellings of one company derive the same key and must serialize.
	unlock := p.locks.lock(ledger.NormalizeCompany(c.company) + ":" + string(stage))
	defer unlock()

	entry, err := p.cfg.Ledger.Lookup(ctx, key)
	if err != nil {
		return d, fmt.Errorf("ledger lookup %s: %w", key, err)
	}

	if entry != nil {
		// Same bucket: this slot already has its event.
		d.Decision = models.DecisionSkip
		d.Outcome = models.OutcomeSkipped
		d.Reason = reasonDuplicate
		d.EventID = entry.EventID
		if !dryRun && !entry.HasMessage(d.MessageID) {
			if err := p.cfg.Ledger.Record(ctx, key, c.company, stage, d.MessageID, "", time.Time{}); err != nil {
				return d, fmt.Errorf("ledger record %s: %w", key, err)
			}
		}
		return d, nil
	}

	prev, err := p.cfg.Ledger.LookupLatest(ctx, c.company, stage)
	if err != nil {
		return d, fmt.Errorf("ledger lookup latest %s/%s: %w", c.company, stage, err)
	}

	if prev != nil && prev.EventID != "" && !prev.EventTime.IsZero() {
		delta := c.t.Start.Sub(prev.EventTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= p.cfg.DedupWindow {
			// Bucket boundaries can split one real-world slot across two
			// keys; within the window it is still the same interview.
			d.Decision = models.DecisionSkip
			d.Outcome = models.OutcomeSkipped
			d.Reason = reasonDuplicate
			d.EventID = prev.EventID
			if !dryRun && !prev.HasMessage(d.MessageID) {
				if err := p.cfg.Ledger.Record(ctx, prev.Key, c.company, stage, d.MessageID, "", time.Time{}); err != nil {
					return d, fmt.Errorf("ledger record %s: %w", prev.Key, err)
				}
			}
			return d, nil
		}
		return p.updateEvent(ctx, d, c, key, prev, dryRun)
	}

	return p.createEvent(ctx, d, c, key, dryRun)
}

// createEvent issues a CreateEvent decision and, on real runs, the sink
// write plus ledger record. A sink failure leaves no ledger trace so the
// message stays eligible for retry on the next batch.
func (p *Planner) createEvent(ctx context.Context, d models.SyncDecision, c classified, key string, dryRun bool) (models.SyncDecision, error) {
	d.Decision = models.DecisionCreate

	if dryRun {
		d.Outcome = models.OutcomeDryRun
		return d, nil
	}

	eventID, err := p.cfg.Sink.CreateEvent(ctx, calendar.EventRequest{
		Company:     c.company,
		Stage:       c.cls.Stage,
		Start:       c.t.Start,
		Duration:    p.cfg.EventDuration,
		Description: eventDescription(c),
	})
	if err != nil {
		slog.Error("calendar create failed",
			"message_id", d.MessageID,
			"company", c.company,
			"error", err,
		)
		d.Outcome = models.OutcomeFailed
		d.Reason = reasonCreateFailed
		return d, nil
	}

	if err := p.cfg.Ledger.Record(ctx, key, c.company, c.cls.Stage, d.MessageID, eventID, c.t.Start); err != nil {
		return d, fmt.Errorf("ledger record %s: %w", key, err)
	}

	d.Outcome = models.OutcomeApplied
	d.EventID = eventID
	return d, nil
}

// updateEvent reschedules the previously created event instead of creating
// a second one. The new bucket's entry records the existing event id, so
// at-most-one-event-per-key still holds.
func (p *Planner) updateEvent(ctx context.Context, d models.SyncDecision, c classified, key string, prev *ledger.Entry, dryRun bool) (models.SyncDecision, error) {
	d.Decision = models.DecisionUpdate
	d.EventID = prev.EventID

	if dryRun {
		d.Outcome = models.OutcomeDryRun
		return d, nil
	}

	if err := p.cfg.Sink.UpdateEvent(ctx, prev.EventID, c.t.Start, p.cfg.EventDuration); err != nil {
		slog.Error("calendar update failed",
			"message_id", d.MessageID,
			"event_id", prev.EventID,
			"error", err,
		)
		d.Outcome = models.OutcomeFailed
		d.Reason = reasonUpdateFailed
		return d, nil
	}

	if err := p.cfg.Ledger.Record(ctx, key, c.company, c.cls.Stage, d.MessageID, prev.EventID, c.t.Start); err != nil {
		return d, fmt.Errorf("ledger record %s: %w", key, err)
	}

	d.Outcome = models.OutcomeApplied
	return d, nil
}

// markProcessed remembers terminal messages in the seen filter. Failed sink
// writes are deliberately not marked — they must retry next run — and
// unprocessable messages stay unmarked so they keep surfacing in the errors
// bucket instead of turning into already-seen skips. Dry runs never mark
// anything.
func (p *Planner) markProcessed(ctx context.Context, d models.SyncDecision, dryRun bool) {
	if p.cfg.Seen == nil || dryRun {
		return
	}
	if d.Outcome == models.OutcomeFailed || d.Outcome == models.OutcomeError || d.Reason == reasonAlreadySeen {
		return
	}
	if err := p.cfg.Seen.MarkSeen(ctx, d.MessageID); err != nil {
		slog.Warn("seen-filter mark failed", "message_id", d.MessageID, "error", err)
	}
}

// eventDescription assembles the audit trail carried onto the event.
func eventDescription(c classified) string {
	desc := fmt.Sprintf("Synced from email %q\nTime phrase: %q", c.norm.Subject, c.t.RawPhrase)
	if c.cls.MeetingLink != "" {
		desc += "\nMeeting link: " + c.cls.MeetingLink
	}
	return desc
}

// keyedLocks serializes work per dedup-key scope.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key, creating it on first use, and returns
// the unlock func.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
