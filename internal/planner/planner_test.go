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

package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stagesync/pipeline/internal/calendar"
	"github.com/stagesync/pipeline/internal/classify"
	"github.com/stagesync/pipeline/internal/extract"
	"github.com/stagesync/pipeline/internal/ledger"
	"github.com/stagesync/pipeline/internal/models"
)

// mockSink implements calendar.Sink for testing.
type mockSink struct {
	mu        sync.Mutex
	created   []calendar.EventRequest
	updated   map[string]time.Time
	createErr error
	updateErr error
	nextID    int
}

func newMockSink() *mockSink {
	return &mockSink{updated: make(map[string]time.Time)}
}

func (m *mockSink) CreateEvent(_ context.Context, req calendar.EventRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	m.created = append(m.created, req)
	return fmt.Sprintf("evt-%d", m.nextID), nil
}

func (m *mockSink) UpdateEvent(_ context.Context, eventID string, newStart time.Time, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updated[eventID] = newStart
	return nil
}

func (m *mockSink) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

// mockSeen implements SeenChecker for testing.
type mockSeen struct {
	mu     sync.Mutex
	marked map[string]bool
}

func newMockSeen() *mockSeen {
	return &mockSeen{marked: make(map[string]bool)}
}

func (m *mockSeen) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked[id], nil
}

func (m *mockSeen) MarkSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[id] = true
	return nil
}

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func interviewMail(id, body string) models.RawMessage {
	return models.RawMessage{
		ID:         id,
		From:       "recruiter@acme.com",
		Subject:    "Technical interview",
		Body:       body,
		ReceivedAt: received,
	}
}

func testPlanner(store ledger.Store, sink calendar.Sink, seen SeenChecker) *Planner {
	return New(Config{
		Classifier:    classify.New(),
		Extractor:     extract.New(time.UTC),
		Ledger:        store,
		Sink:          sink,
		Seen:          seen,
		DedupWindow:   24 * time.Hour,
		EventDuration: time.Hour,
	})
}

// TestProcessBatch_EndToEnd runs a mixed batch: one actionable interview, a
// duplicate of it, and unrelated mail.
func TestProcessBatch_EndToEnd(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	p := testPlanner(store, sink, nil)

	batch := []models.RawMessage{
		interviewMail("m1", "Your technical interview is scheduled for March 14 at 2pm."),
		interviewMail("m2", "Reminder: your technical interview on March 14 at 2pm."),
		{ID: "m3", From: "friend@gmail.com", Subject: "lunch?", Body: "see you at noon", ReceivedAt: received},
	}

	decisions, summary, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("decisions = %d, want 3", len(decisions))
	}

	if sink.createCount() != 1 {
		t.Fatalf("created events = %d, want exactly 1 for a duplicated slot", sink.createCount())
	}

	// Exactly one of m1/m2 created; the other is a duplicate skip carrying
	// the same event id. Phase order is nondeterministic, so check by role.
	var applied, skipped *models.SyncDecision
	for i := range decisions[:2] {
		switch decisions[i].Outcome {
		case models.OutcomeApplied:
			applied = &decisions[i]
		case models.OutcomeSkipped:
			skipped = &decisions[i]
		}
	}
	if applied == nil || skipped == nil {
		t.Fatalf("want one applied and one skipped, got %+v", decisions[:2])
	}
	if applied.Decision != models.DecisionCreate {
		t.Errorf("applied decision = %s, want create_event", applied.Decision)
	}
	if skipped.EventID != applied.EventID {
		t.Errorf("duplicate skip event id = %q, want %q", skipped.EventID, applied.EventID)
	}

	if decisions[2].Outcome != models.OutcomeSkipped || decisions[2].Classification.Interview {
		t.Errorf("unrelated mail decision = %+v, want non-interview skip", decisions[2])
	}

	if summary.Created != 1 || summary.Errors != 0 {
		t.Errorf("summary = %+v, want created=1 errors=0", summary)
	}
	if summary.StageCounts[models.StageTechnical] != 2 {
		t.Errorf("technical count = %d, want 2 (duplicate stays visible)", summary.StageCounts[models.StageTechnical])
	}

	// Both interview message ids are members of the ledger entry.
	entry, _ := store.LookupLatest(context.Background(), "acme.com", models.StageTechnical)
	if entry == nil {
		t.Fatal("no ledger entry recorded")
	}
	if !entry.HasMessage("m1") || !entry.HasMessage("m2") {
		t.Errorf("ledger membership = %v, want both m1 and m2", entry.MessageIDs)
	}
}

// TestProcessBatch_Idempotent verifies reprocessing an already-synced batch
// produces only skips and no further sink writes.
func TestProcessBatch_Idempotent(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	p := testPlanner(store, sink, nil)

	batch := []models.RawMessage{
		interviewMail("m1", "Your technical interview is scheduled for March 14 at 2pm."),
	}

	if _, _, err := p.ProcessBatch(context.Background(), batch, false); err != nil {
		t.Fatal(err)
	}
	decisions, _, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}

	if sink.createCount() != 1 {
		t.Errorf("created events after rerun = %d, want 1", sink.createCount())
	}
	if decisions[0].Decision != models.DecisionSkip || decisions[0].Outcome != models.OutcomeSkipped {
		t.Errorf("rerun decision = %+v, want duplicate skip", decisions[0])
	}
	if decisions[0].EventID == "" {
		t.Error("rerun skip lost the existing event id")
	}
}

// TestProcessBatch_DryRun verifies a dry run reports the same decisions as a
// real run while leaving the sink, ledger, and seen filter untouched.
func TestProcessBatch_DryRun(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	seen := newMockSeen()
	p := testPlanner(store, sink, seen)

	batch := []models.RawMessage{
		interviewMail("m1", "Your technical interview is scheduled for March 14 at 2pm."),
	}

	decisions, _, err := p.ProcessBatch(context.Background(), batch, true)
	if err != nil {
		t.Fatal(err)
	}

	if decisions[0].Decision != models.DecisionCreate {
		t.Errorf("decision = %s, want create_event", decisions[0].Decision)
	}
	if decisions[0].Outcome != models.OutcomeDryRun {
		t.Errorf("outcome = %s, want dry_run", decisions[0].Outcome)
	}
	if sink.createCount() != 0 {
		t.Errorf("sink writes during dry run = %d, want 0", sink.createCount())
	}
	if store.Len() != 0 {
		t.Errorf("ledger entries after dry run = %d, want 0", store.Len())
	}
	if ok, _ := seen.Seen(context.Background(), "m1"); ok {
		t.Error("dry run marked message as seen")
	}

	// The subsequent real run performs the write the dry run predicted.
	real, _, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}
	if real[0].Decision != models.DecisionCreate || real[0].Outcome != models.OutcomeApplied {
		t.Errorf("real run decision = %+v, want applied create", real[0])
	}
}

// TestProcessBatch_Reschedule verifies a new time beyond the dedup window for
// an already-synced company+stage updates the existing event in place.
func TestProcessBatch_Reschedule(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	p := testPlanner(store, sink, nil)

	first := []models.RawMessage{
		interviewMail("m1", "Your technical interview is scheduled for March 14 at 2pm."),
	}
	if _, _, err := p.ProcessBatch(context.Background(), first, false); err != nil {
		t.Fatal(err)
	}

	second := []models.RawMessage{
		interviewMail("m2", "Your technical interview has been moved to March 20 at 10am."),
	}
	decisions, summary, err := p.ProcessBatch(context.Background(), second, false)
	if err != nil {
		t.Fatal(err)
	}

	d := decisions[0]
	if d.Decision != models.DecisionUpdate {
		t.Fatalf("decision = %s, want update_event", d.Decision)
	}
	if d.Outcome != models.OutcomeApplied {
		t.Errorf("outcome = %s, want applied", d.Outcome)
	}
	if d.EventID != "evt-1" {
		t.Errorf("event id = %q, want the originally created evt-1", d.EventID)
	}

	sink.mu.Lock()
	newStart, ok := sink.updated["evt-1"]
	sink.mu.Unlock()
	if !ok {
		t.Fatal("sink never received the update")
	}
	want := time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC)
	if !newStart.Equal(want) {
		t.Errorf("updated start = %v, want %v", newStart, want)
	}

	if sink.createCount() != 1 {
		t.Errorf("created events = %d, want 1 (reschedule must not create)", sink.createCount())
	}
	if summary.Updated != 1 || summary.Created != 0 {
		t.Errorf("summary = %+v, want updated=1 created=0", summary)
	}
}

// TestProcessBatch_NearbyBucketIsDuplicate verifies two times within the
// dedup window but in different date buckets still dedupe to one event.
func TestProcessBatch_NearbyBucketIsDuplicate(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	p := testPlanner(store, sink, nil)

	first := []models.RawMessage{
		interviewMail("m1", "Your technical interview is on 03/14/2026 at 11pm."),
	}
	if _, _, err := p.ProcessBatch(context.Background(), first, false); err != nil {
		t.Fatal(err)
	}

	// 01:00 the next day: a different bucket, but only 2h from the recorded
	// event time.
	second := []models.RawMessage{
		interviewMail("m2", "Correction: your technical interview is 03/15/2026 at 1am."),
	}
	decisions, _, err := p.ProcessBatch(context.Background(), second, false)
	if err != nil {
		t.Fatal(err)
	}

	d := decisions[0]
	if d.Decision != models.DecisionSkip || d.Outcome != models.OutcomeSkipped {
		t.Fatalf("decision = %+v, want duplicate skip", d)
	}
	if d.EventID != "evt-1" {
		t.Errorf("event id = %q, want evt-1", d.EventID)
	}
	if sink.createCount() != 1 {
		t.Errorf("created events = %d, want 1", sink.createCount())
	}
}

// TestProcessBatch_NoTime verifies an interview message without an actionable
// time is reported but never reaches the ledger or sink.
func TestProcessBatch_NoTime(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	p := testPlanner(store, sink, nil)

	batch := []models.RawMessage{
		interviewMail("m1", "We would like to schedule your technical interview soon."),
	}
	decisions, summary, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}

	d := decisions[0]
	if d.Decision != models.DecisionSkip || d.Outcome != models.OutcomeSkipped {
		t.Errorf("decision = %+v, want skip", d)
	}
	if d.Reason != reasonNoTime {
		t.Errorf("reason = %q, want %q", d.Reason, reasonNoTime)
	}
	if store.Len() != 0 {
		t.Errorf("ledger entries = %d, want 0", store.Len())
	}
	if summary.StageCounts[models.StageTechnical] != 1 {
		t.Errorf("stage count = %d, want 1 (time-pending stays visible)", summary.StageCounts[models.StageTechnical])
	}
}

// TestProcessBatch_NotInterviewNeverTouchesLedger verifies discarded mail
// leaves no ledger trace.
func TestProcessBatch_NotInterviewNeverTouchesLedger(t *testing.T) {
	store := ledger.NewMemory()
	p := testPlanner(store, newMockSink(), nil)

	batch := []models.RawMessage{
		{ID: "m1", From: "news@techcorp.com", Subject: "Weekly newsletter",
			Body: "interview tips on March 14 at 2pm", ReceivedAt: received},
	}
	decisions, _, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}

	if decisions[0].Reason != reasonNotInterview {
		t.Errorf("reason = %q, want %q", decisions[0].Reason, reasonNotInterview)
	}
	if store.Len() != 0 {
		t.Errorf("ledger entries = %d, want 0", store.Len())
	}
}

// TestProcessBatch_SinkFailureRetries verifies a failed create leaves no
// ledger or seen-filter trace, so the next run retries and succeeds.
func TestProcessBatch_SinkFailureRetries(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	sink.createErr = errors.New("calendar unavailable")
	seen := newMockSeen()
	p := testPlanner(store, sink, seen)

	batch := []models.RawMessage{
		interviewMail("m1", "Your technical interview is scheduled for March 14 at 2pm."),
	}

	decisions, summary, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("sink failure must not abort the batch: %v", err)
	}
	if decisions[0].Outcome != models.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", decisions[0].Outcome)
	}
	if summary.Created != 0 {
		t.Errorf("summary.Created = %d, want 0", summary.Created)
	}
	if summary.Failed != 1 {
		t.Errorf("summary.Failed = %d, want 1", summary.Failed)
	}
	if store.Len() != 0 {
		t.Errorf("ledger entries after failed create = %d, want 0", store.Len())
	}
	if ok, _ := seen.Seen(context.Background(), "m1"); ok {
		t.Error("failed message marked seen; it would never retry")
	}

	// Sink recovers; the same message now syncs.
	sink.mu.Lock()
	sink.createErr = nil
	sink.mu.Unlock()

	decisions, _, err = p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}
	if decisions[0].Outcome != models.OutcomeApplied {
		t.Errorf("retry outcome = %s, want applied", decisions[0].Outcome)
	}
	if sink.createCount() != 1 {
		t.Errorf("created events = %d, want 1", sink.createCount())
	}
}

// TestProcessBatch_SeenFilterShortCircuits verifies previously processed
// messages skip the whole pipeline on later runs.
func TestProcessBatch_SeenFilterShortCircuits(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	seen := newMockSeen()
	p := testPlanner(store, sink, seen)

	batch := []models.RawMessage{
		interviewMail("m1", "Your technical interview is scheduled for March 14 at 2pm."),
	}

	if _, _, err := p.ProcessBatch(context.Background(), batch, false); err != nil {
		t.Fatal(err)
	}
	if ok, _ := seen.Seen(context.Background(), "m1"); !ok {
		t.Fatal("successful message not marked seen")
	}

	decisions, _, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}
	if decisions[0].Reason != reasonAlreadySeen {
		t.Errorf("reason = %q, want %q", decisions[0].Reason, reasonAlreadySeen)
	}
}

// TestProcessBatch_MalformedMessage verifies undecodable mail is accounted as
// an error without aborting the batch.
func TestProcessBatch_MalformedMessage(t *testing.T) {
	store := ledger.NewMemory()
	sink := newMockSink()
	p := testPlanner(store, sink, nil)

	batch := []models.RawMessage{
		{ID: "bad", Body: string([]byte{0xff, 0xfe}), ReceivedAt: received},
		interviewMail("m2", "Your technical interview is scheduled for March 14 at 2pm."),
	}

	decisions, summary, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}

	if decisions[0].Outcome != models.OutcomeError {
		t.Errorf("outcome = %s, want error", decisions[0].Outcome)
	}
	if summary.Errors != 1 {
		t.Errorf("summary.Errors = %d, want 1", summary.Errors)
	}
	if decisions[1].Outcome != models.OutcomeApplied {
		t.Errorf("healthy message outcome = %s, want applied", decisions[1].Outcome)
	}
}

// TestProcessBatch_MalformedNotMarkedSeen verifies unprocessable mail keeps
// surfacing in the errors bucket on later runs instead of becoming an
// already-seen skip.
func TestProcessBatch_MalformedNotMarkedSeen(t *testing.T) {
	seen := newMockSeen()
	p := testPlanner(ledger.NewMemory(), newMockSink(), seen)

	batch := []models.RawMessage{
		{ID: "bad", Body: string([]byte{0xff, 0xfe}), ReceivedAt: received},
	}

	if _, _, err := p.ProcessBatch(context.Background(), batch, false); err != nil {
		t.Fatal(err)
	}
	if ok, _ := seen.Seen(context.Background(), "bad"); ok {
		t.Fatal("malformed message marked seen; later runs would hide the error")
	}

	_, summary, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Errors != 1 {
		t.Errorf("rerun errors = %d, want 1", summary.Errors)
	}
}

// slowStore widens the lookup window so racing writers become observable.
type slowStore struct {
	*ledger.Memory
}

func (s *slowStore) Lookup(ctx context.Context, key string) (*ledger.Entry, error) {
	time.Sleep(30 * time.Millisecond)
	return s.Memory.Lookup(ctx, key)
}

// TestProcessBatch_CompanyFormattingSerializes verifies two concurrent
// messages whose derived companies differ only in formatting serialize onto
// one dedup scope and produce a single event.
func TestProcessBatch_CompanyFormattingSerializes(t *testing.T) {
	store := &slowStore{Memory: ledger.NewMemory()}
	sink := newMockSink()
	p := testPlanner(store, sink, nil)

	batch := []models.RawMessage{
		{ID: "m1", From: "scheduler@hire.example.io",
			Subject:    "Technical interview with Acme Corp",
			Body:       "Your technical interview is scheduled for March 14 at 2pm.",
			ReceivedAt: received},
		{ID: "m2", From: "scheduler@hire.example.io",
			Subject:    "Technical interview with ACME Corp",
			Body:       "Reminder: your technical interview is March 14 at 2pm.",
			ReceivedAt: received},
	}

	decisions, _, err := p.ProcessBatch(context.Background(), batch, false)
	if err != nil {
		t.Fatal(err)
	}

	if sink.createCount() != 1 {
		t.Fatalf("created events = %d, want 1 for one dedup key", sink.createCount())
	}
	for _, d := range decisions {
		if d.EventID != "evt-1" {
			t.Errorf("message %s event id = %q, want evt-1", d.MessageID, d.EventID)
		}
	}
}

// errorStore wraps a ledger and fails lookups on demand.
type errorStore struct {
	*ledger.Memory
	fail bool
}

func (s *errorStore) Lookup(ctx context.Context, key string) (*ledger.Entry, error) {
	if s.fail {
		return nil, errors.New("ledger down")
	}
	return s.Memory.Lookup(ctx, key)
}

// TestProcessBatch_LedgerFailureAborts verifies ledger unavailability is the
// one batch-fatal failure.
func TestProcessBatch_LedgerFailureAborts(t *testing.T) {
	store := &errorStore{Memory: ledger.NewMemory(), fail: true}
	p := testPlanner(store, newMockSink(), nil)

	batch := []models.RawMessage{
		interviewMail("m1", "Your technical interview is scheduled for March 14 at 2pm."),
	}

	if _, _, err := p.ProcessBatch(context.Background(), batch, false); err == nil {
		t.Fatal("expected error when the ledger is unavailable")
	}
}
