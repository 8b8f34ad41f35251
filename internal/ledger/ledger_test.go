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
	"sync"
	"testing"
	"time"

	"github.com/stagesync/pipeline/internal/models"
)

// TestKey_SameSlotSameKey verifies two times inside one dedup window derive
// the same key, across company formatting differences.
func TestKey_SameSlotSameKey(t *testing.T) {
	window := 24 * time.Hour
	t1 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)

	k1 := Key("Acme Corp", models.StageTechnical, t1, window)
	k2 := Key("  acme   corp ", models.StageTechnical, t2, window)

	if k1 != k2 {
		t.Errorf("keys differ for the same slot: %q vs %q", k1, k2)
	}
	if k1 != "acme-corp:technical:2026-03-14T00:00:00Z" {
		t.Errorf("unexpected key form: %q", k1)
	}
}

// TestKey_DifferentBuckets verifies times in different windows derive
// different keys, as do different stages.
func TestKey_DifferentBuckets(t *testing.T) {
	window := 24 * time.Hour
	t1 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)

	if Key("acme", models.StageTechnical, t1, window) == Key("acme", models.StageTechnical, t2, window) {
		t.Error("keys equal across buckets")
	}
	if Key("acme", models.StageTechnical, t1, window) == Key("acme", models.StageOnsiteFinal, t1, window) {
		t.Error("keys equal across stages")
	}
}

// TestKey_NonUTCInput verifies bucket derivation is stable regardless of the
// zone the start time arrives in.
func TestKey_NonUTCInput(t *testing.T) {
	pacific, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatal(err)
	}
	utc := time.Date(2026, 3, 14, 17, 0, 0, 0, time.UTC)

	k1 := Key("acme", models.StageTechnical, utc, 24*time.Hour)
	k2 := Key("acme", models.StageTechnical, utc.In(pacific), 24*time.Hour)
	if k1 != k2 {
		t.Errorf("keys differ across zones: %q vs %q", k1, k2)
	}
}

// TestMemory_EventIDWriteOnce verifies the append-only event identity rule.
func TestMemory_EventIDWriteOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)

	if err := m.Record(ctx, "k1", "acme", models.StageTechnical, "msg1", "evt-1", start); err != nil {
		t.Fatal(err)
	}
	if err := m.Record(ctx, "k1", "acme", models.StageTechnical, "msg2", "evt-2", start.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	e, err := m.Lookup(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("Lookup returned nil for recorded key")
	}
	if e.EventID != "evt-1" {
		t.Errorf("EventID = %q, want first-written evt-1", e.EventID)
	}
	if !e.EventTime.Equal(start) {
		t.Errorf("EventTime = %v, want %v", e.EventTime, start)
	}
}

// TestMemory_MembershipIsSet verifies repeated message ids never duplicate.
func TestMemory_MembershipIsSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Record(ctx, "k1", "acme", models.StageTechnical, "msg1", "evt-1", time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	e, _ := m.Lookup(ctx, "k1")
	if len(e.MessageIDs) != 1 {
		t.Errorf("MessageIDs = %v, want a single member", e.MessageIDs)
	}
	if !e.HasMessage("msg1") {
		t.Error("HasMessage(msg1) = false")
	}
}

// TestMemory_LookupMiss verifies absent keys return nil, nil.
func TestMemory_LookupMiss(t *testing.T) {
	m := NewMemory()
	e, err := m.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e != nil {
		t.Errorf("Lookup = %+v, want nil", e)
	}
}

// TestMemory_LookupLatest verifies the most recently updated entry wins and
// company matching uses the normalized form.
func TestMemory_LookupLatest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { now = now.Add(time.Minute); return now }

	m.Record(ctx, "k-old", "acme", models.StageTechnical, "msg1", "evt-old", now)
	m.Record(ctx, "k-new", "Acme", models.StageTechnical, "msg2", "evt-new", now)
	m.Record(ctx, "k-other", "acme", models.StageOnsiteFinal, "msg3", "evt-onsite", now)

	e, err := m.LookupLatest(ctx, "ACME", models.StageTechnical)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("LookupLatest returned nil")
	}
	if e.EventID != "evt-new" {
		t.Errorf("EventID = %q, want most recent evt-new", e.EventID)
	}

	miss, err := m.LookupLatest(ctx, "globex", models.StageTechnical)
	if err != nil {
		t.Fatal(err)
	}
	if miss != nil {
		t.Errorf("LookupLatest for unknown company = %+v, want nil", miss)
	}
}

// TestMemory_LookupReturnsCopy verifies callers cannot mutate stored state.
func TestMemory_LookupReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Record(ctx, "k1", "acme", models.StageTechnical, "msg1", "evt-1", time.Now())

	e, _ := m.Lookup(ctx, "k1")
	e.EventID = "tampered"
	e.MessageIDs[0] = "tampered"

	again, _ := m.Lookup(ctx, "k1")
	if again.EventID != "evt-1" || again.MessageIDs[0] != "msg1" {
		t.Errorf("stored entry mutated through a lookup copy: %+v", again)
	}
}

// TestMemory_ConcurrentRecord verifies the ledger holds up under parallel
// writers hitting the same key.
func TestMemory_ConcurrentRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgID := fmt.Sprintf("msg-%d", i)
			if err := m.Record(ctx, "k1", "acme", models.StageTechnical, msgID, fmt.Sprintf("evt-%d", i), time.Now()); err != nil {
				t.Errorf("Record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	e, _ := m.Lookup(ctx, "k1")
	if len(e.MessageIDs) != 20 {
		t.Errorf("MessageIDs = %d, want 20", len(e.MessageIDs))
	}
	if e.EventID == "" {
		t.Error("EventID empty after concurrent records")
	}
}
