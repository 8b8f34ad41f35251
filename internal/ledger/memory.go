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
	"sync"
	"time"

	"github.com/stagesync/pipeline/internal/models"
)

// Memory is an in-process ledger. It backs tests and single-shot runs that
// do not need durability across invocations.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	clock   func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
		clock:   time.Now,
	}
}

// Lookup returns a copy of the entry for key, or nil when absent.
func (m *Memory) Lookup(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

// LookupLatest returns a copy of the most recently updated entry for a
// company + stage, or nil.
func (m *Memory) LookupLatest(_ context.Context, company string, stage models.Stage) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	company = NormalizeCompany(company)
	var latest *Entry
	for _, e := range m.entries {
		if e.Company != company || e.Stage != stage {
			continue
		}
		if latest == nil || e.UpdatedAt.After(latest.UpdatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyEntry(latest), nil
}

// Record upserts an entry under key. Membership is a set; the event id is
// write-once.
func (m *Memory) Record(_ context.Context, key, company string, stage models.Stage, messageID, eventID string, eventTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &Entry{
			Key:     key,
			Company: NormalizeCompany(company),
			Stage:   stage,
		}
		m.entries[key] = e
	}

	if !e.HasMessage(messageID) {
		e.MessageIDs = append(e.MessageIDs, messageID)
	}
	if e.EventID == "" && eventID != "" {
		e.EventID = eventID
		e.EventTime = eventTime
	}
	e.UpdatedAt = m.clock()
	return nil
}

// Len reports the number of keys recorded. Used by tests asserting that
// dry runs leave the ledger untouched.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.MessageIDs = append([]string(nil), e.MessageIDs...)
	return &cp
}
