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

// Package models defines the data structures shared across the sync pipeline.
package models

import (
	"strings"
	"time"
)

// RawMessage is an email message as delivered by a mail source.
// It is immutable once fetched; the pipeline never mutates it.
type RawMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ContentType string    `json:"content_type,omitempty"` // "text/plain" or "text/html"
	ReceivedAt  time.Time `json:"received_at"`            // UTC
}

// NormalizedMessage is a RawMessage reduced to plain text. Created once per
// message at the start of a run and discarded at the end; never persisted.
type NormalizedMessage struct {
	ID         string
	From       string
	Subject    string
	Text       string // visible plain text, HTML stripped
	ReceivedAt time.Time
}

// Stage is the closed interview-stage taxonomy. Free-text stage strings are
// never produced anywhere in the pipeline.
type Stage string

const (
	StageAssessment  Stage = "assessment"
	StagePhoneScreen Stage = "phone_screen"
	StageTechnical   Stage = "technical"
	StageOnsiteFinal Stage = "onsite_final"
	StageRecruiter   Stage = "recruiter_scheduling"
)

// Stages lists all valid stages in default precedence order, most advanced
// first. A message mentioning several stages classifies as the first match.
var Stages = []Stage{
	StageOnsiteFinal,
	StageTechnical,
	StagePhoneScreen,
	StageAssessment,
	StageRecruiter,
}

// Label returns the human-readable form used in event titles and reports.
func (s Stage) Label() string {
	switch s {
	case StageAssessment:
		return "Assessment"
	case StagePhoneScreen:
		return "Phone Screen"
	case StageTechnical:
		return "Technical Interview"
	case StageOnsiteFinal:
		return "Onsite / Final"
	case StageRecruiter:
		return "Recruiter / Scheduling"
	}
	return string(s)
}

// ParseStage maps a config or delegate label onto the closed taxonomy.
func ParseStage(s string) (Stage, bool) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageAssessment:
		return StageAssessment, true
	case StagePhoneScreen:
		return StagePhoneScreen, true
	case StageTechnical:
		return StageTechnical, true
	case StageOnsiteFinal:
		return StageOnsiteFinal, true
	case StageRecruiter:
		return StageRecruiter, true
	}
	return "", false
}

// Classification is the result of running a message through the classifier.
// Interview == false means NotInterview; Stage is only meaningful when
// Interview is true. Confidence is a deterministic score in [0,1] used for
// threshold gating only, never persisted as ground truth.
type Classification struct {
	Interview   bool
	Stage       Stage
	Confidence  float64
	MeetingLink string // first Meet/Zoom/Teams/Webex link found, if any
}

// ExtractedTime is a candidate event start resolved to an absolute instant.
// RawPhrase keeps the text span the time was derived from for auditability.
type ExtractedTime struct {
	Start     time.Time
	RawPhrase string
}

// Decision is the action the planner chose for one message.
type Decision string

const (
	DecisionSkip   Decision = "skip"
	DecisionCreate Decision = "create_event"
	DecisionUpdate Decision = "update_event"
)

// Outcome records what actually happened when a decision was applied.
type Outcome string

const (
	OutcomeApplied Outcome = "applied" // sink write succeeded
	OutcomeDryRun  Outcome = "dry_run" // decision reported, no write issued
	OutcomeSkipped Outcome = "skipped" // nothing to apply
	OutcomeFailed  Outcome = "failed"  // sink write failed; eligible for retry next run
	OutcomeError   Outcome = "error"   // message could not be processed at all
)

// SyncDecision is the per-message output record of a pipeline run.
type SyncDecision struct {
	MessageID      string
	Company        string
	Classification Classification
	Time           *ExtractedTime
	Decision       Decision
	Outcome        Outcome
	Reason         string // populated for skips, errors, and failures
	EventID        string // external calendar event id, when known
}
