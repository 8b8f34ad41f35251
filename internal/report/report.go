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

// Package report aggregates planner decisions into a stage-bucketed summary.
// Pure aggregation; an empty batch produces an all-zero report.
package report

import (
	"fmt"
	"strings"

	"github.com/stagesync/pipeline/internal/models"
)

// Row is one display line: who, what stage, and what the planner decided.
type Row struct {
	Company  string
	Stage    models.Stage
	Decision models.Decision
	Outcome  models.Outcome
}

// Summary counts decisions per stage plus the outcome buckets. A message is
// counted under its stage even when no event was created (TimePending skips
// stay visible), and every unprocessable message lands in Errors — nothing
// is dropped without an accounted reason.
type Summary struct {
	RunID       string
	StageCounts map[models.Stage]int
	Created     int
	Updated     int
	Skipped     int
	Failed      int // sink writes that failed; eligible for retry next run
	Errors      int
	Rows        []Row
}

// Build aggregates a run's decisions.
func Build(decisions []models.SyncDecision) Summary {
	s := Summary{StageCounts: make(map[models.Stage]int)}

	for _, d := range decisions {
		if d.Outcome == models.OutcomeError {
			s.Errors++
			continue
		}

		if d.Classification.Interview {
			s.StageCounts[d.Classification.Stage]++
			s.Rows = append(s.Rows, Row{
				Company:  d.Company,
				Stage:    d.Classification.Stage,
				Decision: d.Decision,
				Outcome:  d.Outcome,
			})
		}

		switch {
		case d.Outcome == models.OutcomeFailed:
			s.Failed++
		case d.Decision == models.DecisionCreate:
			s.Created++
		case d.Decision == models.DecisionUpdate:
			s.Updated++
		default:
			s.Skipped++
		}
	}

	return s
}

// String renders the summary for CLI output.
func (s Summary) String() string {
	var b strings.Builder
	b.WriteString("interview sync summary\n")
	for _, stage := range models.Stages {
		if n := s.StageCounts[stage]; n > 0 {
			fmt.Fprintf(&b, "  %-22s %d\n", stage.Label(), n)
		}
	}
	fmt.Fprintf(&b, "  created=%d updated=%d skipped=%d failed=%d errors=%d\n",
		s.Created, s.Updated, s.Skipped, s.Failed, s.Errors)
	for _, r := range s.Rows {
		fmt.Fprintf(&b, "  %-20s %-22s %s (%s)\n", r.Company, r.Stage.Label(), r.Decision, r.Outcome)
	}
	return b.String()
}
