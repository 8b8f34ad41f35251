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

// Package classify decides whether a normalized message is interview-related
// and, if so, which stage of the hiring process it represents.
//
// Classification is layered: a cheap deterministic keyword gate rejects
// obviously irrelevant mail before anything expensive runs; messages passing
// the gate get a stage assigned by precedence (most advanced stage wins when
// several cues co-occur); an optional external delegate can refine the stage
// but any delegate failure degrades to the deterministic result rather than
// halting the batch.
package classify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/stagesync/pipeline/internal/models"
)

// Delegate is an injectable external classification capability, e.g. an LLM
// behind an HTTP endpoint. ok=false means "not interview-related". Delegates
// must return one of the closed stages, never free text.
type Delegate interface {
	Classify(ctx context.Context, text string) (stage models.Stage, ok bool, err error)
}

// negativeSubject rejects known noise categories outright, before the gate.
var negativeSubject = []string{
	"webinar", "digest", "newsletter", "shuttle", "tracking", "rent",
	"alumni", "subscription", "cleaning", "consultation", "appointment only",
	"live now", "community notice", "lane closure", "unsubscribe",
}

// negativeFrom rejects senders that never schedule interviews.
var negativeFrom = []string{
	"amenify", "apartment", "leasing", "community", "shuttle", "alumni",
	"subscription", "cleaning", "donotreply", "no-reply", "noreply",
	"newsletter", "marketing",
}

// atsDomains are applicant-tracking systems whose mail passes the gate even
// without an explicit stage phrase in the text.
var atsDomains = []string{
	"greenhouse.io", "lever.co", "ashbyhq.com", "myworkday.com",
	"workday.com", "smartrecruiters.com", "icims.com", "hackerrankforwork.com",
	"amazon.jobs", "jobvite.com",
}

// stageCues maps each stage to the phrases that indicate it. Matching is
// case-insensitive substring matching over subject + body.
var stageCues = map[models.Stage][]string{
	models.StageAssessment: {
		"assessment", "online assessment", "coding test", "online test",
		"hackerrank", "codility", "karat", "testgorilla", "hirevue",
		"take-home", "take home", "assignment",
	},
	models.StagePhoneScreen: {
		"phone screen", "phone screening", "recruiter call", "hr call",
		"initial call", "intro call", "screening call", "recruiter screen",
	},
	models.StageTechnical: {
		"technical interview", "technical screen", "coding interview",
		"engineer interview", "pair programming", "live coding",
		"system design interview", "technical round",
	},
	models.StageOnsiteFinal: {
		"onsite", "on-site", "final round", "final interview",
		"loop interview", "panel interview", "virtual onsite", "super day",
	},
	models.StageRecruiter: {
		"schedule a call", "schedule your interview", "scheduling your",
		"confirm your time", "confirm your availability", "reschedule",
		"interview invitation", "availability for an interview",
	},
}

// gateCues are generic interview signals accepted by the gate when no stage
// phrase matches directly. They are not enough to assign a stage on their own.
var gateCues = []string{
	"interview", "phone screen", "hiring manager", "talent acquisition",
	"next steps in the process", "selection process", "candidate",
}

var meetingLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://meet\.google\.com/[a-z\-]+`),
	regexp.MustCompile(`https?://[a-z0-9.\-]*zoom\.us/j/\d+[^\s]*`),
	regexp.MustCompile(`https?://teams\.microsoft\.com/l/meetup-join/[^\s]+`),
	regexp.MustCompile(`https?://[a-z0-9.\-]*webex\.com/[^\s]+`),
}

// Classifier assigns interview stages to normalized messages.
type Classifier struct {
	precedence []models.Stage
	delegate   Delegate
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithDelegate attaches an external classification capability.
func WithDelegate(d Delegate) Option {
	return func(c *Classifier) { c.delegate = d }
}

// WithPrecedence overrides the default stage precedence order.
func WithPrecedence(order []models.Stage) Option {
	return func(c *Classifier) {
		if len(order) > 0 {
			c.precedence = order
		}
	}
}

// New creates a classifier with the default precedence
// OnsiteFinal > Technical > PhoneScreen > Assessment > RecruiterScheduling.
func New(opts ...Option) *Classifier {
	c := &Classifier{precedence: models.Stages}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs the layered decision for one message. It never returns an
// error: delegate failures are logged and fall back to the deterministic
// result, and well-formed text always produces a classification.
func (c *Classifier) Classify(ctx context.Context, msg models.NormalizedMessage) models.Classification {
	text := strings.ToLower(msg.Subject + "\n" + msg.Text)
	from := strings.ToLower(msg.From)

	if isNoise(from, strings.ToLower(msg.Subject)) {
		return models.Classification{Interview: false}
	}

	stage, stageHits := c.matchStage(text)
	fromATS := senderMatchesATS(from)

	// Deterministic gate: at least one stage-indicative phrase, a generic
	// interview cue, or a known ATS sender. Everything else is rejected with
	// confidence 0 before any delegate call.
	if stageHits == 0 && !fromATS && !containsAny(text, gateCues) {
		return models.Classification{Interview: false}
	}

	link := findMeetingLink(text)

	// Best-effort deterministic result; also the fallback when the delegate
	// errors out. ATS mail or a meeting link without an explicit stage phrase
	// is recruiter coordination; a bare generic cue ("candidate", plain
	// "interview") is not enough on its own — that is how "application
	// received" autoreplies stay out.
	var result models.Classification
	switch {
	case stageHits > 0:
		result = models.Classification{
			Interview:   true,
			Stage:       stage,
			Confidence:  confidence(stageHits, fromATS, link != ""),
			MeetingLink: link,
		}
	case fromATS || link != "":
		result = models.Classification{
			Interview:   true,
			Stage:       models.StageRecruiter,
			Confidence:  0.4,
			MeetingLink: link,
		}
	default:
		result = models.Classification{Interview: false, MeetingLink: link}
	}

	if c.delegate != nil {
		if refined, ok := c.refine(ctx, msg); ok {
			refined.MeetingLink = link
			return refined
		}
	}

	return result
}

// refine asks the delegate for a stage. A delegate error or an out-of-range
// answer degrades to the deterministic result.
func (c *Classifier) refine(ctx context.Context, msg models.NormalizedMessage) (models.Classification, bool) {
	stage, ok, err := c.delegate.Classify(ctx, msg.Subject+"\n"+msg.Text)
	if err != nil {
		slog.Warn("classification delegate failed, using deterministic result",
			"message_id", msg.ID,
			"error", err,
		)
		return models.Classification{}, false
	}
	if !ok {
		return models.Classification{Interview: false}, true
	}
	canonical, valid := models.ParseStage(string(stage))
	if !valid {
		slog.Warn("classification delegate returned unknown stage, using deterministic result",
			"message_id", msg.ID,
			"stage", string(stage),
		)
		return models.Classification{}, false
	}
	return models.Classification{Interview: true, Stage: canonical, Confidence: 0.9}, true
}

// matchStage returns the highest-precedence stage whose cues appear in the
// text, plus the total number of stage cue hits across all stages.
func (c *Classifier) matchStage(text string) (models.Stage, int) {
	total := 0
	var matched models.Stage
	for _, stage := range c.precedence {
		hits := 0
		for _, cue := range stageCues[stage] {
			if strings.Contains(text, cue) {
				hits++
			}
		}
		if hits > 0 && matched == "" {
			matched = stage
		}
		total += hits
	}
	return matched, total
}

// confidence is a deterministic score: a stage match starts at 0.5 and each
// corroborating signal adds a fixed increment, capped at 1.0.
func confidence(stageHits int, fromATS, hasLink bool) float64 {
	if stageHits == 0 {
		return 0
	}
	score := 0.5 + 0.1*float64(stageHits-1)
	if fromATS {
		score += 0.15
	}
	if hasLink {
		score += 0.15
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func isNoise(from, subject string) bool {
	return containsAny(subject, negativeSubject) || containsAny(from, negativeFrom)
}

func senderMatchesATS(from string) bool {
	for _, d := range atsDomains {
		if strings.Contains(from, d) {
			return true
		}
	}
	return false
}

func findMeetingLink(text string) string {
	for _, pat := range meetingLinkPatterns {
		if m := pat.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
