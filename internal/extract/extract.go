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

// Package extract scans message text for a candidate meeting time.
//
// The anchor for every relative or year-less phrase is the message's
// received timestamp, and only instants strictly in the future relative to
// that anchor are accepted — a past-dated "time" is not actionable for
// scheduling, so the extractor returns nothing rather than guessing.
// A date with no clock time ("Feb 10", "March 3-5") is not calendar-ready
// and is ignored; for ranges with a time, the range start is the candidate.
package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stagesync/pipeline/internal/models"
)

const tzAbbr = `(?:\s*\b(pt|pst|pdt|et|est|edt|ct|cst|cdt|mt|mst|mdt|utc|gmt)\b)?`

// clockTime matches "2pm", "2:30 pm", "11:00am" with optional tz abbreviation.
const clockTime = `\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b` + tzAbbr

var (
	// "March 3", "Mar 3rd, 2026", "March 3-5" … followed by a time on the
	// same line. The optional "-5" tail is a date range; the start day wins.
	monthDayRe = regexp.MustCompile(
		`\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?` +
			`(?:\s*[-–—]\s*\d{1,2})?(?:,?\s*(\d{4}))?[^\n]{0,60}?` + clockTime)

	// "3/14 2pm", "03/14/2026 at 9:30 am".
	numericDateRe = regexp.MustCompile(
		`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b[^\n]{0,60}?` + clockTime)

	// "next Tuesday 2pm PT", "Friday at 10:00 am".
	weekdayRe = regexp.MustCompile(
		`\b(?:next\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b[^\n]{0,40}?` + clockTime)

	// "in 3 days at 10am".
	inDaysRe = regexp.MustCompile(
		`\bin\s+(\d{1,2})\s+days?\b[^\n]{0,40}?` + clockTime)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// tzLocations maps the abbreviations US recruiters actually write to IANA
// zones. Everything unlisted falls back to the configured default zone.
var tzLocations = map[string]string{
	"pt": "America/Los_Angeles", "pst": "America/Los_Angeles", "pdt": "America/Los_Angeles",
	"mt": "America/Denver", "mst": "America/Denver", "mdt": "America/Denver",
	"ct": "America/Chicago", "cst": "America/Chicago", "cdt": "America/Chicago",
	"et": "America/New_York", "est": "America/New_York", "edt": "America/New_York",
	"utc": "UTC", "gmt": "UTC",
}

// Extractor resolves calendar phrases against a default timezone.
type Extractor struct {
	defaultLoc *time.Location
}

// New creates an extractor. The default location is an explicit configuration
// choice, applied whenever a phrase carries no timezone of its own.
func New(defaultLoc *time.Location) *Extractor {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Extractor{defaultLoc: defaultLoc}
}

// candidate is one matched phrase, ordered by position in the text.
type candidate struct {
	pos    int
	start  time.Time
	phrase string
}

// Extract returns the first phrase in the message that resolves to an
// instant strictly after the received timestamp, or nil when nothing does.
func (e *Extractor) Extract(msg models.NormalizedMessage) *models.ExtractedTime {
	text := strings.ToLower(msg.Subject + "\n" + msg.Text)
	anchor := msg.ReceivedAt

	var cands []candidate
	cands = append(cands, e.monthDayCandidates(text, anchor)...)
	cands = append(cands, e.numericDateCandidates(text, anchor)...)
	cands = append(cands, e.weekdayCandidates(text, anchor)...)
	cands = append(cands, e.inDaysCandidates(text, anchor)...)

	sort.Slice(cands, func(i, j int) bool { return cands[i].pos < cands[j].pos })

	for _, c := range cands {
		if c.start.After(anchor) {
			return &models.ExtractedTime{Start: c.start, RawPhrase: c.phrase}
		}
	}
	return nil
}

func (e *Extractor) monthDayCandidates(text string, anchor time.Time) []candidate {
	var out []candidate
	for _, m := range monthDayRe.FindAllStringSubmatchIndex(text, -1) {
		month, ok := months[group(text, m, 1)]
		if !ok {
			continue
		}
		day := atoi(group(text, m, 2))
		year := atoi(group(text, m, 3))
		hour, min, ok := clock(group(text, m, 4), group(text, m, 5), group(text, m, 6))
		if !ok {
			continue
		}
		loc := e.location(group(text, m, 7))

		start := time.Date(yearOr(year, anchor.In(loc).Year()), month, day, hour, min, 0, 0, loc)
		if year == 0 && !start.After(anchor) {
			// Year-less date: nearest future occurrence.
			start = start.AddDate(1, 0, 0)
		}
		if start.Day() != day {
			continue // impossible date like Feb 30 rolled over
		}
		out = append(out, candidate{pos: m[0], start: start, phrase: text[m[0]:m[1]]})
	}
	return out
}

func (e *Extractor) numericDateCandidates(text string, anchor time.Time) []candidate {
	var out []candidate
	for _, m := range numericDateRe.FindAllStringSubmatchIndex(text, -1) {
		month := atoi(group(text, m, 1))
		day := atoi(group(text, m, 2))
		year := atoi(group(text, m, 3))
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		if year != 0 && year < 100 {
			year += 2000
		}
		hour, min, ok := clock(group(text, m, 4), group(text, m, 5), group(text, m, 6))
		if !ok {
			continue
		}
		loc := e.location(group(text, m, 7))

		start := time.Date(yearOr(year, anchor.In(loc).Year()), time.Month(month), day, hour, min, 0, 0, loc)
		if year == 0 && !start.After(anchor) {
			start = start.AddDate(1, 0, 0)
		}
		if start.Day() != day {
			continue
		}
		out = append(out, candidate{pos: m[0], start: start, phrase: text[m[0]:m[1]]})
	}
	return out
}

func (e *Extractor) weekdayCandidates(text string, anchor time.Time) []candidate {
	var out []candidate
	for _, m := range weekdayRe.FindAllStringSubmatchIndex(text, -1) {
		wd, ok := weekdays[group(text, m, 1)]
		if !ok {
			continue
		}
		hour, min, ok := clock(group(text, m, 2), group(text, m, 3), group(text, m, 4))
		if !ok {
			continue
		}
		loc := e.location(group(text, m, 5))

		// Next occurrence of the weekday strictly after the anchor date.
		day := anchor.In(loc)
		offset := (int(wd) - int(day.Weekday()) + 7) % 7
		if offset == 0 {
			offset = 7
		}
		day = day.AddDate(0, 0, offset)

		start := time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, loc)
		out = append(out, candidate{pos: m[0], start: start, phrase: text[m[0]:m[1]]})
	}
	return out
}

func (e *Extractor) inDaysCandidates(text string, anchor time.Time) []candidate {
	var out []candidate
	for _, m := range inDaysRe.FindAllStringSubmatchIndex(text, -1) {
		n := atoi(group(text, m, 1))
		hour, min, ok := clock(group(text, m, 2), group(text, m, 3), group(text, m, 4))
		if !ok {
			continue
		}
		loc := e.location(group(text, m, 5))

		day := anchor.In(loc).AddDate(0, 0, n)
		start := time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, loc)
		out = append(out, candidate{pos: m[0], start: start, phrase: text[m[0]:m[1]]})
	}
	return out
}

// location resolves a matched tz abbreviation, falling back to the default.
func (e *Extractor) location(abbr string) *time.Location {
	if name, ok := tzLocations[abbr]; ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return e.defaultLoc
}

// clock converts matched hour/minute/meridiem groups into a 24h clock.
func clock(h, m, ampm string) (hour, min int, ok bool) {
	hour = atoi(h)
	min = atoi(m)
	if hour < 1 || hour > 12 || min > 59 {
		return 0, 0, false
	}
	if ampm == "pm" && hour != 12 {
		hour += 12
	}
	if ampm == "am" && hour == 12 {
		hour = 0
	}
	return hour, min, true
}

// group returns the text of capture group i from a SubmatchIndex result.
func group(text string, m []int, i int) string {
	lo, hi := m[2*i], m[2*i+1]
	if lo < 0 {
		return ""
	}
	return text[lo:hi]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func yearOr(year, fallback int) int {
	if year != 0 {
		return year
	}
	return fallback
}
