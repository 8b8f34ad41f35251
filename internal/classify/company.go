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

package classify

import (
	"regexp"
	"strings"

	"github.com/stagesync/pipeline/internal/models"
)

// knownDomains maps sender domains (or recognizable fragments of them) to a
// canonical company name. ATS vanity domains like amazon.jobs are included
// because the real employer is what ends up in the dedup key.
var knownDomains = map[string]string{
	"amazon.com":    "Amazon",
	"amazon.jobs":   "Amazon",
	"google.com":    "Google",
	"microsoft.com": "Microsoft",
	"meta.com":      "Meta",
	"apple.com":     "Apple",
	"netflix.com":   "Netflix",
	"stripe.com":    "Stripe",
	"greenhouse.io": "Greenhouse",
	"lever.co":      "Lever",
	"workday.com":   "Workday",
}

var (
	senderDomainRe = regexp.MustCompile(`@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
	// Consecutive capitalized tokens after "at/with/from", e.g.
	// "interview with Acme Corp is scheduled" → "Acme Corp".
	atFromRe = regexp.MustCompile(`\b(?:at|with|from)\s+([A-Z][A-Za-z0-9&.\-]*(?:\s+[A-Z][A-Za-z0-9&.\-]*)*)`)
)

// Company derives a stable company identity for the dedup key: a known
// domain mapping first, then an "at/with/from X" subject heuristic, then the
// bare sender domain. It always returns a non-empty lowercase-stable string;
// "unknown" is the last resort so malformed senders still get a usable key.
func Company(msg models.NormalizedMessage) string {
	domain := senderDomain(msg.From)

	if domain != "" {
		for frag, name := range knownDomains {
			if strings.Contains(domain, frag) {
				return name
			}
		}
	}

	if m := atFromRe.FindStringSubmatch(msg.Subject); m != nil {
		if cand := strings.TrimSpace(m[1]); len(cand) <= 35 {
			return cand
		}
	}

	if domain != "" {
		// Strip a mail-routing subdomain: mail.acme.com → acme.com.
		parts := strings.Split(domain, ".")
		if len(parts) > 2 {
			domain = strings.Join(parts[len(parts)-2:], ".")
		}
		return domain
	}

	return "unknown"
}

// senderDomain pulls the domain out of a From header, tolerating both bare
// addresses and "Name <addr>" forms.
func senderDomain(from string) string {
	m := senderDomainRe.FindStringSubmatch(from)
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(m[1], ">"))
}
