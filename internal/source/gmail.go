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

package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/stagesync/pipeline/internal/config"
	"github.com/stagesync/pipeline/internal/models"
)

const gmailUser = "me"

// Gmail lists inbox messages through the Gmail API.
type Gmail struct {
	svc        *gmail.Service
	query      string
	maxResults int64
}

// NewGmail builds a Gmail source from an authenticated HTTP client. The
// client must already carry OAuth credentials with the Gmail readonly scope;
// callers share one client between this source and the calendar sink so the
// credential files are read once per run.
func NewGmail(ctx context.Context, cfg config.GmailConfig, httpClient *http.Client, opts ...option.ClientOption) (*Gmail, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	return &Gmail{
		svc:        svc,
		query:      cfg.Query,
		maxResults: cfg.MaxResults,
	}, nil
}

// ListMessages fetches full messages received within the lookback window.
// Per-message fetch or decode failures are logged and skipped; they never
// fail the listing.
func (g *Gmail) ListMessages(ctx context.Context, lookback time.Duration) ([]models.RawMessage, error) {
	query := strings.TrimSpace(fmt.Sprintf("%s newer_than:%dd", g.query, daysCeil(lookback)))

	list, err := g.svc.Users.Messages.List(gmailUser).
		Q(query).
		MaxResults(g.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list gmail messages: %w", err)
	}

	slog.Info("gmail listing complete", "query", query, "messages", len(list.Messages))

	out := make([]models.RawMessage, 0, len(list.Messages))
	for _, stub := range list.Messages {
		full, err := g.svc.Users.Messages.Get(gmailUser, stub.Id).Format("full").Context(ctx).Do()
		if err != nil {
			slog.Warn("gmail message fetch failed", "message_id", stub.Id, "error", err)
			continue
		}
		out = append(out, parseGmailMessage(full))
	}
	return out, nil
}

// parseGmailMessage converts a full Gmail API message into a RawMessage.
func parseGmailMessage(msg *gmail.Message) models.RawMessage {
	raw := models.RawMessage{
		ID:         msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}

	if msg.Payload == nil {
		return raw
	}

	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			raw.Subject = h.Value
		case "From":
			raw.From = h.Value
		}
	}

	body, contentType := extractBody(msg.Payload)
	if body == "" {
		// Fall back to the snippet so the classifier still has a chance.
		body = msg.Snippet
		contentType = "text/plain"
	}
	raw.Body = body
	raw.ContentType = contentType
	return raw
}

// extractBody walks the MIME part tree, preferring text/plain over
// text/html. Gmail bodies are base64url encoded.
func extractBody(part *gmail.MessagePart) (body, contentType string) {
	if part.Body != nil && part.Body.Data != "" {
		mt := strings.ToLower(part.MimeType)
		if mt == "text/plain" || mt == "text/html" {
			if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
				return string(data), mt
			}
		}
	}

	var htmlBody string
	for _, p := range part.Parts {
		b, ct := extractBody(p)
		if b == "" {
			continue
		}
		if ct == "text/plain" {
			return b, ct
		}
		if htmlBody == "" {
			htmlBody = b
		}
	}
	if htmlBody != "" {
		return htmlBody, "text/html"
	}
	return "", ""
}

// daysCeil converts a lookback duration to whole days for the Gmail
// newer_than operator, rounding up so the window is never undershot.
func daysCeil(d time.Duration) int {
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return days
}
