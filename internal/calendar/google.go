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

package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Google writes interview events to a Google Calendar.
type Google struct {
	svc        *gcal.Service
	calendarID string
}

// NewGoogle creates a Google Calendar sink. The HTTP client must already
// carry OAuth credentials with calendar.events scope.
func NewGoogle(ctx context.Context, httpClient *http.Client, calendarID string) (*Google, error) {
	svc, err := gcal.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Google{svc: svc, calendarID: calendarID}, nil
}

// CreateEvent inserts a new event and returns the Google event id.
func (g *Google) CreateEvent(ctx context.Context, req EventRequest) (string, error) {
	if req.Duration <= 0 {
		req.Duration = time.Hour
	}

	event := &gcal.Event{
		Summary:     fmt.Sprintf("%s — %s", req.Company, req.Stage.Label()),
		Description: req.Description,
		Start: &gcal.EventDateTime{
			DateTime: req.Start.Format(time.RFC3339),
		},
		End: &gcal.EventDateTime{
			DateTime: req.Start.Add(req.Duration).Format(time.RFC3339),
		},
	}

	created, err := g.svc.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert calendar event: %w", err)
	}

	slog.Info("calendar event created",
		"event_id", created.Id,
		"company", req.Company,
		"stage", string(req.Stage),
		"start", req.Start,
	)
	return created.Id, nil
}

// UpdateEvent moves an existing event to a new start time via a patch, so
// the summary and description set at creation are preserved.
func (g *Google) UpdateEvent(ctx context.Context, eventID string, newStart time.Time, duration time.Duration) error {
	if duration <= 0 {
		duration = time.Hour
	}

	patch := &gcal.Event{
		Start: &gcal.EventDateTime{DateTime: newStart.Format(time.RFC3339)},
		End:   &gcal.EventDateTime{DateTime: newStart.Add(duration).Format(time.RFC3339)},
	}

	if _, err := g.svc.Events.Patch(g.calendarID, eventID, patch).Context(ctx).Do(); err != nil {
		return fmt.Errorf("patch calendar event %s: %w", eventID, err)
	}

	slog.Info("calendar event rescheduled", "event_id", eventID, "start", newStart)
	return nil
}
