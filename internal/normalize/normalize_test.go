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

package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stagesync/pipeline/internal/models"
)

// TestMessage_PlainText verifies that plain-text bodies pass through with
// whitespace collapsed.
func TestMessage_PlainText(t *testing.T) {
	raw := models.RawMessage{
		ID:          "m1",
		From:        "  recruiter@acme.com ",
		Subject:     " Phone screen ",
		Body:        "Hi,\n\n  your   phone screen is\tconfirmed.\n",
		ContentType: "text/plain",
		ReceivedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	msg, err := Message(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Subject != "Phone screen" {
		t.Errorf("subject = %q, want %q", msg.Subject, "Phone screen")
	}
	if msg.From != "recruiter@acme.com" {
		t.Errorf("from = %q, want trimmed address", msg.From)
	}
	want := "Hi,\nyour phone screen is confirmed."
	if msg.Text != want {
		t.Errorf("text = %q, want %q", msg.Text, want)
	}
}

// TestMessage_HTMLStripped verifies that HTML bodies are reduced to visible
// text and style/script content never leaks into the output.
func TestMessage_HTMLStripped(t *testing.T) {
	raw := models.RawMessage{
		ID:          "m2",
		Subject:     "Interview",
		ContentType: "text/html",
		Body: `<html><head><style>.x { color: red }</style></head>
<body><p>Your <b>onsite</b> is on March 3.</p><script>alert(1)</script>
<div>See you then</div></body></html>`,
	}

	msg, err := Message(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(msg.Text, "color") || strings.Contains(msg.Text, "alert") {
		t.Errorf("style/script leaked into text: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "Your onsite is on March 3.") {
		t.Errorf("visible text missing from output: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "See you then") {
		t.Errorf("block element text missing: %q", msg.Text)
	}
}

// TestMessage_SniffsHTML verifies that markup is detected even when the
// content type is absent.
func TestMessage_SniffsHTML(t *testing.T) {
	raw := models.RawMessage{
		ID:      "m3",
		Subject: "Interview",
		Body:    `<div>Technical interview <b>Friday at 2pm</b></div>`,
	}

	msg, err := Message(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(msg.Text, "<div>") {
		t.Errorf("markup not stripped: %q", msg.Text)
	}
}

// TestMessage_MalformedUTF8 verifies the ErrMalformed contract.
func TestMessage_MalformedUTF8(t *testing.T) {
	raw := models.RawMessage{
		ID:   "m4",
		Body: string([]byte{0xff, 0xfe, 0xfd}),
	}

	_, err := Message(raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

// TestMessage_EmptyContent verifies that a message with no text at all is
// rejected rather than classified as empty.
func TestMessage_EmptyContent(t *testing.T) {
	_, err := Message(models.RawMessage{ID: "m5", Subject: "   ", Body: ""})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

// TestMessage_ReceivedAtUTC verifies timestamps are normalized to UTC.
func TestMessage_ReceivedAtUTC(t *testing.T) {
	pacific, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatal(err)
	}
	raw := models.RawMessage{
		ID:         "m6",
		Subject:    "hello",
		Body:       "world",
		ReceivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, pacific),
	}

	msg, err := Message(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ReceivedAt.Location() != time.UTC {
		t.Errorf("ReceivedAt location = %v, want UTC", msg.ReceivedAt.Location())
	}
	if !msg.ReceivedAt.Equal(raw.ReceivedAt) {
		t.Errorf("ReceivedAt instant changed: %v vs %v", msg.ReceivedAt, raw.ReceivedAt)
	}
}
