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

// Package normalize reduces raw email messages to plain text plus structured
// headers. HTML bodies are stripped to their visible text; quoted-reply
// chains and signatures are deliberately left in place because stage and
// time cues can appear anywhere in a thread.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/stagesync/pipeline/internal/models"
)

// ErrMalformed marks a message whose body cannot be decoded into text at
// all. Such messages are reported and excluded from classification; they
// never abort the batch.
var ErrMalformed = errors.New("malformed message")

// Message converts a RawMessage into a NormalizedMessage.
func Message(raw models.RawMessage) (models.NormalizedMessage, error) {
	if !utf8.ValidString(raw.Body) || !utf8.ValidString(raw.Subject) {
		return models.NormalizedMessage{}, fmt.Errorf("%w: body is not valid UTF-8 (message %s)", ErrMalformed, raw.ID)
	}

	text := raw.Body
	if isHTML(raw) {
		text = htmlToText(raw.Body)
	}
	text = collapseWhitespace(text)

	if text == "" && strings.TrimSpace(raw.Subject) == "" {
		return models.NormalizedMessage{}, fmt.Errorf("%w: no decodable text content (message %s)", ErrMalformed, raw.ID)
	}

	return models.NormalizedMessage{
		ID:         raw.ID,
		From:       strings.TrimSpace(raw.From),
		Subject:    strings.TrimSpace(raw.Subject),
		Text:       text,
		ReceivedAt: raw.ReceivedAt.UTC(),
	}, nil
}

// isHTML reports whether the body should be run through the HTML stripper.
// The declared content type wins; otherwise we sniff for markup since many
// senders omit the type on multipart messages.
func isHTML(raw models.RawMessage) bool {
	ct := strings.ToLower(raw.ContentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if strings.Contains(ct, "plain") {
		return false
	}
	lower := strings.ToLower(raw.Body)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<body") || strings.Contains(lower, "<div") || strings.Contains(lower, "<p>")
}

// htmlToText walks the parsed HTML tree and collects visible text, skipping
// style/script subtrees and inserting line breaks after block elements.
func htmlToText(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		// html.Parse is extremely tolerant; on the rare failure fall back to
		// the raw body so downstream keyword matching still has something.
		return content
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "style", "script", "noscript", "head", "title", "iframe":
				return
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteString(" ")
				}
				b.WriteString(t)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6":
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteString("\n")
				}
			}
		}
	}
	walk(doc)

	return b.String()
}

// collapseWhitespace squeezes runs of spaces and tabs but preserves line
// structure, which the time extractor relies on for phrase boundaries.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
