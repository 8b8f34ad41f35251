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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/jhillyerd/enmime"

	"github.com/stagesync/pipeline/internal/config"
	"github.com/stagesync/pipeline/internal/models"
)

// IMAP lists mailbox messages over IMAP/IMAPS. It dials per listing so a
// long-lived process never holds an idle connection between runs.
type IMAP struct {
	cfg config.IMAPConfig
}

func NewIMAP(cfg config.IMAPConfig) *IMAP {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &IMAP{cfg: cfg}
}

// ListMessages searches the configured folder for messages received within
// the lookback window and parses each into a RawMessage. Messages that fail
// MIME parsing are skipped with a warning.
func (s *IMAP) ListMessages(ctx context.Context, lookback time.Duration) ([]models.RawMessage, error) {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	var client *imapclient.Client
	var err error
	if s.cfg.UseTLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: s.cfg.Host},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		return nil, fmt.Errorf("imap login %s: %w", s.cfg.Username, err)
	}
	defer client.Logout()

	if _, err := client.Select(s.cfg.Folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", s.cfg.Folder, err)
	}

	criteria := &imap.SearchCriteria{Since: time.Now().Add(-lookback)}
	searchData, err := client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	seqNums := searchData.AllSeqNums()
	if len(seqNums) == 0 {
		slog.Info("imap listing complete", "folder", s.cfg.Folder, "messages", 0)
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.SeqSetNum(seqNums...), &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	out := make([]models.RawMessage, 0, len(buffers))
	for _, buf := range buffers {
		raw, ok := parseIMAPMessage(buf, bodySection)
		if !ok {
			continue
		}
		out = append(out, raw)
	}

	slog.Info("imap listing complete", "folder", s.cfg.Folder, "messages", len(out))
	return out, nil
}

func parseIMAPMessage(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) (models.RawMessage, bool) {
	raw := models.RawMessage{
		ID: fmt.Sprintf("imap-%d", buf.SeqNum),
	}
	if buf.Envelope != nil {
		if buf.Envelope.MessageID != "" {
			raw.ID = buf.Envelope.MessageID
		}
		raw.Subject = buf.Envelope.Subject
		raw.ReceivedAt = buf.Envelope.Date.UTC()
		if len(buf.Envelope.From) > 0 {
			raw.From = buf.Envelope.From[0].Addr()
		}
	}

	content := buf.FindBodySection(section)
	if len(content) == 0 {
		slog.Warn("imap message has empty body, skipping", "message_id", raw.ID)
		return models.RawMessage{}, false
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(content))
	if err != nil {
		slog.Warn("imap MIME parse failed, skipping", "message_id", raw.ID, "error", err)
		return models.RawMessage{}, false
	}

	if env.Text != "" {
		raw.Body = env.Text
		raw.ContentType = "text/plain"
	} else if env.HTML != "" {
		raw.Body = env.HTML
		raw.ContentType = "text/html"
	} else {
		slog.Warn("imap message has no text parts, skipping", "message_id", raw.ID)
		return models.RawMessage{}, false
	}

	return raw, true
}
