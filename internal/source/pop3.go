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
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"time"

	"github.com/jhillyerd/enmime"
	pop3client "github.com/knadh/go-pop3"

	"github.com/stagesync/pipeline/internal/config"
	"github.com/stagesync/pipeline/internal/models"
)

// POP3 lists mailbox messages over POP3/POP3S. POP3 has no server-side
// search, so every message is retrieved and filtered against the lookback
// window locally.
type POP3 struct {
	cfg config.POP3Config
}

func NewPOP3(cfg config.POP3Config) *POP3 {
	return &POP3{cfg: cfg}
}

// ListMessages retrieves the mailbox and keeps messages received within the
// lookback window. Messages that fail retrieval or MIME parsing are skipped
// with a warning.
func (s *POP3) ListMessages(ctx context.Context, lookback time.Duration) ([]models.RawMessage, error) {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	client := pop3client.New(pop3client.Opt{
		Host:       s.cfg.Host,
		Port:       s.cfg.Port,
		TLSEnabled: s.cfg.UseTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w", addr, err)
	}
	defer conn.Quit()

	if err := conn.Auth(s.cfg.Username, s.cfg.Password); err != nil {
		return nil, fmt.Errorf("pop3 auth %s: %w", s.cfg.Username, err)
	}

	msgs, err := conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 list: %w", err)
	}

	cutoff := time.Now().Add(-lookback)
	out := make([]models.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		buf, err := conn.RetrRaw(m.ID)
		if err != nil {
			slog.Warn("pop3 retrieve failed", "seq", m.ID, "error", err)
			continue
		}

		raw, ok := parsePOP3Message(m.ID, m.UID, buf.Bytes())
		if !ok {
			continue
		}
		if !raw.ReceivedAt.IsZero() && raw.ReceivedAt.Before(cutoff) {
			continue
		}
		out = append(out, raw)
	}

	slog.Info("pop3 listing complete", "host", s.cfg.Host, "messages", len(out))
	return out, nil
}

// parsePOP3Message converts one raw retrieved message into a RawMessage.
// The Message-ID header is the stable identity; the UIDL (or the sequence
// number as a last resort) covers servers that omit it.
func parsePOP3Message(seq int, uid string, content []byte) (models.RawMessage, bool) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(content))
	if err != nil {
		slog.Warn("pop3 MIME parse failed, skipping", "seq", seq, "error", err)
		return models.RawMessage{}, false
	}

	raw := models.RawMessage{
		ID:      env.GetHeader("Message-Id"),
		From:    env.GetHeader("From"),
		Subject: env.GetHeader("Subject"),
	}
	if raw.ID == "" {
		if uid != "" {
			raw.ID = "pop3-uid-" + uid
		} else {
			raw.ID = fmt.Sprintf("pop3-%d", seq)
		}
	}

	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		raw.ReceivedAt = date.UTC()
	}

	if env.Text != "" {
		raw.Body = env.Text
		raw.ContentType = "text/plain"
	} else if env.HTML != "" {
		raw.Body = env.HTML
		raw.ContentType = "text/html"
	} else {
		slog.Warn("pop3 message has no text parts, skipping", "message_id", raw.ID)
		return models.RawMessage{}, false
	}

	return raw, true
}
