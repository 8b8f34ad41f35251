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

// StageSync — interview email → calendar sync.
//
// One invocation is one run. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL (sync ledger) and Redis (seen filter)
//  3. Lists recent mail from the configured source (Gmail, IMAP, or POP3)
//  4. Classifies, extracts times, and plans calendar actions
//  5. Applies the plan against Google Calendar (unless -dry-run)
//  6. Prints a stage-bucketed summary report
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/stagesync/pipeline/internal/calendar"
	"github.com/stagesync/pipeline/internal/classify"
	"github.com/stagesync/pipeline/internal/config"
	"github.com/stagesync/pipeline/internal/extract"
	"github.com/stagesync/pipeline/internal/journal"
	"github.com/stagesync/pipeline/internal/ledger"
	"github.com/stagesync/pipeline/internal/planner"
	"github.com/stagesync/pipeline/internal/source"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "plan decisions without writing to the calendar or the ledger")
	flag.Parse()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(*dryRun); err != nil {
		slog.Error("sync run failed", "error", err)
		os.Exit(1)
	}
}

func run(dryRun bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	slog.Info("starting sync run",
		"source", cfg.SourceProvider,
		"lookback", cfg.Lookback,
		"dedup_window", cfg.DedupWindow,
		"dry_run", dryRun,
	)

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create Postgres pool: %w", err)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	store, err := ledger.NewPostgres(ctx, pgPool)
	if err != nil {
		return fmt.Errorf("initialise sync ledger: %w", err)
	}

	// --- Connect to Redis (optional fast path + decision journal) ---
	var seen planner.SeenChecker
	var jnl *journal.Journal
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		filter := ledger.NewSeenFilter(rdb)
		if err := filter.Ping(ctx); err != nil {
			// The ledger alone keeps the run correct; just slower.
			slog.Warn("Redis unavailable, continuing without seen filter", "error", err)
		} else {
			slog.Info("connected to Redis")
			seen = filter
			if cfg.JournalList != "" {
				jnl = journal.New(rdb, cfg.JournalList)
			}
		}
	}

	// --- Google OAuth client ---
	// Gmail source and Calendar sink share one identity; the IMAP source
	// still needs the calendar half.
	googleClient, err := newGoogleClient(ctx, cfg.Gmail)
	if err != nil {
		return fmt.Errorf("google auth: %w", err)
	}

	// --- Mail Source ---
	var src source.Source
	switch cfg.SourceProvider {
	case "gmail":
		src, err = source.NewGmail(ctx, cfg.Gmail, googleClient)
		if err != nil {
			return fmt.Errorf("create gmail source: %w", err)
		}
	case "imap":
		src = source.NewIMAP(cfg.IMAP)
	case "pop3":
		src = source.NewPOP3(cfg.POP3)
	}

	// --- Calendar Sink ---
	sink, err := calendar.NewGoogle(ctx, googleClient, cfg.CalendarID)
	if err != nil {
		return fmt.Errorf("create calendar sink: %w", err)
	}

	// --- Pipeline ---
	var clsOpts []classify.Option
	if len(cfg.StagePrecedence) > 0 {
		clsOpts = append(clsOpts, classify.WithPrecedence(cfg.StagePrecedence))
	}

	plan := planner.New(planner.Config{
		Classifier:     classify.New(clsOpts...),
		Extractor:      extract.New(cfg.Location()),
		Ledger:         store,
		Sink:           sink,
		Seen:           seen,
		DedupWindow:    cfg.DedupWindow,
		EventDuration:  cfg.EventDuration,
		MaxConcurrency: cfg.MaxConcurrency,
	})

	// --- Run ---
	messages, err := src.ListMessages(ctx, cfg.Lookback)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	slog.Info("messages listed", "count", len(messages))

	decisions, summary, err := plan.ProcessBatch(ctx, messages, dryRun)
	if err != nil {
		return fmt.Errorf("process batch: %w", err)
	}

	if jnl != nil && !dryRun {
		if err := jnl.PublishRun(ctx, summary.RunID, decisions); err != nil {
			slog.Warn("decision journal publish failed", "error", err)
		}
	}

	for _, d := range decisions {
		slog.Info("decision",
			"message_id", d.MessageID,
			"company", d.Company,
			"stage", string(d.Classification.Stage),
			"decision", string(d.Decision),
			"outcome", string(d.Outcome),
			"reason", d.Reason,
		)
	}

	fmt.Println(summary.String())

	slog.Info("sync run complete",
		"messages", len(messages),
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"errors", summary.Errors,
	)
	return nil
}

// newGoogleClient builds an authenticated HTTP client from the OAuth
// client-secret and cached token files. The token must carry both the
// Gmail readonly and Calendar events scopes.
func newGoogleClient(ctx context.Context, cfg config.GmailConfig) (*http.Client, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials file: %w", err)
	}
	oauthCfg, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope, gcal.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}

	f, err := os.Open(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("open google token %s (run the auth helper first): %w", cfg.TokenFile, err)
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode google token: %w", err)
	}
	return oauthCfg.Client(ctx, tok), nil
}
