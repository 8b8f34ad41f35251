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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagesync/pipeline/internal/models"
)

// GmailConfig holds credentials and query settings for the Gmail source.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	Query           string `yaml:"query"`
	MaxResults      int64  `yaml:"max_results"`
}

// IMAPConfig holds connection settings for the IMAP source.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	Folder   string `yaml:"folder"`
}

// POP3Config holds connection settings for the POP3 source.
type POP3Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Config holds all configuration for the sync pipeline.
type Config struct {
	// Pipeline tuning
	DefaultZoneName string
	DedupWindow     time.Duration
	Lookback        time.Duration
	EventDuration   time.Duration
	MaxConcurrency  int
	StagePrecedence []models.Stage

	// Storage
	DatabaseURL string
	RedisURL    string
	JournalList string // Redis list receiving per-run decision records; empty disables

	// Calendar sink
	CalendarID string

	// Mail source
	SourceProvider string // "gmail", "imap", or "pop3"
	Gmail          GmailConfig
	IMAP           IMAPConfig
	POP3           POP3Config
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	DefaultTimezone string   `yaml:"default_timezone"`
	DedupWindow     string   `yaml:"dedup_window"`
	Lookback        string   `yaml:"lookback"`
	EventDuration   string   `yaml:"event_duration"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
	StagePrecedence []string `yaml:"stage_precedence"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL         string `yaml:"url"`
		JournalList string `yaml:"journal_list"`
	} `yaml:"redis"`
	Calendar struct {
		ID string `yaml:"id"`
	} `yaml:"calendar"`
	Source struct {
		Provider string      `yaml:"provider"`
		Gmail    GmailConfig `yaml:"gmail"`
		IMAP     IMAPConfig  `yaml:"imap"`
		POP3     POP3Config  `yaml:"pop3"`
	} `yaml:"source"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DefaultZoneName: firstNonEmpty(raw.DefaultTimezone, envOrDefault("DEFAULT_TIMEZONE", "UTC")),
		DedupWindow:     durationOrDefault(raw.DedupWindow, envOrDefaultDuration("DEDUP_WINDOW", 24*time.Hour)),
		Lookback:        durationOrDefault(raw.Lookback, envOrDefaultDuration("LOOKBACK", 30*24*time.Hour)),
		EventDuration:   durationOrDefault(raw.EventDuration, envOrDefaultDuration("EVENT_DURATION", time.Hour)),
		MaxConcurrency:  intOrDefault(raw.MaxConcurrency, envOrDefaultInt("MAX_CONCURRENCY", 8)),
		DatabaseURL:     firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		JournalList:     firstNonEmpty(raw.Redis.JournalList, envOrDefault("JOURNAL_LIST", "")),
		CalendarID:      firstNonEmpty(raw.Calendar.ID, "primary"),
		SourceProvider:  firstNonEmpty(raw.Source.Provider, "gmail"),
		Gmail:           raw.Source.Gmail,
		IMAP:            raw.Source.IMAP,
		POP3:            raw.Source.POP3,
	}

	if _, err := time.LoadLocation(cfg.DefaultZoneName); err != nil {
		return nil, fmt.Errorf("invalid default_timezone %q: %w", cfg.DefaultZoneName, err)
	}

	for _, name := range raw.StagePrecedence {
		stage, ok := models.ParseStage(name)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q in stage_precedence", name)
		}
		cfg.StagePrecedence = append(cfg.StagePrecedence, stage)
	}

	if cfg.Gmail.CredentialsFile == "" {
		cfg.Gmail.CredentialsFile = "credentials.json"
	}
	if cfg.Gmail.TokenFile == "" {
		cfg.Gmail.TokenFile = "token.json"
	}
	if cfg.Gmail.MaxResults <= 0 {
		cfg.Gmail.MaxResults = 100
	}

	switch cfg.SourceProvider {
	case "gmail", "imap", "pop3":
	default:
		return nil, fmt.Errorf("unknown source provider %q (want gmail, imap, or pop3)", cfg.SourceProvider)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database.url (or DATABASE_URL) is required — the ledger must be durable")
	}

	return cfg, nil
}

// Location resolves the configured default timezone. Load has already
// validated the name, so the fallback is unreachable in practice.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultZoneName)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func durationOrDefault(s string, fallback time.Duration) time.Duration {
	if s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

func intOrDefault(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
