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

// Support Auto-Responder: Mailbox Backfill Command
//
// Standalone CLI tool that runs the mail already waiting in the support
// mailboxes through the pipeline. Intended for seeding drafts on new
// deployments.
//
// Usage:
//
//	go run ./cmd/backfill/ [--mailboxes a@loja.com,b@loja.com] [--limit 100] [--mark-read]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/autoresponder/internal/backfill"
	"github.com/bcem/autoresponder/internal/classifier"
	"github.com/bcem/autoresponder/internal/config"
	"github.com/bcem/autoresponder/internal/dedup"
	"github.com/bcem/autoresponder/internal/generator"
	"github.com/bcem/autoresponder/internal/gmail"
	"github.com/bcem/autoresponder/internal/orchestrator"
	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/ratelimit"
	"github.com/bcem/autoresponder/internal/store"
	"github.com/bcem/autoresponder/internal/tokenstore"
	"github.com/bcem/autoresponder/internal/tracking"
	"github.com/bcem/autoresponder/internal/upstream"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	mailboxesFlag := flag.String("mailboxes", "", "Comma-separated mailbox principals (optional; empty = all configured mailboxes)")
	limitFlag := flag.Int("limit", 100, "Maximum unread messages to process per mailbox")
	markReadFlag := flag.Bool("mark-read", false, "Mark processed messages as read")
	flag.Parse()

	if *limitFlag <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --limit must be positive\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// --- Resolve mailboxes ---
	var mailboxes []string
	if *mailboxesFlag != "" {
		for _, mb := range strings.Split(*mailboxesFlag, ",") {
			mb = strings.TrimSpace(mb)
			if mb != "" {
				mailboxes = append(mailboxes, mb)
			}
		}
	} else {
		for _, mb := range cfg.Mailboxes {
			mailboxes = append(mailboxes, mb.Principal)
		}
	}
	if len(mailboxes) == 0 {
		slog.Error("no mailboxes to backfill")
		os.Exit(1)
	}

	slog.Info("starting mailbox backfill",
		"mailboxes", mailboxes,
		"limit", *limitFlag,
		"mark_read", *markReadFlag,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	emails, err := store.NewEmailStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise email store", "error", err)
		os.Exit(1)
	}
	credentials, err := store.NewCredentialStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise credential store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// Same Redis windows as the running service.
	limiter := ratelimit.NewRedisLimiter(rdb, cfg.RateLimits)

	tokens := tokenstore.New(tokenstore.Config{
		Backend: credentials,
		Refresher: tokenstore.NewOAuth2Refresher(
			cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL, cfg.OAuth.Scopes,
		),
		Margin: cfg.OAuth.RefreshMargin,
	})
	defer tokens.Close()

	newCaller := func(service string, sc config.ServiceConfig) *upstream.Caller {
		return upstream.NewCaller(upstream.Config{
			Service: service,
			BaseURL: sc.URL,
			APIKey:  sc.APIKey,
			Timeout: sc.Timeout,
			Limiter: limiter,
		})
	}

	gate, err := orchestrator.ParseGatePolicy(cfg.Pipeline.GatePolicy)
	if err != nil {
		slog.Error("invalid generation gate", "error", err)
		os.Exit(1)
	}

	mail := gmail.NewClient(gmail.Config{BaseURL: cfg.GmailURL, Tokens: tokens})
	costs := pricing.NewCalculator(cfg.Pricing.Models, cfg.Pricing.Model, pricing.FixedRate(cfg.Pricing.FallbackRate))

	pipeline, err := orchestrator.New(orchestrator.Config{
		Classifier:  classifier.New(newCaller("classifier", cfg.Classifier)),
		Tracker:     tracking.New(newCaller("tracking", cfg.Tracking)),
		Generator:   generator.New(newCaller("generator", cfg.Generator)),
		Repository:  emails,
		Transport:   mail,
		Credentials: tokens,
		Costs:       costs,
		GatePolicy:  gate,
		Retry: orchestrator.RetryPolicy{
			ClassificationAttempts: cfg.Pipeline.ClassificationAttempts,
			GenerationAttempts:     cfg.Pipeline.GenerationAttempts,
		},
		BatchConcurrency: cfg.Pipeline.BatchConcurrency,
	})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Source:    mail,
		Dedup:     dedup.NewFilter(rdb, dedup.WithNamespace("backfill:")),
		Processor: pipeline,
	})

	result, err := runner.Run(ctx, backfill.Request{
		Mailboxes: mailboxes,
		Limit:     *limitFlag,
		MarkRead:  *markReadFlag,
	})
	if err != nil {
		slog.Error("backfill interrupted", "error", err)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"elapsed", result.Elapsed,
	)

	for _, mr := range result.Mailboxes {
		slog.Info("mailbox result",
			"mailbox", mr.Mailbox,
			"processed", mr.Processed,
			"skipped", mr.Skipped,
			"failed", mr.Failed,
			"error", mr.Err,
		)
	}

	if err != nil {
		os.Exit(1)
	}
}
