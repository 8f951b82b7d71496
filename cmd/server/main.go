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

// Support Auto-Responder Service
//
// Entry point for the auto-responder. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Wires the classification, tracking and generation clients behind the
//     shared rate limiter
//  4. Polls the configured support mailboxes for unread mail
//  5. Serves the webhook, review and cost reporting API
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/autoresponder/internal/analytics"
	"github.com/bcem/autoresponder/internal/cache"
	"github.com/bcem/autoresponder/internal/classifier"
	"github.com/bcem/autoresponder/internal/config"
	"github.com/bcem/autoresponder/internal/dedup"
	"github.com/bcem/autoresponder/internal/generator"
	"github.com/bcem/autoresponder/internal/gmail"
	"github.com/bcem/autoresponder/internal/inbox"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/orchestrator"
	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/queue"
	"github.com/bcem/autoresponder/internal/ratelimit"
	"github.com/bcem/autoresponder/internal/store"
	"github.com/bcem/autoresponder/internal/tokenstore"
	"github.com/bcem/autoresponder/internal/tracking"
	"github.com/bcem/autoresponder/internal/upstream"
	"github.com/bcem/autoresponder/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting support auto-responder",
		"mailboxes", len(cfg.Mailboxes),
		"poll_interval", cfg.PollInterval,
		"generation_gate", cfg.Pipeline.GatePolicy,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

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

	publisher := queue.NewPublisher(rdb, cfg.DraftsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	limiter := ratelimit.NewRedisLimiter(rdb, cfg.RateLimits)
	defer limiter.Close()

	// --- Caches ---
	credCache := cache.New[models.OAuthCredential]()
	defer credCache.Close()
	messageCache := cache.New[models.Email]()
	defer messageCache.Close()
	listCache := cache.New[[]string]()
	defer listCache.Close()
	rateCache := cache.New[float64]()
	defer rateCache.Close()

	// --- OAuth credentials ---
	tokens := tokenstore.New(tokenstore.Config{
		Backend: credentials,
		Refresher: tokenstore.NewOAuth2Refresher(
			cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL, cfg.OAuth.Scopes,
		),
		Cache:  credCache,
		Margin: cfg.OAuth.RefreshMargin,
	})
	defer tokens.Close()

	// --- Upstream clients ---
	// Each service counts in its own window of the external route class.
	newCaller := func(service string, sc config.ServiceConfig) *upstream.Caller {
		return upstream.NewCaller(upstream.Config{
			Service:    service,
			BaseURL:    sc.URL,
			APIKey:     sc.APIKey,
			Timeout:    sc.Timeout,
			Limiter:    limiter,
			RouteClass: ratelimit.RouteExternal,
		})
	}
	cls := classifier.New(newCaller("classifier", cfg.Classifier))
	trk := tracking.New(newCaller("tracking", cfg.Tracking))
	gen := generator.New(newCaller("generator", cfg.Generator))

	// --- Pricing ---
	rates := pricing.NewExchangeRateProvider(pricing.ExchangeRateConfig{
		URL:          cfg.Pricing.ExchangeRateURL,
		FallbackRate: cfg.Pricing.FallbackRate,
		TTL:          cfg.Pricing.RateTTL,
	}, rateCache)
	costs := pricing.NewCalculator(cfg.Pricing.Models, cfg.Pricing.Model, rates)

	// --- Gmail transport ---
	mail := gmail.NewClient(gmail.Config{
		BaseURL:  cfg.GmailURL,
		Tokens:   tokens,
		Messages: messageCache,
		Lists:    listCache,
	})

	// --- Orchestrator ---
	gate, err := orchestrator.ParseGatePolicy(cfg.Pipeline.GatePolicy)
	if err != nil {
		slog.Error("invalid generation gate", "error", err)
		os.Exit(1)
	}

	var mailboxes []string
	for _, mb := range cfg.Mailboxes {
		mailboxes = append(mailboxes, mb.Principal)
	}
	var defaultMailbox string
	if len(mailboxes) > 0 {
		defaultMailbox = mailboxes[0]
	}

	pipeline, err := orchestrator.New(orchestrator.Config{
		Classifier:  cls,
		Tracker:     trk,
		Generator:   gen,
		Repository:  emails,
		Transport:   mail,
		Credentials: tokens,
		Costs:       costs,
		Notifier:    publisher,
		GatePolicy:  gate,
		Retry: orchestrator.RetryPolicy{
			ClassificationAttempts: cfg.Pipeline.ClassificationAttempts,
			GenerationAttempts:     cfg.Pipeline.GenerationAttempts,
		},
		DefaultMailbox:   defaultMailbox,
		BatchConcurrency: cfg.Pipeline.BatchConcurrency,
	})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// --- Dedup Filters ---
	webhookSeen := dedup.NewFilter(rdb, dedup.WithNamespace("webhook:"))
	inboxSeen := dedup.NewFilter(rdb, dedup.WithNamespace("inbox:"))

	// --- Inbox Poller ---
	var poller *inbox.Poller
	if len(mailboxes) > 0 {
		poller = inbox.NewPoller(inbox.Config{
			Source:    mail,
			Seen:      inboxSeen,
			Processor: pipeline,
			Mailboxes: mailboxes,
			Interval:  cfg.PollInterval,
			BatchSize: cfg.Mailboxes[0].BatchSize,
		})
		poller.Start(ctx)
	} else {
		slog.Warn("no mailboxes configured, inbox polling disabled")
	}

	// --- HTTP API ---
	if len(cfg.APIKeys) == 0 {
		slog.Warn("no API keys configured, API is unauthenticated")
	}
	handler := webhook.NewHandler(pipeline, webhookSeen).WithReports(analytics.New(emails, costs))
	router := webhook.NewRouter(handler, webhook.RouterConfig{
		APIKeys: cfg.APIKeys,
		Limiter: limiter,
	})
	ready, done, err := webhook.Serve(ctx, cfg.Port, router)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("auto-responder ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background goroutines

	if poller != nil {
		poller.Stop()
	}
	<-done

	slog.Info("auto-responder stopped")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
