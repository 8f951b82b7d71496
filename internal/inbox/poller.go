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

// Package inbox polls the configured support mailboxes for unread mail and
// feeds it through the pipeline.
package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/autoresponder/internal/ctxutil"
	"github.com/bcem/autoresponder/internal/metrics"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/orchestrator"
)

// Source lists and acknowledges mailbox messages.
type Source interface {
	FetchInboxMessages(ctx context.Context, mailbox string, limit int) ([]models.Email, error)
	MarkRead(ctx context.Context, mailbox, messageID string) error
}

// Seen filters out already handled email ids.
type Seen interface {
	IsNew(ctx context.Context, emailID string) (bool, error)
	Forget(ctx context.Context, emailID string) error
}

// Processor runs a batch through the pipeline.
type Processor interface {
	ProcessBatch(ctx context.Context, emails []models.Email) orchestrator.BatchResult
}

// Config holds the poller's dependencies.
type Config struct {
	Source    Source
	Seen      Seen // optional
	Processor Processor
	Mailboxes []string
	Interval  time.Duration
	BatchSize int
}

// Poller periodically processes unread mail for every mailbox.
type Poller struct {
	source    Source
	seen      Seen
	processor Processor
	mailboxes []string
	interval  time.Duration
	batchSize int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Counts summarises one poll of one mailbox.
type Counts struct {
	Processed int
	Skipped   int
	Failed    int
}

// NewPoller creates a poller.
func NewPoller(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Poller{
		source:    cfg.Source,
		seen:      cfg.Seen,
		processor: cfg.Processor,
		mailboxes: cfg.Mailboxes,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Start runs the polling loop in the background until Stop is called or
// ctx ends. The first poll happens immediately.
func (p *Poller) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(loopCtx)
	}()

	slog.Info("inbox poller started",
		"mailboxes", len(p.mailboxes),
		"interval", p.interval,
	)
}

// Stop cancels the loop and waits for the current poll to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("inbox poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for _, mb := range p.mailboxes {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.PollMailbox(ctx, mb); err != nil {
			slog.Error("failed to poll mailbox",
				"mailbox", mb,
				"error", err,
			)
		}
	}
}

// PollMailbox processes one batch of unread mail for mailbox. Processed
// messages and permanent failures are marked read; retryable failures stay
// unread and are forgotten by the dedup filter so the next poll retries them.
func (p *Poller) PollMailbox(ctx context.Context, mailbox string) (Counts, error) {
	var counts Counts

	emails, err := p.source.FetchInboxMessages(ctx, mailbox, p.batchSize)
	if err != nil && len(emails) == 0 {
		return counts, err
	}
	if err != nil {
		slog.Warn("partial inbox fetch", "mailbox", mailbox, "fetched", len(emails), "error", err)
	}

	fresh := make([]models.Email, 0, len(emails))
	for _, e := range emails {
		if e.Mailbox == "" {
			e.Mailbox = mailbox
		}
		if p.seen != nil {
			isNew, err := p.seen.IsNew(ctx, e.ID)
			if err != nil {
				slog.Warn("dedup check failed", "email_id", e.ID, "error", err)
			} else if !isNew {
				counts.Skipped++
				metrics.InboxMessages.WithLabelValues("skipped").Inc()
				continue
			}
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return counts, nil
	}

	res := p.processor.ProcessBatch(ctxutil.WithPrincipal(ctx, mailbox), fresh)

	for _, rec := range res.Processed {
		counts.Processed++
		metrics.InboxMessages.WithLabelValues("processed").Inc()
		p.markRead(ctx, mailbox, rec.Email.ID)
	}
	for _, f := range res.Failed {
		counts.Failed++
		metrics.InboxMessages.WithLabelValues("failed").Inc()
		if !f.Retryable {
			p.markRead(ctx, mailbox, f.EmailID)
			continue
		}
		if p.seen != nil {
			if err := p.seen.Forget(context.WithoutCancel(ctx), f.EmailID); err != nil {
				slog.Warn("failed to clear dedup entry", "email_id", f.EmailID, "error", err)
			}
		}
	}

	slog.Info("mailbox polled",
		"mailbox", mailbox,
		"processed", counts.Processed,
		"skipped", counts.Skipped,
		"failed", counts.Failed,
	)
	return counts, nil
}

func (p *Poller) markRead(ctx context.Context, mailbox, emailID string) {
	if err := p.source.MarkRead(ctx, mailbox, emailID); err != nil {
		slog.Warn("failed to mark message read",
			"mailbox", mailbox,
			"email_id", emailID,
			"error", err,
		)
	}
}
