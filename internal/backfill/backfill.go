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

// Package backfill processes the mail already waiting in support mailboxes
// when a deployment starts, through the same pipeline the poller uses.
package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/bcem/autoresponder/internal/ctxutil"
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

// Request defines the scope of a backfill run.
type Request struct {
	Mailboxes []string
	Limit     int  // messages per mailbox
	MarkRead  bool // acknowledge processed and permanently failed messages
}

// Result summarises a completed backfill run.
type Result struct {
	Mailboxes []MailboxResult
	Processed int
	Skipped   int
	Failed    int
	Elapsed   time.Duration
}

// MailboxResult tracks per-mailbox progress.
type MailboxResult struct {
	Mailbox   string
	Processed int
	Skipped   int
	Failed    int
	Err       error
}

// Runner performs the backfill.
type Runner struct {
	source    Source
	dedup     Seen
	processor Processor
	chunkSize int
	pageDelay time.Duration // delay between chunks to stay under upstream limits
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Source    Source
	Dedup     Seen
	Processor Processor
	ChunkSize int
	PageDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10
	}
	if cfg.PageDelay == 0 {
		cfg.PageDelay = 500 * time.Millisecond
	}
	return &Runner{
		source:    cfg.Source,
		dedup:     cfg.Dedup,
		processor: cfg.Processor,
		chunkSize: cfg.ChunkSize,
		pageDelay: cfg.PageDelay,
	}
}

// Run performs the backfill for all requested mailboxes. A failing mailbox
// is recorded and the run continues with the next one.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.Limit <= 0 {
		req.Limit = 100
	}

	slog.Info("starting backfill",
		"mailboxes", len(req.Mailboxes),
		"limit", req.Limit,
	)

	result := &Result{}
	for _, mb := range req.Mailboxes {
		mr := r.backfillMailbox(ctx, mb, req)
		if mr.Err != nil {
			slog.Error("backfill failed for mailbox",
				"mailbox", mb,
				"error", mr.Err,
			)
		}
		result.Mailboxes = append(result.Mailboxes, mr)
		result.Processed += mr.Processed
		result.Skipped += mr.Skipped
		result.Failed += mr.Failed

		if ctx.Err() != nil {
			result.Elapsed = time.Since(start)
			return result, ctx.Err()
		}
	}
	result.Elapsed = time.Since(start)

	slog.Info("backfill complete",
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (r *Runner) backfillMailbox(ctx context.Context, mailbox string, req Request) MailboxResult {
	mr := MailboxResult{Mailbox: mailbox}

	emails, err := r.source.FetchInboxMessages(ctx, mailbox, req.Limit)
	if err != nil && len(emails) == 0 {
		mr.Err = err
		return mr
	}

	pending := make([]models.Email, 0, len(emails))
	for _, e := range emails {
		if e.Mailbox == "" {
			e.Mailbox = mailbox
		}
		if r.dedup != nil {
			isNew, err := r.dedup.IsNew(ctx, e.ID)
			if err != nil {
				slog.Warn("dedup check failed", "error", err)
			} else if !isNew {
				mr.Skipped++
				continue
			}
		}
		pending = append(pending, e)
	}

	pctx := ctxutil.WithPrincipal(ctx, mailbox)
	for i := 0; i < len(pending); i += r.chunkSize {
		if i > 0 {
			select {
			case <-ctx.Done():
				mr.Err = ctx.Err()
				return mr
			case <-time.After(r.pageDelay):
			}
		}

		chunk := pending[i:min(i+r.chunkSize, len(pending))]
		res := r.processor.ProcessBatch(pctx, chunk)
		mr.Processed += len(res.Processed)
		mr.Failed += len(res.Failed)

		acked := make([]string, 0, len(res.Processed)+len(res.Failed))
		for _, rec := range res.Processed {
			acked = append(acked, rec.Email.ID)
		}
		for _, f := range res.Failed {
			slog.Warn("backfill: email failed",
				"mailbox", mailbox,
				"email_id", f.EmailID,
				"retryable", f.Retryable,
				"error", f.Error,
			)
			if !f.Retryable {
				acked = append(acked, f.EmailID)
				continue
			}
			// Left unread and unseen so the next run picks it up again.
			if r.dedup != nil {
				if err := r.dedup.Forget(context.WithoutCancel(ctx), f.EmailID); err != nil {
					slog.Warn("backfill: failed to clear dedup entry", "email_id", f.EmailID, "error", err)
				}
			}
		}
		if req.MarkRead {
			for _, id := range acked {
				if err := r.source.MarkRead(ctx, mailbox, id); err != nil {
					slog.Warn("backfill: mark read failed", "email_id", id, "error", err)
				}
			}
		}
	}

	slog.Info("mailbox backfill complete",
		"mailbox", mailbox,
		"processed", mr.Processed,
		"skipped", mr.Skipped,
		"failed", mr.Failed,
	)
	return mr
}
