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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bcem/autoresponder/internal/metrics"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/upstream"
	"github.com/bcem/autoresponder/internal/validation"
)

// Process runs the pipeline for email and persists the result.
//
// A sent record is returned unchanged. Any other existing record is
// reprocessed and overwritten.
//
// On success the record is drafted and err is nil. Otherwise err is one of:
//   - *validation.Error: malformed email, nothing persisted
//   - *RetryableError: classification or generation rate limited, nothing
//     persisted
//   - *FailedError: classification failed, a failed record is returned
//   - *PartialError: generation failed, a drafted record without a response
//     is returned
//   - a context error: the caller gave up; completed work was persisted as
//     a failed record, which is returned
func (o *Orchestrator) Process(ctx context.Context, email models.Email) (*models.ProcessedEmail, error) {
	if err := validation.Struct(email); err != nil {
		return nil, err
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = o.now()
	}

	unlock, err := o.locks.Lock(ctx, email.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := o.repo.Get(ctx, email.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load %s: %w", email.ID, err)
	}
	if existing != nil && existing.Sent {
		slog.Debug("email already sent, skipping", "email_id", email.ID)
		return existing, nil
	}

	start := o.now()
	id := identity(ctx, email)
	rec := &models.ProcessedEmail{Email: email, State: models.StateClassifying}

	cls, err := o.classify(ctx, id, email)
	if err != nil {
		if rl, ok := upstream.IsRateLimited(err); ok {
			metrics.PipelineOutcomes.WithLabelValues("rate_limited").Inc()
			return nil, &RetryableError{EmailID: email.ID, ResetAt: rl.ResetAt, Err: err}
		}
		if ctx.Err() != nil {
			return o.abandon(ctx, rec, start, StepClassification, err)
		}
		slog.Error("classification failed",
			"email_id", email.ID,
			"step", StepClassification,
			"error", err,
		)
		rec.State = models.StateFailed
		rec.Error = err.Error()
		if perr := o.persist(ctx, rec, start, models.TokenUsage{}); perr != nil {
			return nil, perr
		}
		return rec, &FailedError{EmailID: email.ID, Step: StepClassification, Err: err}
	}
	rec.Classification = cls
	usage := cls.TokenUsage

	if cls.IsTracking {
		rec.State = models.StateTracking
		tr, err := o.tracker.Lookup(ctx, id, email.ID, email.From, cls.ExtractedOrderID)
		switch {
		case err == nil:
			rec.Tracking = tr
		case ctx.Err() != nil:
			return o.abandonWithUsage(ctx, rec, start, StepTracking, err, usage)
		default:
			slog.Warn("tracking lookup failed, continuing without tracking data",
				"email_id", email.ID,
				"step", StepTracking,
				"order_id", cls.ExtractedOrderID,
				"error", err,
			)
		}
	}

	var partial error
	if ok, note := o.gate.Allows(*cls); !ok {
		rec.GenerationNote = note
		metrics.GenerationSkipped.Inc()
		slog.Info("response generation skipped",
			"email_id", email.ID,
			"reason", note,
		)
	} else {
		rec.State = models.StateGenerating
		gen, err := o.generate(ctx, id, email, *cls, rec.Tracking)
		switch {
		case err == nil:
			rec.GeneratedResponse = gen
			usage = usage.Add(gen.TokenUsage)
		case ctx.Err() != nil:
			return o.abandonWithUsage(ctx, rec, start, StepGeneration, err, usage)
		case isRateLimited(err):
			rl, _ := upstream.IsRateLimited(err)
			metrics.PipelineOutcomes.WithLabelValues("rate_limited").Inc()
			slog.Warn("response generation rate limited, email left for retry",
				"email_id", email.ID,
				"step", StepGeneration,
				"reset_at", rl.ResetAt.UTC(),
			)
			return nil, &RetryableError{EmailID: email.ID, ResetAt: rl.ResetAt, Err: err}
		default:
			slog.Error("response generation failed",
				"email_id", email.ID,
				"step", StepGeneration,
				"error", err,
			)
			rec.Error = err.Error()
			rec.GenerationNote = "response generation failed; classification kept for manual reply"
			partial = &PartialError{EmailID: email.ID, Err: err}
		}
	}

	rec.State = models.StateDrafted
	if err := o.persist(ctx, rec, start, usage); err != nil {
		return nil, err
	}

	if o.notifier != nil && rec.GeneratedResponse != nil {
		if err := o.notifier.DraftReady(ctx, *rec); err != nil {
			slog.Warn("failed to publish draft notification",
				"email_id", email.ID,
				"error", err,
			)
		}
	}

	slog.Info("email processed",
		"email_id", email.ID,
		"state", rec.State,
		"generated", rec.GeneratedResponse != nil,
		"cost_usd", rec.CostUsd,
		"processing_ms", rec.ProcessingMs,
	)
	return rec, partial
}

// persist prices rec, stamps it and writes it.
func (o *Orchestrator) persist(ctx context.Context, rec *models.ProcessedEmail, start time.Time, usage models.TokenUsage) error {
	cost := o.costs.Compute(ctx, usage)
	rec.TokenUsage = usage
	rec.CostUsd = cost.USD
	rec.CostBrl = cost.BRL
	rec.CostBreakdown = cost.Breakdown
	rec.ExchangeRateAtProcessing = cost.ExchangeRate

	end := o.now()
	rec.ProcessedAt = end
	rec.ProcessingMs = end.Sub(start).Milliseconds()

	if err := o.repo.Upsert(ctx, *rec); err != nil {
		slog.Error("failed to persist email record",
			"email_id", rec.Email.ID,
			"step", StepPersist,
			"state", rec.State,
			"error", err,
		)
		return fmt.Errorf("orchestrator: %s %s: %w", StepPersist, rec.Email.ID, err)
	}

	metrics.PipelineOutcomes.WithLabelValues(string(rec.State)).Inc()
	metrics.PipelineDuration.Observe(end.Sub(start).Seconds())
	metrics.CostUSD.Add(cost.USD)
	metrics.CostBRL.Add(cost.BRL)
	metrics.TokensUsed.WithLabelValues("prompt").Add(float64(usage.Prompt))
	metrics.TokensUsed.WithLabelValues("output").Add(float64(usage.Output))
	metrics.TokensUsed.WithLabelValues("thought").Add(float64(usage.Thought))
	return nil
}

func isRateLimited(err error) bool {
	_, ok := upstream.IsRateLimited(err)
	return ok
}

func (o *Orchestrator) abandon(ctx context.Context, rec *models.ProcessedEmail, start time.Time, step Step, cause error) (*models.ProcessedEmail, error) {
	return o.abandonWithUsage(ctx, rec, start, step, cause, models.TokenUsage{})
}

// abandonWithUsage persists the work done so far as a failed record after
// the caller's context ended. The write uses a detached context.
func (o *Orchestrator) abandonWithUsage(ctx context.Context, rec *models.ProcessedEmail, start time.Time, step Step, cause error, usage models.TokenUsage) (*models.ProcessedEmail, error) {
	rec.State = models.StateFailed
	rec.Error = fmt.Sprintf("cancelled during %s: %v", step, cause)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()

	if err := o.persist(wctx, rec, start, usage); err != nil {
		slog.Error("failed to persist cancelled record",
			"email_id", rec.Email.ID,
			"step", step,
			"error", err,
		)
		return nil, errors.Join(ctx.Err(), err)
	}

	slog.Warn("processing cancelled, partial record saved",
		"email_id", rec.Email.ID,
		"step", step,
	)
	return rec, fmt.Errorf("orchestrator: %s cancelled during %s: %w", rec.Email.ID, step, ctx.Err())
}

func (o *Orchestrator) classify(ctx context.Context, id string, email models.Email) (*models.Classification, error) {
	return withRetry(ctx, o.retry, o.retry.ClassificationAttempts, StepClassification, email.ID, func() (*models.Classification, error) {
		return o.classifier.Classify(ctx, id, email)
	})
}

func (o *Orchestrator) generate(ctx context.Context, id string, email models.Email, cls models.Classification, tr *models.TrackingResult) (*models.GeneratedResponse, error) {
	return withRetry(ctx, o.retry, o.retry.GenerationAttempts, StepGeneration, email.ID, func() (*models.GeneratedResponse, error) {
		return o.generator.Generate(ctx, id, email, cls, tr)
	})
}

// withRetry calls fn up to attempts times, backing off between calls that
// failed with a retryable upstream error. Rate limiter denials and other
// errors are returned at once.
func withRetry[T any](ctx context.Context, p RetryPolicy, attempts int, step Step, emailID string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !upstream.IsRetryable(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if attempt < attempts {
			slog.Warn("upstream call failed, retrying",
				"email_id", emailID,
				"step", step,
				"attempt", attempt,
				"error", err,
			)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
}
