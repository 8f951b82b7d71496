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

	"golang.org/x/sync/errgroup"

	"github.com/bcem/autoresponder/internal/models"
)

// BatchItemError reports one email of a batch that produced no usable record.
type BatchItemError struct {
	EmailID string `json:"email_id"`
	Error   string `json:"error"`

	// Retryable is set when resubmitting the email later may succeed.
	Retryable bool `json:"retryable"`
}

// BatchResult lists the outcome of ProcessBatch in input order.
type BatchResult struct {
	Processed []models.ProcessedEmail `json:"processed"`
	Failed    []BatchItemError        `json:"failed"`
}

// ProcessBatch processes emails concurrently. One email's failure does not
// affect the others. Drafts without a response count as processed; failed
// records, rate limited and invalid emails are reported in Failed.
func (o *Orchestrator) ProcessBatch(ctx context.Context, emails []models.Email) BatchResult {
	type outcome struct {
		rec *models.ProcessedEmail
		err error
	}
	outcomes := make([]outcome, len(emails))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, e := range emails {
		g.Go(func() error {
			rec, err := o.Process(gctx, e)
			outcomes[i] = outcome{rec: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{
		Processed: make([]models.ProcessedEmail, 0, len(emails)),
		Failed:    []BatchItemError{},
	}
	for i, out := range outcomes {
		var partial *PartialError
		switch {
		case out.err == nil && out.rec != nil:
			res.Processed = append(res.Processed, *out.rec)
		case errors.As(out.err, &partial) && out.rec != nil:
			res.Processed = append(res.Processed, *out.rec)
		default:
			res.Failed = append(res.Failed, BatchItemError{
				EmailID:   emails[i].ID,
				Error:     out.err.Error(),
				Retryable: retryable(out.err),
			})
		}
	}
	return res
}

func retryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
