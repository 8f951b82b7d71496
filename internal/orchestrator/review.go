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
	"fmt"
	"log/slog"
	"strings"

	"github.com/bcem/autoresponder/internal/metrics"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/validation"
)

// Approve marks the draft of emailID as approved, optionally replacing its
// body. Approving an approved draft without an edit is a no-op.
func (o *Orchestrator) Approve(ctx context.Context, emailID string, editedBody *string) (*models.ProcessedEmail, error) {
	unlock, err := o.locks.Lock(ctx, emailID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.Get(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if rec.Sent {
		if editedBody != nil {
			return rec, ErrAlreadySent
		}
		return rec, nil
	}
	if rec.GeneratedResponse == nil || (rec.State != models.StateDrafted && rec.State != models.StateApproved) {
		return rec, ErrNotDrafted
	}
	if editedBody != nil && strings.TrimSpace(*editedBody) == "" {
		return rec, validation.Fail("edited_body", "required")
	}
	if rec.Approved && editedBody == nil {
		return rec, nil
	}

	if editedBody != nil {
		rec.GeneratedResponse.SuggestedBody = *editedBody
	}
	rec.Approved = true
	rec.State = models.StateApproved
	if err := o.repo.Upsert(ctx, *rec); err != nil {
		return nil, fmt.Errorf("orchestrator: persist %s: %w", emailID, err)
	}

	slog.Info("draft approved",
		"email_id", emailID,
		"edited", editedBody != nil,
	)
	return rec, nil
}

// Send delivers the approved draft of emailID through the mailbox transport.
// An unapproved draft is approved first. A record is sent at most once; a
// failed delivery leaves it approved with the error recorded and is not
// retried here.
func (o *Orchestrator) Send(ctx context.Context, emailID string) (*models.ProcessedEmail, error) {
	if o.transport == nil {
		return nil, fmt.Errorf("orchestrator: no mail transport configured")
	}

	unlock, err := o.locks.Lock(ctx, emailID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.Get(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if rec.Sent {
		metrics.SendOutcomes.WithLabelValues("duplicate").Inc()
		return rec, ErrAlreadySent
	}
	if rec.GeneratedResponse == nil || (rec.State != models.StateDrafted && rec.State != models.StateApproved) {
		return rec, ErrNotDrafted
	}

	if !rec.Approved {
		rec.Approved = true
		rec.State = models.StateApproved
		if err := o.repo.Upsert(ctx, *rec); err != nil {
			return nil, fmt.Errorf("orchestrator: persist %s: %w", emailID, err)
		}
	}

	mailbox := o.mailbox(rec)
	if o.credentials != nil {
		if _, err := o.credentials.GetValid(ctx, mailbox); err != nil {
			return o.sendFailed(ctx, rec, mailbox, err)
		}
	}

	subject := rec.GeneratedResponse.SuggestedSubject
	if subject == "" {
		subject = replySubject(rec.Email.Subject)
	}
	msgID, err := o.transport.SendReply(ctx, mailbox, rec.Email.ReplyWith(subject, rec.GeneratedResponse.SuggestedBody))
	if err != nil {
		return o.sendFailed(ctx, rec, mailbox, err)
	}

	sentAt := o.now()
	rec.Sent = true
	rec.SentAt = &sentAt
	rec.SentMessage = msgID
	rec.State = models.StateSent
	rec.Error = ""

	// The message is out; the write must not be lost to the caller leaving.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	if err := o.repo.Upsert(wctx, *rec); err != nil {
		slog.Error("reply sent but record not updated",
			"email_id", emailID,
			"message_id", msgID,
			"error", err,
		)
		metrics.SendOutcomes.WithLabelValues("sent_unrecorded").Inc()
		return rec, fmt.Errorf("orchestrator: persist sent %s: %w", emailID, err)
	}

	metrics.SendOutcomes.WithLabelValues("sent").Inc()
	slog.Info("reply sent",
		"email_id", emailID,
		"mailbox", mailbox,
		"message_id", msgID,
	)
	return rec, nil
}

func (o *Orchestrator) sendFailed(ctx context.Context, rec *models.ProcessedEmail, mailbox string, cause error) (*models.ProcessedEmail, error) {
	slog.Error("failed to send reply",
		"email_id", rec.Email.ID,
		"mailbox", mailbox,
		"error", cause,
	)
	metrics.SendOutcomes.WithLabelValues("failed").Inc()

	rec.Error = cause.Error()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
	defer cancel()
	if err := o.repo.Upsert(wctx, *rec); err != nil {
		slog.Warn("failed to record send error", "email_id", rec.Email.ID, "error", err)
	}
	return rec, fmt.Errorf("orchestrator: send %s: %w", rec.Email.ID, cause)
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
