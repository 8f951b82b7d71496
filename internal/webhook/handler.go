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

// Package webhook exposes the pipeline over HTTP: email ingestion for
// upstream mail hooks and the review endpoints used to approve and send
// drafts.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bcem/autoresponder/internal/ctxutil"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/orchestrator"
	"github.com/bcem/autoresponder/internal/tokenstore"
	"github.com/bcem/autoresponder/internal/validation"
)

const maxBodyBytes = 1 << 20

// Pipeline is the orchestrator surface the handler drives.
type Pipeline interface {
	Process(ctx context.Context, email models.Email) (*models.ProcessedEmail, error)
	ProcessBatch(ctx context.Context, emails []models.Email) orchestrator.BatchResult
	Get(ctx context.Context, emailID string) (*models.ProcessedEmail, error)
	Approve(ctx context.Context, emailID string, editedBody *string) (*models.ProcessedEmail, error)
	Send(ctx context.Context, emailID string) (*models.ProcessedEmail, error)
}

// Seen filters redelivered emails.
type Seen interface {
	IsNew(ctx context.Context, emailID string) (bool, error)
	Forget(ctx context.Context, emailID string) error
}

// Handler serves the HTTP API.
type Handler struct {
	pipeline Pipeline
	seen     Seen
	reports  Reports
	maxBatch int
}

// NewHandler creates an API handler. seen may be nil.
func NewHandler(pipeline Pipeline, seen Seen) *Handler {
	return &Handler{pipeline: pipeline, seen: seen, maxBatch: 100}
}

type batchRequest struct {
	Emails []models.Email `json:"emails"`
}

type approveRequest struct {
	EditedBody *string `json:"edited_body"`
}

// ProcessSingle handles POST /webhook/emails.
func (h *Handler) ProcessSingle(w http.ResponseWriter, r *http.Request) {
	var email models.Email
	if !decodeBody(w, r, &email) {
		return
	}
	ctx := r.Context()

	if h.seen != nil && email.ID != "" {
		isNew, err := h.seen.IsNew(ctx, email.ID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "email_id", email.ID, "error", err)
		} else if !isNew {
			if rec, err := h.pipeline.Get(ctx, email.ID); err == nil {
				slog.Debug("duplicate delivery, returning stored record", "email_id", email.ID)
				w.Header().Set("X-Duplicate", "true")
				writeData(w, r, http.StatusOK, rec)
				return
			}
		}
	}

	rec, err := h.pipeline.Process(ctx, email)
	if err != nil && h.seen != nil && email.ID != "" {
		// Only a persisted draft settles a delivery. Anything else must be
		// reprocessed when the sender retries.
		var partial *orchestrator.PartialError
		if !errors.As(err, &partial) {
			if ferr := h.seen.Forget(context.WithoutCancel(ctx), email.ID); ferr != nil {
				slog.Warn("failed to clear dedup entry", "email_id", email.ID, "error", ferr)
			}
		}
	}
	h.writeResult(w, r, rec, err)
}

// ProcessBatch handles POST /webhook/emails/batch.
func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Emails) == 0 {
		writeError(w, r, validation.Fail("emails", "required"))
		return
	}
	if len(req.Emails) > h.maxBatch {
		writeError(w, r, validation.Fail("emails", "max="+strconv.Itoa(h.maxBatch)))
		return
	}

	res := h.pipeline.ProcessBatch(r.Context(), req.Emails)
	writeData(w, r, http.StatusOK, res)
}

// GetEmail handles GET /emails/{id}.
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pipeline.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rec)
}

// Approve handles POST /emails/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	rec, err := h.pipeline.Approve(r.Context(), chi.URLParam(r, "id"), req.EditedBody)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rec)
}

// Send handles POST /emails/{id}/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pipeline.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, rec)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// writeResult maps a Process outcome. A partial draft is still a 200; the
// generation error rides along in the error field.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, rec *models.ProcessedEmail, err error) {
	var partial *orchestrator.PartialError
	switch {
	case err == nil:
		writeData(w, r, http.StatusOK, rec)
	case errors.As(err, &partial):
		writeJSON(w, http.StatusOK, envelope{
			Data:  rec,
			Error: &apiError{Code: "GENERATION_FAILED", Message: partial.Err.Error()},
			Meta:  newMeta(r),
		})
	default:
		writeErrorWithData(w, r, err, rec)
	}
}

type envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
	Meta  meta      `json:"meta"`
}

type apiError struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
	ResetAt *time.Time              `json:"reset_at,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func newMeta(r *http.Request) meta {
	return meta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, envelope{Data: data, Meta: newMeta(r)})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithData(w, r, err, nil)
}

func writeErrorWithData(w http.ResponseWriter, r *http.Request, err error, rec *models.ProcessedEmail) {
	status, body := classify(err)
	if status == http.StatusTooManyRequests && body.ResetAt != nil {
		secs := math.Ceil(time.Until(*body.ResetAt).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(secs, 1))))
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
			"error", err,
		)
	}

	env := envelope{Error: body, Meta: newMeta(r)}
	if rec != nil {
		env.Data = rec
	}
	writeJSON(w, status, env)
}

// classify maps pipeline errors to HTTP statuses.
func classify(err error) (int, *apiError) {
	var (
		ve     *validation.Error
		retry  *orchestrator.RetryableError
		failed *orchestrator.FailedError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, &apiError{Code: "VALIDATION_ERROR", Message: ve.Error(), Fields: ve.Fields}
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound, &apiError{Code: "NOT_FOUND", Message: "email not found"}
	case errors.As(err, &retry):
		reset := retry.ResetAt.UTC()
		return http.StatusTooManyRequests, &apiError{Code: "RATE_LIMITED", Message: "upstream rate limited, retry later", ResetAt: &reset}
	case errors.Is(err, tokenstore.ErrAuthRequired), errors.Is(err, tokenstore.ErrRefreshFailed):
		return http.StatusUnauthorized, &apiError{Code: "AUTH_REQUIRED", Message: "mailbox authorization required"}
	case errors.Is(err, orchestrator.ErrAlreadySent):
		return http.StatusConflict, &apiError{Code: "ALREADY_SENT", Message: "email already sent"}
	case errors.Is(err, orchestrator.ErrNotDrafted):
		return http.StatusConflict, &apiError{Code: "NOT_DRAFTED", Message: "email has no draft to approve or send"}
	case errors.As(err, &failed):
		return http.StatusBadGateway, &apiError{Code: "UPSTREAM_FAILED", Message: failed.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, &apiError{Code: "CANCELLED", Message: "request cancelled before completion"}
	}
	return http.StatusInternalServerError, &apiError{Code: "INTERNAL", Message: "internal error"}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, validation.Fail("body", fmt.Sprintf("json: %v", err)))
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody that also accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, validation.Fail("body", fmt.Sprintf("json: %v", err)))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
