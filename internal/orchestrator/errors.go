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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means no ProcessedEmail exists for the id.
	ErrNotFound = errors.New("orchestrator: email not found")

	// ErrNotDrafted means the record has no generated response to approve
	// or send.
	ErrNotDrafted = errors.New("orchestrator: email has no draft")

	// ErrAlreadySent rejects Send (and body edits) on a sent record.
	ErrAlreadySent = errors.New("orchestrator: email already sent")
)

// Step names a pipeline stage in errors and logs.
type Step string

const (
	StepClassification Step = "classification"
	StepTracking       Step = "tracking"
	StepGeneration     Step = "generation"
	StepPersist        Step = "persist"
)

// RetryableError is returned when classification was rate limited. Nothing
// was persisted; the caller may re-submit the email after ResetAt.
type RetryableError struct {
	EmailID string
	ResetAt time.Time
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("orchestrator: %s: retry after %s: %v", e.EmailID, e.ResetAt.UTC().Format(time.RFC3339), e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FailedError accompanies a record persisted in the failed state.
type FailedError struct {
	EmailID string
	Step    Step
	Err     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("orchestrator: %s failed at %s: %v", e.EmailID, e.Step, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// PartialError accompanies a drafted record whose response generation
// failed. Classification and tracking results were kept.
type PartialError struct {
	EmailID string
	Err     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("orchestrator: %s drafted without response: %v", e.EmailID, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }
