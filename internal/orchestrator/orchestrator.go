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

// Package orchestrator runs the support pipeline for one email at a time:
// classify, look up tracking when relevant, generate a draft when the gate
// allows it, and persist the ProcessedEmail audit record. It also owns the
// approve and send transitions of that record.
//
// All work for one email id is serialized; different ids run in parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcem/autoresponder/internal/ctxutil"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/ratelimit"
)

// Classifier is the classification client.
type Classifier interface {
	Classify(ctx context.Context, identity string, email models.Email) (*models.Classification, error)
}

// Tracker is the order tracking client.
type Tracker interface {
	Lookup(ctx context.Context, identity, emailID, sender, orderID string) (*models.TrackingResult, error)
}

// Generator is the response generation client.
type Generator interface {
	Generate(ctx context.Context, identity string, email models.Email, cls models.Classification, tracking *models.TrackingResult) (*models.GeneratedResponse, error)
}

// Repository persists ProcessedEmail records. Get returns (nil, nil) when
// no record exists.
type Repository interface {
	Get(ctx context.Context, emailID string) (*models.ProcessedEmail, error)
	Upsert(ctx context.Context, rec models.ProcessedEmail) error
}

// Transport delivers replies from a mailbox and returns the sent message id.
type Transport interface {
	SendReply(ctx context.Context, principalID string, reply models.Reply) (string, error)
}

// Credentials hands out valid OAuth credentials per mailbox principal.
type Credentials interface {
	GetValid(ctx context.Context, principalID string) (models.OAuthCredential, error)
}

// CostCalculator prices token usage.
type CostCalculator interface {
	Compute(ctx context.Context, usage models.TokenUsage) pricing.Cost
}

// Notifier is told when a draft is ready for review.
type Notifier interface {
	DraftReady(ctx context.Context, rec models.ProcessedEmail) error
}

// RetryPolicy bounds retries of the classification and generation steps.
type RetryPolicy struct {
	// ClassificationAttempts and GenerationAttempts count the first call.
	ClassificationAttempts int
	GenerationAttempts     int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
}

// Config wires an Orchestrator.
type Config struct {
	Classifier  Classifier
	Tracker     Tracker
	Generator   Generator
	Repository  Repository
	Transport   Transport
	Credentials Credentials
	Costs       CostCalculator
	Notifier    Notifier // optional

	GatePolicy GatePolicy
	Retry      RetryPolicy

	// DefaultMailbox replies for emails that carry no mailbox.
	DefaultMailbox string

	// BatchConcurrency bounds ProcessBatch fan-out.
	BatchConcurrency int

	// PersistTimeout bounds the write of a failed record after the caller's
	// context was cancelled.
	PersistTimeout time.Duration

	Now func() time.Time
}

// Orchestrator sequences the pipeline and owns ProcessedEmail records.
type Orchestrator struct {
	classifier  Classifier
	tracker     Tracker
	generator   Generator
	repo        Repository
	transport   Transport
	credentials Credentials
	costs       CostCalculator
	notifier    Notifier

	gate           GatePolicy
	retry          RetryPolicy
	defaultMailbox string
	concurrency    int
	persistTimeout time.Duration
	now            func() time.Time

	locks *keyedMutex
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Classifier == nil || cfg.Tracker == nil || cfg.Generator == nil {
		return nil, errors.New("orchestrator: classifier, tracker and generator are required")
	}
	if cfg.Repository == nil {
		return nil, errors.New("orchestrator: repository is required")
	}
	if cfg.Costs == nil {
		cfg.Costs = pricing.NewCalculator(nil, pricing.DefaultModel, pricing.FixedRate(5.50))
	}
	if cfg.GatePolicy == "" {
		cfg.GatePolicy = GateRequireProduct
	}
	if cfg.Retry.ClassificationAttempts <= 0 {
		cfg.Retry.ClassificationAttempts = 2
	}
	if cfg.Retry.GenerationAttempts <= 0 {
		cfg.Retry.GenerationAttempts = 2
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 5 * time.Second
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 5
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		classifier:     cfg.Classifier,
		tracker:        cfg.Tracker,
		generator:      cfg.Generator,
		repo:           cfg.Repository,
		transport:      cfg.Transport,
		credentials:    cfg.Credentials,
		costs:          cfg.Costs,
		notifier:       cfg.Notifier,
		gate:           cfg.GatePolicy,
		retry:          cfg.Retry,
		defaultMailbox: cfg.DefaultMailbox,
		concurrency:    cfg.BatchConcurrency,
		persistTimeout: cfg.PersistTimeout,
		now:            cfg.Now,
		locks:          newKeyedMutex(),
	}, nil
}

// Get returns the record for emailID or ErrNotFound.
func (o *Orchestrator) Get(ctx context.Context, emailID string) (*models.ProcessedEmail, error) {
	rec, err := o.repo.Get(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load %s: %w", emailID, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// identity picks the rate limit bucket for upstream calls made on behalf
// of email.
func identity(ctx context.Context, email models.Email) string {
	if p := ctxutil.PrincipalFromContext(ctx); p != "" {
		return "principal:" + p
	}
	if email.Mailbox != "" {
		return "principal:" + email.Mailbox
	}
	return ratelimit.UnknownIdentity
}

func (o *Orchestrator) mailbox(rec *models.ProcessedEmail) string {
	switch {
	case rec.Email.Mailbox != "":
		return rec.Email.Mailbox
	case o.defaultMailbox != "":
		return o.defaultMailbox
	default:
		return rec.Email.To
	}
}
