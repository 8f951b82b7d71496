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

package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcem/autoresponder/internal/ctxutil"
	"github.com/bcem/autoresponder/internal/ratelimit"
)

// RouterConfig configures authentication and rate limiting.
type RouterConfig struct {
	// APIKeys maps accepted keys to principals. Empty disables auth.
	APIKeys map[string]string
	// Limiter may be nil to disable rate limiting.
	Limiter ratelimit.Limiter
}

// NewRouter builds the chi router for h.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NoopLimiter{}
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.APIKeys, cfg.Limiter))
		r.Use(ratelimit.Middleware(cfg.Limiter, ratelimit.RouteWebhook))

		r.Post("/webhook/emails", h.ProcessSingle)
		r.Post("/webhook/emails/batch", h.ProcessBatch)

		r.Get("/emails/{id}", h.GetEmail)
		r.Post("/emails/{id}/approve", h.Approve)
		r.Post("/emails/{id}/send", h.Send)

		if h.reports != nil {
			r.Get("/emails", h.ListEmails)
			r.Get("/costs/summary", h.CostSummary)
			r.Get("/costs/daily", h.DailyCosts)
			r.Get("/pricing", h.Pricing)
			r.Get("/exchange-rate", h.ExchangeRate)
			r.Post("/estimate", h.Estimate)
		}
	})

	return r
}

// RequestID propagates X-Request-ID, generating one when absent, and stores
// it in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithRequestID(r.Context(), id)))
	})
}

// Authenticate resolves the principal from an API key sent as
// "Authorization: Bearer <key>" or "X-API-Key". Failed attempts count
// against the auth route class of the caller's address.
func Authenticate(keys map[string]string, limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			if principal, ok := lookupKey(keys, presentedKey(r)); ok {
				next.ServeHTTP(w, r.WithContext(ctxutil.WithPrincipal(r.Context(), principal)))
				return
			}

			if limiter != nil {
				res, err := limiter.Check(r.Context(), ratelimit.Identity(r), ratelimit.RouteAuth)
				if err == nil && !res.Allowed {
					slog.Warn("auth attempts rate limited", "remote_addr", r.RemoteAddr)
					ratelimit.WriteTooManyRequests(w, r, res)
					return
				}
			}

			w.Header().Set("WWW-Authenticate", `Bearer realm="autoresponder"`)
			writeJSON(w, http.StatusUnauthorized, envelope{
				Error: &apiError{Code: "UNAUTHORIZED", Message: "missing or invalid API key"},
				Meta:  newMeta(r),
			})
		})
	}
}

func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if k, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(k)
		}
	}
	return r.Header.Get("X-API-Key")
}

func lookupKey(keys map[string]string, presented string) (string, bool) {
	if presented == "" {
		return "", false
	}
	for k, principal := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			return principal, true
		}
	}
	return "", false
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. The server drains in-flight
// requests for up to 15s once ctx is cancelled; the returned done channel
// closes when it has stopped.
func Serve(ctx context.Context, port int, handler http.Handler) (ready <-chan struct{}, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
			_ = server.Close()
		}
	}()

	go func() {
		defer close(doneCh)
		slog.Info("http server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
