// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the core façade over HTTP: REST operations,
// an SSE streaming endpoint for chat, and a WebSocket feed of bus and
// stream events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/penguin/pkg/auth"
	"github.com/kadirpekel/penguin/pkg/core"
	"github.com/kadirpekel/penguin/pkg/observability"
)

// Server wires the HTTP surface over a Core.
type Server struct {
	core      *core.Core
	metrics   *observability.Metrics
	validator *auth.Validator
	addr      string
	http      *http.Server
}

// New creates a Server listening on addr.
func New(c *core.Core, metrics *observability.Metrics, validator *auth.Validator, addr string) *Server {
	s := &Server{
		core:      c,
		metrics:   metrics,
		validator: validator,
		addr:      addr,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(auth.Middleware(s.validator, "/healthz", "/metrics"))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents", s.handleCreateAgent)
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Delete("/", s.handleDeleteAgent)
			r.Post("/pause", s.handlePauseAgent)
			r.Post("/resume", s.handleResumeAgent)

			r.Post("/process", s.handleProcess)
			r.Post("/stream", s.handleStream)
			r.Get("/history", s.handleHistory)

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleNewSession)
			r.Post("/sessions/{sessionID}/load", s.handleLoadSession)

			r.Get("/checkpoints", s.handleListCheckpoints)
			r.Post("/checkpoints", s.handleCheckpoint)
			r.Post("/branch", s.handleBranch)

			r.Get("/task", s.handleTaskStatus)
			r.Post("/task/cancel", s.handleTaskCancel)
			r.Delete("/task", s.handleTaskCleanup)
		})

		r.Post("/tasks", s.handleRunTask)
		r.Get("/tasks", s.handleTaskStatusAll)
		r.Post("/messages", s.handleSendMessage)
		r.Get("/tools", s.handleListTools)
		r.Get("/events/ws", s.handleEventsWS)
	})
	return r
}

// ListenAndServe blocks serving HTTP until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

// errorEnvelope is the wire form of a failure.
type errorEnvelope struct {
	Error struct {
		Code            string         `json:"code"`
		Message         string         `json:"message"`
		Recoverable     bool           `json:"recoverable"`
		SuggestedAction string         `json:"suggested_action,omitempty"`
		Details         map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// writeError maps a core error onto the envelope and an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	var envelope errorEnvelope
	status := http.StatusInternalServerError

	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		envelope.Error.Code = string(coreErr.Code)
		envelope.Error.Message = coreErr.Message
		envelope.Error.Recoverable = coreErr.Recoverable
		envelope.Error.SuggestedAction = coreErr.SuggestedAction
		envelope.Error.Details = coreErr.Details
		status = statusFor(coreErr.Code)
	} else {
		envelope.Error.Code = string(core.CodeInternal)
		envelope.Error.Message = err.Error()
	}
	writeJSON(w, status, envelope)
}

func statusFor(code core.ErrorCode) int {
	switch code {
	case core.CodeAgentNotFound, core.CodeSnapshotNotFound:
		return http.StatusNotFound
	case core.CodeAgentExists:
		return http.StatusConflict
	case core.CodeInvalidRequest:
		return http.StatusBadRequest
	case core.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case core.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case core.CodeContextWindowExceeded:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
