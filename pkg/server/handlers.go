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

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/penguin/pkg/core"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/protocol"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Health())
}

// ============================================================================
// AGENT LIFECYCLE
// ============================================================================

type createAgentRequest struct {
	ID      string            `json:"id"`
	Binding llms.ModelBinding `json:"model_binding"`
	Persona string            `json:"persona,omitempty"`
	Parent  string            `json:"parent,omitempty"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	profile, err := s.core.CreateAgent(req.ID, req.Binding, req.Persona, req.Parent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.core.ListAgents()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	profile, err := s.core.GetAgentProfile(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	preserve := r.URL.Query().Get("preserve_session") == "true"
	if err := s.core.DeleteAgent(chi.URLParam(r, "agentID"), preserve); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.core.PauseAgent(chi.URLParam(r, "agentID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ResumeAgent(chi.URLParam(r, "agentID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

// ============================================================================
// EXECUTION
// ============================================================================

type processRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.core.Process(r.Context(), chi.URLParam(r, "agentID"), req.Input, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.core.History(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

// ============================================================================
// SESSIONS AND SNAPSHOTS
// ============================================================================

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.core.ListSessions(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	snapID, err := s.core.NewSession(chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"archived_snapshot_id": snapID})
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request) {
	err := s.core.LoadSession(chi.URLParam(r, "agentID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaded": true})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	descs, err := s.core.ListCheckpoints(chi.URLParam(r, "agentID"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": descs})
}

type checkpointRequest struct {
	Name string `json:"name,omitempty"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	_ = decode(r, &req)
	snapID, err := s.core.Checkpoint(chi.URLParam(r, "agentID"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"snapshot_id": snapID})
}

type branchRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	branchID, err := s.core.BranchFrom(chi.URLParam(r, "agentID"), req.SnapshotID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"snapshot_id": branchID})
}

// ============================================================================
// BACKGROUND TASKS
// ============================================================================

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var spec core.TaskSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.RunTask(spec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": true, "agent_id": spec.AgentID})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if wait := r.URL.Query().Get("wait"); wait != "" {
		timeout, err := time.ParseDuration(wait)
		if err != nil {
			writeError(w, core.ErrInvalidRequest("invalid wait duration"))
			return
		}
		snap, err := s.core.WaitForTask(r.Context(), agentID, timeout)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	snap, err := s.core.TaskStatus(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTaskStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.core.TaskStatusAll()})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelTask(chi.URLParam(r, "agentID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleTaskCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CleanupTask(chi.URLParam(r, "agentID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleaned": true})
}

// ============================================================================
// MESSAGING AND TOOLS
// ============================================================================

type sendMessageRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Channel   string `json:"channel,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Sender == "" {
		req.Sender = protocol.RecipientHuman
	}
	if err := s.core.SendBusMessage(req.Sender, req.Recipient, req.Content, req.Channel); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": true})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.core.Tools().List(scope)})
}
