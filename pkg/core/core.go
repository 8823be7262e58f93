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

// Package core is the composition root of the runtime: it owns the
// agent registry, the executor, the message bus, the tool registry
// and the snapshot store, and routes every external request to the
// engine or the executor.
package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/penguin/pkg/contextwindow"
	"github.com/kadirpekel/penguin/pkg/conversation"
	"github.com/kadirpekel/penguin/pkg/engine"
	"github.com/kadirpekel/penguin/pkg/executor"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/observability"
	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/snapshot"
	"github.com/kadirpekel/penguin/pkg/tools"
	"github.com/kadirpekel/penguin/pkg/utils"

	penguinbus "github.com/kadirpekel/penguin/pkg/bus"
)

// ExecutionState mirrors what an agent is currently doing.
type ExecutionState string

const (
	StateIdle      ExecutionState = "idle"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateError     ExecutionState = "error"
	StateCompleted ExecutionState = "completed"
)

// Agent is a registered logical actor. It exclusively owns its
// Conversation; the engine is the only writer while a run is active,
// serialized by the per-agent mutex.
type Agent struct {
	ID        string
	Persona   string
	Binding   llms.ModelBinding
	ParentID  string
	CreatedAt time.Time

	conv *conversation.Conversation

	mu        sync.Mutex // serializes engine invocations
	paused    bool
	execState ExecutionState
}

// Profile is the externally visible agent description.
type Profile struct {
	ID             string            `json:"id"`
	Persona        string            `json:"persona,omitempty"`
	Binding        llms.ModelBinding `json:"model_binding"`
	ParentID       string            `json:"parent_id,omitempty"`
	Children       []string          `json:"children,omitempty"`
	Paused         bool              `json:"paused"`
	ExecutionState ExecutionState    `json:"execution_state"`
	SessionID      string            `json:"session_id"`
	TokenCount     int               `json:"token_count"`
	CreatedAt      time.Time         `json:"created_at"`
}

// SessionInfo describes an archived or live session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	ArchivedAt time.Time `json:"archived_at,omitempty"`
	Live       bool      `json:"live"`
}

// Config configures the core.
type Config struct {
	DefaultAgentID string            `yaml:"default_agent_id"`
	DefaultBinding llms.ModelBinding `yaml:"default_binding"`
	DefaultPersona string            `yaml:"default_persona"`

	// MaxConcurrent caps parallel background agents.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Window configures the per-agent context window.
	Window *contextwindow.Config `yaml:"window"`

	// Engine tunes the reason/act loop.
	Engine *engine.Config `yaml:"engine"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.DefaultAgentID == "" {
		c.DefaultAgentID = "default"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
}

// Core is the composition root.
type Core struct {
	config *Config

	mu       sync.RWMutex
	agents   map[string]*Agent
	children map[string][]string
	sessions map[string][]SessionInfo

	providers *llms.Registry
	tools     *tools.Registry
	engine    *engine.Engine
	executor  *executor.Executor
	bus       *penguinbus.Bus
	snapshots *snapshot.Store
	metrics   *observability.Metrics

	startTime time.Time
}

// New assembles the runtime. The tool registry must still be open:
// the core registers the runtime-backed tools before the first
// dispatch freezes it.
func New(config *Config, providers *llms.Registry, toolRegistry *tools.Registry, snapshots *snapshot.Store, metrics *observability.Metrics) (*Core, error) {
	if config == nil {
		config = &Config{}
	}
	config.SetDefaults()
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if toolRegistry == nil {
		toolRegistry = tools.NewRegistry()
	}

	c := &Core{
		config:    config,
		agents:    make(map[string]*Agent),
		children:  make(map[string][]string),
		sessions:  make(map[string][]SessionInfo),
		providers: providers,
		tools:     toolRegistry,
		bus:       penguinbus.New(),
		snapshots: snapshots,
		metrics:   metrics,
		startTime: time.Now(),
	}

	dispatcher := tools.NewDispatcher(toolRegistry, nil, metrics)
	c.engine = engine.New(providers, toolRegistry, dispatcher, metrics, config.Engine)
	c.executor = executor.New(c.runAgentTask, config.MaxConcurrent, metrics)
	c.bus.SetAgentDelivery(c.deliverBusMessage)

	if err := c.registerRuntimeTools(); err != nil {
		return nil, err
	}

	// The default agent always exists.
	if _, err := c.CreateAgent(config.DefaultAgentID, config.DefaultBinding, config.DefaultPersona, ""); err != nil {
		return nil, fmt.Errorf("failed to create default agent: %w", err)
	}
	return c, nil
}

// Bus exposes the message bus for external subscribers (WebSocket
// fan-out). Subscribers must not write back.
func (c *Core) Bus() *penguinbus.Bus { return c.bus }

// Tools exposes the tool registry (read-only after freeze).
func (c *Core) Tools() *tools.Registry { return c.tools }

// DefaultAgentID returns the root agent's id.
func (c *Core) DefaultAgentID() string { return c.config.DefaultAgentID }

// ============================================================================
// AGENT LIFECYCLE
// ============================================================================

// CreateAgent registers a new agent. An empty binding inherits the
// default binding; parent must name an existing agent when set.
func (c *Core) CreateAgent(id string, binding llms.ModelBinding, persona, parent string) (*Profile, error) {
	if id == "" {
		return nil, ErrInvalidRequest("agent id is required")
	}
	if binding.Provider == "" {
		binding = c.config.DefaultBinding
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.agents[id]; exists {
		return nil, ErrAgentExists(id)
	}
	if parent != "" {
		if _, ok := c.agents[parent]; !ok {
			return nil, ErrAgentNotFound(parent)
		}
	}

	conv, err := conversation.New(conversation.Config{
		AgentID: id,
		Counter: utils.NewTokenCounter(binding.Model),
		Window:  contextwindow.NewManager(c.config.Window),
	})
	if err != nil {
		return nil, ErrInternal(err)
	}
	conv.SetArchiver(c.archiverFor(id))
	if persona != "" {
		conv.SetSystemPrompt(persona)
	}

	agent := &Agent{
		ID:        id,
		Persona:   persona,
		Binding:   binding,
		ParentID:  parent,
		CreatedAt: time.Now(),
		conv:      conv,
		execState: StateIdle,
	}
	c.agents[id] = agent
	if parent != "" {
		c.children[parent] = append(c.children[parent], id)
	}

	slog.Info("Agent created", "agent_id", id, "parent", parent, "provider", binding.Provider)
	return c.profileLocked(agent), nil
}

// DeleteAgent removes an agent. The default agent is refused. With
// preserveSession the current session is archived to the snapshot
// store first. Children of the deleted agent become roots.
func (c *Core) DeleteAgent(id string, preserveSession bool) error {
	if id == c.config.DefaultAgentID {
		return ErrInvalidRequest("the default agent cannot be deleted")
	}

	c.mu.Lock()
	agent, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return ErrAgentNotFound(id)
	}
	delete(c.agents, id)
	if agent.ParentID != "" {
		c.children[agent.ParentID] = remove(c.children[agent.ParentID], id)
	}
	for _, child := range c.children[id] {
		if childAgent, ok := c.agents[child]; ok {
			childAgent.ParentID = ""
		}
	}
	delete(c.children, id)
	delete(c.sessions, id)
	c.mu.Unlock()

	_ = c.executor.Cancel(id)

	if preserveSession {
		if _, err := agent.conv.NewSession(); err != nil {
			slog.Warn("Failed to archive session of deleted agent", "agent_id", id, "error", err)
		}
	}
	slog.Info("Agent deleted", "agent_id", id, "preserved", preserveSession)
	return nil
}

// PauseAgent pauses the agent cooperatively: a running engine stops
// at its next suspension point.
func (c *Core) PauseAgent(id string) error {
	c.mu.Lock()
	agent, ok := c.agents[id]
	if ok {
		agent.paused = true
		agent.execState = StatePaused
	}
	c.mu.Unlock()
	if !ok {
		return ErrAgentNotFound(id)
	}

	if err := c.executor.Pause(id); err == nil {
		slog.Info("Agent task paused", "agent_id", id)
	}
	return nil
}

// ResumeAgent lifts a pause.
func (c *Core) ResumeAgent(id string) error {
	c.mu.Lock()
	agent, ok := c.agents[id]
	if ok {
		agent.paused = false
		if agent.execState == StatePaused {
			agent.execState = StateIdle
		}
	}
	c.mu.Unlock()
	if !ok {
		return ErrAgentNotFound(id)
	}

	_ = c.executor.Resume(id)
	return nil
}

// ListAgents returns all agent profiles.
func (c *Core) ListAgents() []*Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Profile, 0, len(c.agents))
	for _, agent := range c.agents {
		out = append(out, c.profileLocked(agent))
	}
	return out
}

// GetAgentProfile returns one agent's profile.
func (c *Core) GetAgentProfile(id string) (*Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agent, ok := c.agents[id]
	if !ok {
		return nil, ErrAgentNotFound(id)
	}
	return c.profileLocked(agent), nil
}

func (c *Core) profileLocked(agent *Agent) *Profile {
	children := make([]string, len(c.children[agent.ID]))
	copy(children, c.children[agent.ID])
	return &Profile{
		ID:             agent.ID,
		Persona:        agent.Persona,
		Binding:        agent.Binding,
		ParentID:       agent.ParentID,
		Children:       children,
		Paused:         agent.paused,
		ExecutionState: agent.execState,
		SessionID:      agent.conv.SessionID(),
		TokenCount:     agent.conv.TotalTokens(),
		CreatedAt:      agent.CreatedAt,
	}
}

// resolve returns the agent or the canonical not-found error.
func (c *Core) resolve(id string) (*Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.agents[id]
	if !ok {
		return nil, ErrAgentNotFound(id)
	}
	return agent, nil
}

// ============================================================================
// SESSIONS, CHECKPOINTS AND BRANCHES
// ============================================================================

// archiverFor wires a conversation's session archive into the
// snapshot store and the session index.
func (c *Core) archiverFor(agentID string) conversation.Archiver {
	return func(payload []byte, meta map[string]any) (string, error) {
		if c.snapshots == nil {
			return "", nil
		}
		id, err := c.snapshots.Snapshot(payload, "", meta)
		if err != nil {
			return "", err
		}

		sessionID, _ := meta["name"].(string)
		c.mu.Lock()
		c.sessions[agentID] = append(c.sessions[agentID], SessionInfo{
			SessionID:  sessionID,
			SnapshotID: id,
			ArchivedAt: time.Now(),
		})
		c.mu.Unlock()
		return id, nil
	}
}

// ListSessions returns the agent's archived sessions plus the live
// one.
func (c *Core) ListSessions(agentID string) ([]SessionInfo, error) {
	agent, err := c.resolve(agentID)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]SessionInfo, 0, len(c.sessions[agentID])+1)
	out = append(out, c.sessions[agentID]...)
	out = append(out, SessionInfo{SessionID: agent.conv.SessionID(), Live: true})
	return out, nil
}

// NewSession archives the agent's current session and starts a fresh
// one, carrying the system prompt over.
func (c *Core) NewSession(agentID string) (string, error) {
	agent, err := c.resolve(agentID)
	if err != nil {
		return "", err
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	snapID, archiveErr := agent.conv.NewSession()
	if archiveErr != nil {
		return "", ErrInternal(archiveErr)
	}
	return snapID, nil
}

// LoadSession restores a previously archived session into the agent's
// conversation.
func (c *Core) LoadSession(agentID, sessionID string) error {
	agent, err := c.resolve(agentID)
	if err != nil {
		return err
	}

	c.mu.RLock()
	var snapID string
	for _, info := range c.sessions[agentID] {
		if info.SessionID == sessionID || info.SessionID == "session:"+sessionID {
			snapID = info.SnapshotID
		}
	}
	c.mu.RUnlock()
	if snapID == "" {
		return ErrSnapshotNotFound(sessionID)
	}

	payload, err := c.snapshots.Restore(snapID)
	if err != nil {
		return ErrInternal(err)
	}
	if payload == nil {
		return ErrSnapshotNotFound(snapID)
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if err := agent.conv.RestoreState(payload); err != nil {
		return ErrInternal(err)
	}
	return nil
}

// Checkpoint snapshots the agent's current conversation state.
func (c *Core) Checkpoint(agentID, name string) (string, error) {
	agent, err := c.resolve(agentID)
	if err != nil {
		return "", err
	}
	if c.snapshots == nil {
		return "", ErrInvalidRequest("snapshot store is not configured")
	}

	payload, err := agent.conv.SnapshotState()
	if err != nil {
		return "", ErrInternal(err)
	}
	meta := map[string]any{"agent_id": agentID}
	if name != "" {
		meta["name"] = name
	}
	id, err := c.snapshots.Snapshot(payload, "", meta)
	if err != nil {
		return "", ErrInternal(err)
	}
	return id, nil
}

// ListCheckpoints lists snapshot descriptors for the agent.
func (c *Core) ListCheckpoints(agentID string, limit, offset int) ([]snapshot.Descriptor, error) {
	if _, err := c.resolve(agentID); err != nil {
		return nil, err
	}
	if c.snapshots == nil {
		return nil, nil
	}

	// Over-fetch, then filter by agent: the store is shared.
	all, err := c.snapshots.List(limit+offset+256, 0)
	if err != nil {
		return nil, ErrInternal(err)
	}
	var filtered []snapshot.Descriptor
	for _, d := range all {
		if d.AgentID == agentID {
			filtered = append(filtered, d)
		}
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// BranchFrom creates a child snapshot of snapshotID and hydrates the
// agent's conversation from it. The source snapshot is untouched;
// subsequent mutations diverge on the branch.
func (c *Core) BranchFrom(agentID, snapshotID string) (string, error) {
	agent, err := c.resolve(agentID)
	if err != nil {
		return "", err
	}
	if c.snapshots == nil {
		return "", ErrInvalidRequest("snapshot store is not configured")
	}

	branchID, payload, err := c.snapshots.BranchFrom(snapshotID, map[string]any{
		"agent_id": agentID,
		"name":     "branch:" + snapshotID,
	})
	if err != nil {
		return "", ErrSnapshotNotFound(snapshotID)
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if err := agent.conv.RestoreState(payload); err != nil {
		return "", ErrInternal(err)
	}
	return branchID, nil
}

// History returns the agent's current message log.
func (c *Core) History(agentID string) ([]*protocol.Message, error) {
	agent, err := c.resolve(agentID)
	if err != nil {
		return nil, err
	}
	return agent.conv.Messages(), nil
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
