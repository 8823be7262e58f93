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

// Package streaming converts provider chunk streams into an ordered,
// coalesced event sequence with exactly one terminal event per logical
// message. The manager is single-writer: one provider stream drives
// one manager; consumers fan out on the emitted events.
package streaming

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/penguin/pkg/actions"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/protocol"
)

// State is the manager's position in the stream lifecycle.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateToolCalling
	StateFinalizing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateToolCalling:
		return "tool_calling"
	case StateFinalizing:
		return "finalizing"
	case StateError:
		return "error"
	}
	return "unknown"
}

// NameResolver maps an action tag kind to the registered tool name.
// Wired to the dispatcher's mapping table; identity when nil.
type NameResolver func(kind actions.Kind) string

// Config configures a Manager.
type Config struct {
	// CoalesceWindow groups rapid deltas; pending deltas are flushed on
	// the next chunk once this long has passed since the previous
	// flush; the first delta flushes at once. Default 50ms.
	CoalesceWindow time.Duration

	// CoalesceBytes flushes a pending delta once it reaches this many
	// bytes regardless of the window. Default 256.
	CoalesceBytes int

	// ResolveName maps tag kinds to tool names for tool.started events.
	ResolveName NameResolver
}

// SetDefaults applies default coalescing parameters.
func (c *Config) SetDefaults() {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 50 * time.Millisecond
	}
	if c.CoalesceBytes <= 0 {
		c.CoalesceBytes = 256
	}
}

// Manager is the streaming state machine for one logical message.
type Manager struct {
	config *Config
	sink   Sink

	state     State
	messageID string
	agentID   string

	text      strings.Builder
	reasoning strings.Builder

	pendingText      strings.Builder
	pendingReasoning strings.Builder
	lastTextFlush    time.Time
	lastReasonFlush  time.Time

	// scanned marks how many complete action tags have already been
	// surfaced as tool.started events.
	scanned int

	invocations []*Invocation
	byID        map[string]*Invocation

	usage    *llms.Usage
	terminal bool
}

// NewManager creates a manager for one logical message. Events are
// delivered synchronously to sink in order.
func NewManager(messageID, agentID string, config *Config, sink Sink) *Manager {
	if config == nil {
		config = &Config{}
	}
	config.SetDefaults()
	if sink == nil {
		sink = func(Event) {}
	}
	return &Manager{
		config:    config,
		sink:      sink,
		state:     StateIdle,
		messageID: messageID,
		agentID:   agentID,
		byID:      make(map[string]*Invocation),
	}
}

// State returns the current state.
func (m *Manager) State() State { return m.state }

// Text returns the full accumulated text so far.
func (m *Manager) Text() string { return m.text.String() }

// Reasoning returns the full accumulated reasoning so far.
func (m *Manager) Reasoning() string { return m.reasoning.String() }

// Invocations returns the tool invocations observed so far, in
// document order.
func (m *Manager) Invocations() []*Invocation {
	out := make([]*Invocation, len(m.invocations))
	copy(out, m.invocations)
	return out
}

// Terminal reports whether a finalize or error event was emitted.
func (m *Manager) Terminal() bool { return m.terminal }

// Feed consumes one provider chunk. Events emitted by a Feed call are
// delivered before it returns. Chunks after the terminal event are
// dropped.
func (m *Manager) Feed(chunk llms.Chunk) {
	if m.terminal {
		slog.Debug("Dropping chunk after terminal event",
			"message_id", m.messageID, "chunk_type", chunk.Type)
		return
	}

	switch chunk.Type {
	case llms.ChunkTypeText:
		if chunk.Text == "" {
			return
		}
		m.ensureStarted()
		m.text.WriteString(chunk.Text)
		m.pendingText.WriteString(chunk.Text)
		m.maybeFlushText()
		m.detectTags()

	case llms.ChunkTypeReasoning:
		if chunk.Text == "" {
			return
		}
		m.ensureStarted()
		m.reasoning.WriteString(chunk.Text)
		m.pendingReasoning.WriteString(chunk.Text)
		m.maybeFlushReasoning()

	case llms.ChunkTypeToolCall:
		if chunk.ToolCall == nil {
			return
		}
		m.ensureStarted()
		m.flushAll()
		m.state = StateToolCalling

		inv := &Invocation{
			ID:      chunk.ToolCall.ID,
			Name:    chunk.ToolCall.Name,
			Payload: chunk.ToolCall.RawArgs,
			Call:    chunk.ToolCall,
		}
		if inv.ID == "" {
			inv.ID = uuid.NewString()
		}
		m.record(inv)

	case llms.ChunkTypeDone:
		if chunk.Usage != nil {
			m.usage = chunk.Usage
		}

	case llms.ChunkTypeError:
		m.Fail("provider", chunk.Err)
	}
}

// CompleteTool attaches a result to a previously started invocation
// and emits tool.completed. The manager returns to Streaming so the
// provider may resume on the same message.
func (m *Manager) CompleteTool(invocationID string, result *protocol.ToolResult) {
	if m.terminal {
		return
	}
	inv, ok := m.byID[invocationID]
	if !ok {
		slog.Warn("Completing unknown tool invocation",
			"message_id", m.messageID, "invocation_id", invocationID)
		return
	}
	inv.Result = result

	m.emit(Event{
		Type:       EventToolCompleted,
		MessageID:  m.messageID,
		AgentID:    m.agentID,
		ToolCallID: inv.ID,
		ToolName:   inv.Name,
		Payload:    inv.Payload,
		Result:     result,
	})
	if m.state == StateToolCalling {
		m.state = StateStreaming
	}
}

// Finish flushes buffers and emits the single finalized event. It is a
// no-op after a terminal event.
func (m *Manager) Finish(reason CompletionReason) *Final {
	if m.terminal {
		return nil
	}
	m.ensureStarted()
	m.state = StateFinalizing
	m.flushAll()

	final := &Final{
		MessageID: m.messageID,
		Text:      m.text.String(),
		Reasoning: m.reasoning.String(),
		ToolCalls: m.Invocations(),
		Usage:     m.usage,
		Reason:    reason,
	}
	m.terminal = true
	m.emit(Event{
		Type:      EventFinalized,
		MessageID: m.messageID,
		AgentID:   m.agentID,
		Final:     final,
	})
	m.state = StateIdle
	return final
}

// Fail flushes buffered bytes and emits the error event carrying the
// partial text. No finalize follows an error.
func (m *Manager) Fail(kind string, err error) {
	if m.terminal {
		return
	}
	m.flushAll()
	m.state = StateError
	m.terminal = true

	text := m.text.String()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.emit(Event{
		Type:      EventError,
		MessageID: m.messageID,
		AgentID:   m.agentID,
		Text:      text,
		ErrorKind: kind,
		Payload:   msg,
	})
}

// ensureStarted emits stream.started on the first content.
func (m *Manager) ensureStarted() {
	if m.state != StateIdle {
		return
	}
	m.state = StateStreaming
	m.emit(Event{
		Type:      EventStarted,
		MessageID: m.messageID,
		AgentID:   m.agentID,
	})
}

// detectTags scans the accumulated text for newly completed action
// tags. A tool.started event fires as soon as the close tag is
// observed; the pending text is flushed first so tool events stay
// ordered between deltas.
func (m *Manager) detectTags() {
	result := actions.Parse(m.text.String())
	tags := result.Tags()
	if len(tags) <= m.scanned {
		return
	}

	for _, tag := range tags[m.scanned:] {
		if tag.Kind.IsTerminal() {
			// finish_response / finish_task are engine markers, not
			// tool invocations.
			continue
		}
		m.flushAll()
		m.state = StateToolCalling

		name := string(tag.Kind)
		if m.config.ResolveName != nil {
			name = m.config.ResolveName(tag.Kind)
		}
		m.record(&Invocation{
			ID:      uuid.NewString(),
			Name:    name,
			Payload: tag.Payload,
		})
	}
	m.scanned = len(tags)
}

func (m *Manager) record(inv *Invocation) {
	m.invocations = append(m.invocations, inv)
	m.byID[inv.ID] = inv
	m.emit(Event{
		Type:       EventToolStarted,
		MessageID:  m.messageID,
		AgentID:    m.agentID,
		ToolCallID: inv.ID,
		ToolName:   inv.Name,
		Payload:    inv.Payload,
	})
}

func (m *Manager) maybeFlushText() {
	if m.pendingText.Len() >= m.config.CoalesceBytes ||
		time.Since(m.lastTextFlush) >= m.config.CoalesceWindow {
		m.flushText()
	}
}

func (m *Manager) maybeFlushReasoning() {
	if m.pendingReasoning.Len() >= m.config.CoalesceBytes ||
		time.Since(m.lastReasonFlush) >= m.config.CoalesceWindow {
		m.flushReasoning()
	}
}

func (m *Manager) flushText() {
	if m.pendingText.Len() == 0 {
		return
	}
	m.emit(Event{
		Type:      EventTextDelta,
		MessageID: m.messageID,
		AgentID:   m.agentID,
		Text:      m.pendingText.String(),
	})
	m.pendingText.Reset()
	m.lastTextFlush = time.Now()
}

func (m *Manager) flushReasoning() {
	if m.pendingReasoning.Len() == 0 {
		return
	}
	m.emit(Event{
		Type:      EventReasoningDelta,
		MessageID: m.messageID,
		AgentID:   m.agentID,
		Text:      m.pendingReasoning.String(),
	})
	m.pendingReasoning.Reset()
	m.lastReasonFlush = time.Now()
}

// flushAll drains both pending buffers. Called before tool events and
// before any terminal event so no bytes are dropped or reordered.
func (m *Manager) flushAll() {
	m.flushText()
	m.flushReasoning()
}

func (m *Manager) emit(event Event) {
	m.sink(event)
}
