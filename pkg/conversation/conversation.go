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

// Package conversation owns the per-agent message log: an ordered
// Session of messages, the API view sent to providers, and the
// snapshot/restore hooks. Exactly one agent holds a Conversation at a
// time; the engine is the only writer.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/penguin/pkg/contextwindow"
	"github.com/kadirpekel/penguin/pkg/protocol"
)

// Counter abstracts token counting so tests can supply a fixed-cost
// counter. utils.TokenCounter satisfies it.
type Counter interface {
	Count(text string) int
}

// Archiver persists a serialized session and returns its snapshot id.
// Wired by the core to the snapshot store.
type Archiver func(payload []byte, meta map[string]any) (string, error)

// Session is an ordered sequence of messages with identity.
type Session struct {
	ID         string              `json:"id"`
	AgentID    string              `json:"agent_id"`
	CreatedAt  time.Time           `json:"created_at"`
	LastActive time.Time           `json:"last_active"`
	Messages   []*protocol.Message `json:"messages"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
}

// Conversation is a live handle over a Session held by exactly one
// agent.
type Conversation struct {
	mu sync.RWMutex

	agentID      string
	session      *Session
	systemPrompt string
	window       *contextwindow.Manager
	counter      Counter
	archiver     Archiver

	totalTokens int
	seq         int64
}

// Config configures a new Conversation.
type Config struct {
	AgentID  string
	Window   *contextwindow.Manager
	Counter  Counter
	Archiver Archiver
	Metadata map[string]any
}

// New creates a Conversation with a fresh Session.
func New(cfg Config) (*Conversation, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.Counter == nil {
		return nil, fmt.Errorf("token counter is required")
	}
	if cfg.Window == nil {
		cfg.Window = contextwindow.NewManager(nil)
	}

	now := time.Now()
	return &Conversation{
		agentID: cfg.AgentID,
		window:  cfg.Window,
		counter: cfg.Counter,
		session: &Session{
			ID:         uuid.NewString(),
			AgentID:    cfg.AgentID,
			CreatedAt:  now,
			LastActive: now,
			Messages:   make([]*protocol.Message, 0),
			Metadata:   cfg.Metadata,
		},
	}, nil
}

// SetArchiver wires the snapshot hook used by NewSession.
func (c *Conversation) SetArchiver(a Archiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.archiver = a
}

// AgentID returns the owning agent's id.
func (c *Conversation) AgentID() string {
	return c.agentID
}

// SessionID returns the current session id.
func (c *Conversation) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.ID
}

// TotalTokens returns the current token total. It always equals the
// sum of TokenCount over all messages in the session.
func (c *Conversation) TotalTokens() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalTokens
}

// Len returns the number of messages in the current session.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.session.Messages)
}

// Add computes tokens for the content, appends a message and trims the
// log synchronously if the total exceeds the available window. The
// returned message is owned by the conversation.
func (c *Conversation) Add(role protocol.Role, parts []protocol.Part, category protocol.Category, metadata map[string]any) *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.build(role, parts, category, metadata)
	c.session.Messages = append(c.session.Messages, msg)
	c.totalTokens += msg.TokenCount
	c.session.LastActive = msg.CreatedAt

	if c.window.NeedsTrim(c.totalTokens) {
		c.trimLocked(false)
	}
	return msg
}

// AddText is a convenience wrapper for a single text part.
func (c *Conversation) AddText(role protocol.Role, text string, category protocol.Category, metadata map[string]any) *protocol.Message {
	return c.Add(role, []protocol.Part{protocol.TextPart(text)}, category, metadata)
}

// SetSystemPrompt replaces any existing system prompt message. The new
// message carries the permanent metadata flag and the system_prompt
// category.
func (c *Conversation) SetSystemPrompt(text string) *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop previous system prompt messages.
	kept := c.session.Messages[:0]
	for _, msg := range c.session.Messages {
		if msg.Category == protocol.CategorySystemPrompt {
			c.totalTokens -= msg.TokenCount
			continue
		}
		kept = append(kept, msg)
	}
	c.session.Messages = kept
	c.systemPrompt = text

	msg := c.build(protocol.RoleSystem,
		[]protocol.Part{protocol.TextPart(text)},
		protocol.CategorySystemPrompt,
		map[string]any{"permanent": true})
	c.session.Messages = append(c.session.Messages, msg)
	c.totalTokens += msg.TokenCount
	return msg
}

// SystemPrompt returns the current system prompt text.
func (c *Conversation) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemPrompt
}

// APIView materializes the exact message sequence the provider sees:
// system prompt first, then declarative notes, then working memory,
// then conversation and tool memory merged in creation order.
func (c *Conversation) APIView() []*protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var system, notes, working, dialogue []*protocol.Message
	for _, msg := range c.session.Messages {
		switch msg.Category {
		case protocol.CategorySystemPrompt:
			system = append(system, msg)
		case protocol.CategoryDeclarativeNotes:
			notes = append(notes, msg)
		case protocol.CategoryWorkingMemory:
			working = append(working, msg)
		default:
			dialogue = append(dialogue, msg)
		}
	}

	view := make([]*protocol.Message, 0, len(c.session.Messages))
	view = append(view, system...)
	view = append(view, notes...)
	view = append(view, working...)
	view = append(view, dialogue...)
	return view
}

// Messages returns the raw session log in insertion order.
func (c *Conversation) Messages() []*protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*protocol.Message, len(c.session.Messages))
	copy(out, c.session.Messages)
	return out
}

// Trim forces a trim pass. Used by the engine when a provider rejects
// the context even after the synchronous trim on Add.
func (c *Conversation) Trim(aggressive bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trimLocked(aggressive)
}

// trimLocked runs a window trim and updates token accounting. Returns
// the number of removed messages.
func (c *Conversation) trimLocked(aggressive bool) int {
	var res contextwindow.Result
	if aggressive {
		res = c.window.TrimAggressive(c.session.Messages)
	} else {
		res = c.window.Trim(c.session.Messages)
	}

	for _, removed := range res.Removed {
		c.totalTokens -= removed.TokenCount
	}
	c.session.Messages = res.Kept
	return len(res.Removed)
}

// OverBudget reports whether the session still exceeds the available
// window.
func (c *Conversation) OverBudget() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.window.NeedsTrim(c.totalTokens)
}

// SnapshotState reversibly serializes the session.
func (c *Conversation) SnapshotState() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.session)
}

// RestoreState replaces the current session with the deserialized one.
// Token totals are recomputed from message content so restored state
// satisfies the accounting invariant regardless of counter drift.
func (c *Conversation) RestoreState(payload []byte) error {
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return fmt.Errorf("failed to deserialize session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	var maxSeq int64
	systemPrompt := ""
	for _, msg := range sess.Messages {
		msg.TokenCount = c.countParts(msg.Parts)
		total += msg.TokenCount
		if msg.Sequence > maxSeq {
			maxSeq = msg.Sequence
		}
		if msg.Category == protocol.CategorySystemPrompt {
			systemPrompt = msg.Text()
		}
	}

	sess.AgentID = c.agentID
	c.session = &sess
	c.totalTokens = total
	c.seq = maxSeq
	c.systemPrompt = systemPrompt
	return nil
}

// NewSession archives the current session through the archiver (when
// wired) and starts a fresh one. The system prompt carries over.
// Returns the snapshot id of the archived session, if any.
func (c *Conversation) NewSession() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshotID := ""
	if c.archiver != nil && len(c.session.Messages) > 0 {
		payload, err := json.Marshal(c.session)
		if err != nil {
			return "", fmt.Errorf("failed to serialize session for archive: %w", err)
		}
		snapshotID, err = c.archiver(payload, map[string]any{
			"name":     "session:" + c.session.ID,
			"agent_id": c.agentID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to archive session: %w", err)
		}
	}

	now := time.Now()
	c.session = &Session{
		ID:         uuid.NewString(),
		AgentID:    c.agentID,
		CreatedAt:  now,
		LastActive: now,
		Messages:   make([]*protocol.Message, 0),
	}
	c.totalTokens = 0
	c.seq = 0

	if c.systemPrompt != "" {
		msg := c.build(protocol.RoleSystem,
			[]protocol.Part{protocol.TextPart(c.systemPrompt)},
			protocol.CategorySystemPrompt,
			map[string]any{"permanent": true})
		c.session.Messages = append(c.session.Messages, msg)
		c.totalTokens += msg.TokenCount
	}
	return snapshotID, nil
}

// build constructs a message with a fresh id, sequence number and
// token count. Callers hold the write lock.
func (c *Conversation) build(role protocol.Role, parts []protocol.Part, category protocol.Category, metadata map[string]any) *protocol.Message {
	c.seq++
	return &protocol.Message{
		ID:         uuid.NewString(),
		Role:       role,
		Category:   category,
		Parts:      parts,
		TokenCount: c.countParts(parts),
		CreatedAt:  time.Now(),
		Sequence:   c.seq,
		Metadata:   metadata,
	}
}

// countParts counts tokens over all textual content of the parts.
// Tool calls and results are counted by their serialized form.
func (c *Conversation) countParts(parts []protocol.Part) int {
	total := 0
	for _, p := range parts {
		switch p.Type {
		case protocol.PartTypeText:
			total += c.counter.Count(p.Text)
		case protocol.PartTypeImage:
			total += c.counter.Count(p.ImageRef)
		case protocol.PartTypeToolCall:
			if p.ToolCall != nil {
				total += c.counter.Count(p.ToolCall.Name + p.ToolCall.RawArgs)
			}
		case protocol.PartTypeToolResult:
			if p.ToolResult != nil {
				total += c.counter.Count(p.ToolResult.Output)
				if p.ToolResult.Error != nil {
					total += c.counter.Count(p.ToolResult.Error.Message)
				}
			}
		}
	}
	return total
}
