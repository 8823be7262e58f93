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

// Package protocol defines the wire-level data model shared by every
// Penguin component: messages, content parts, tool calls and results,
// and bus messages. Everything here is plain data with JSON tags so it
// can travel through the snapshot store and the HTTP surface unchanged.
package protocol

import (
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Category is the priority tier the context window manager uses to
// allocate token budget. Categories are immutable after creation.
type Category string

const (
	// CategorySystemPrompt is never truncated.
	CategorySystemPrompt Category = "system_prompt"

	// CategoryDeclarativeNotes holds long-lived facts the agent recorded.
	CategoryDeclarativeNotes Category = "declarative_notes"

	// CategoryWorkingMemory holds session-scoped summaries and scratch state.
	CategoryWorkingMemory Category = "working_memory"

	// CategoryConversation holds the user/assistant dialogue.
	CategoryConversation Category = "conversation"

	// CategoryToolMemory holds tool invocation results.
	CategoryToolMemory Category = "tool_memory"
)

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{
		CategorySystemPrompt,
		CategoryDeclarativeNotes,
		CategoryWorkingMemory,
		CategoryConversation,
		CategoryToolMemory,
	}
}

// PartType discriminates the Part union.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeImage      PartType = "image_reference"
	PartTypeToolCall   PartType = "tool_call"
	PartTypeToolResult PartType = "tool_result"
)

// Part is one typed fragment of message content.
type Part struct {
	Type PartType `json:"type"`

	// Text content (Type == text).
	Text string `json:"text,omitempty"`

	// Image reference (Type == image_reference). A path or URL; the
	// provider adapter decides how to materialize it.
	ImageRef string `json:"image_ref,omitempty"`

	// Tool call emitted by the assistant (Type == tool_call).
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Tool result injected back into the conversation (Type == tool_result).
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart builds a text Part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ToolCall represents a tool invocation requested by the LLM, either
// through provider-native function calling or through an action tag.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"arguments,omitempty"`
	RawArgs string         `json:"raw_args,omitempty"`
}

// ErrorKind classifies a tool failure.
type ErrorKind string

const (
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindException ErrorKind = "exception"
	ErrorKindNotFound  ErrorKind = "not_found"
	ErrorKindRateLimit ErrorKind = "rate_limited"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// ToolError describes why a tool invocation failed.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ToolResult is the structured outcome of a tool dispatch. It is never
// an exception: dispatcher failures are folded into OK=false.
type ToolResult struct {
	OK         bool       `json:"ok"`
	Output     string     `json:"output,omitempty"`
	Structured any        `json:"structured,omitempty"`
	Error      *ToolError `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	ToolName   string     `json:"tool_name"`
}

// Message is a single turn or fragment in a conversation.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Category   Category       `json:"category"`
	Parts      []Part         `json:"parts"`
	TokenCount int            `json:"token_count"`
	CreatedAt  time.Time      `json:"created_at"`
	Sequence   int64          `json:"sequence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns every tool call part in document order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, p := range m.Parts {
		if p.Type == PartTypeToolCall && p.ToolCall != nil {
			calls = append(calls, p.ToolCall)
		}
	}
	return calls
}

// BusKind classifies a bus message.
type BusKind string

const (
	BusKindMessage      BusKind = "message"
	BusKindDelegation   BusKind = "delegation"
	BusKindSystemNotice BusKind = "system_notice"
)

// RecipientHuman is the reserved recipient that routes to the external
// interface layer instead of an agent conversation.
const RecipientHuman = "human"

// BusMessage is a routed inter-agent (or agent-to-human) message.
type BusMessage struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Channel   string    `json:"channel,omitempty"`
	Kind      BusKind   `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}
