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

package streaming

import (
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/protocol"
)

// EventType enumerates the events a stream produces.
type EventType string

const (
	EventStarted        EventType = "stream.started"
	EventTextDelta      EventType = "stream.text.delta"
	EventReasoningDelta EventType = "stream.reasoning.delta"
	EventToolStarted    EventType = "stream.tool.started"
	EventToolCompleted  EventType = "stream.tool.completed"
	EventFinalized      EventType = "stream.finalized"
	EventError          EventType = "stream.error"
)

// CompletionReason explains why a logical message finished.
type CompletionReason string

const (
	ReasonNormal             CompletionReason = "normal"
	ReasonToolExit           CompletionReason = "tool_exit"
	ReasonCancelled          CompletionReason = "cancelled"
	ReasonError              CompletionReason = "error"
	ReasonIterationCap       CompletionReason = "iteration_cap"
	ReasonImplicitCompletion CompletionReason = "implicit_completion"
)

// Event is one entry in the ordered stream event sequence.
type Event struct {
	Type      EventType `json:"event"`
	MessageID string    `json:"message_id"`
	AgentID   string    `json:"agent_id,omitempty"`

	// Delta text for text/reasoning deltas; partial text for errors.
	Text string `json:"text,omitempty"`

	// Tool invocation fields for tool.started / tool.completed.
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolName   string               `json:"tool_name,omitempty"`
	Payload    string               `json:"payload,omitempty"`
	Result     *protocol.ToolResult `json:"result,omitempty"`

	// Final summary for stream.finalized.
	Final *Final `json:"final,omitempty"`

	// Error kind for stream.error.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Invocation is one tool invocation observed during a stream, sourced
// either from an action tag in the text or from a provider tool-call
// delta.
type Invocation struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Payload string               `json:"payload"`
	Call    *protocol.ToolCall   `json:"call,omitempty"`
	Result  *protocol.ToolResult `json:"result,omitempty"`
}

// Final is the terminal artifact of a stream: one logical assistant
// message.
type Final struct {
	MessageID string           `json:"message_id"`
	Text      string           `json:"text"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCalls []*Invocation    `json:"tool_calls,omitempty"`
	Usage     *llms.Usage      `json:"usage,omitempty"`
	Reason    CompletionReason `json:"completion_reason"`
}

// Sink receives events in order. Sinks must not write back into the
// manager.
type Sink func(Event)
