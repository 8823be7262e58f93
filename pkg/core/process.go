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

package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/penguin/pkg/engine"
	"github.com/kadirpekel/penguin/pkg/executor"
	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/streaming"
)

// Process runs one user input through the agent's reason/act loop to
// a single finalized response. Events flow to sink when non-nil.
func (c *Core) Process(ctx context.Context, agentID, input string, sink streaming.Sink) (*engine.Result, error) {
	agent, err := c.resolve(agentID)
	if err != nil {
		return nil, err
	}
	if c.isPaused(agent) {
		return nil, ErrTaskExecution("agent is paused", true)
	}

	start := time.Now()
	agent.mu.Lock()
	c.setExecState(agent, StateRunning)

	result, runErr := c.engine.RunResponse(ctx, engine.Request{
		AgentID:      agentID,
		Conversation: agent.conv,
		Binding:      agent.Binding,
		Input:        input,
		Sink:         sink,
	})

	if runErr != nil {
		c.setExecState(agent, StateError)
	} else {
		c.setExecState(agent, StateIdle)
	}
	agent.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordRequest("process", time.Since(start), runErr == nil)
	}
	if runErr != nil {
		return result, classifyRunError(runErr)
	}
	return result, nil
}

// StreamChat is Process with a mandatory event sink; the external
// layer feeds the events to its streaming transport.
func (c *Core) StreamChat(ctx context.Context, agentID, input string, sink streaming.Sink) (*engine.Result, error) {
	if sink == nil {
		return nil, ErrInvalidRequest("a streaming sink is required")
	}
	return c.Process(ctx, agentID, input, sink)
}

// TaskSpec describes a background task submission.
type TaskSpec struct {
	AgentID  string         `json:"agent_id"`
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunTask schedules a background task for the agent via the executor.
func (c *Core) RunTask(spec TaskSpec) error {
	if _, err := c.resolve(spec.AgentID); err != nil {
		return err
	}
	if c.executor.ActiveCount() >= c.executor.MaxConcurrent() {
		return ErrResourceExhausted("executor is at capacity")
	}
	if err := c.executor.Spawn(spec.AgentID, spec.Prompt, spec.Metadata); err != nil {
		return ErrTaskExecution(err.Error(), true)
	}
	return nil
}

// TaskStatus returns the executor snapshot for the agent.
func (c *Core) TaskStatus(agentID string) (*executor.Snapshot, error) {
	if _, err := c.resolve(agentID); err != nil {
		return nil, err
	}
	snap, ok := c.executor.Status(agentID)
	if !ok {
		return nil, ErrTaskExecution("agent has no task", false)
	}
	return snap, nil
}

// TaskStatusAll returns every executor snapshot.
func (c *Core) TaskStatusAll() map[string]*executor.Snapshot {
	return c.executor.StatusAll()
}

// WaitForTask blocks until the agent's task finishes.
func (c *Core) WaitForTask(ctx context.Context, agentID string, timeout time.Duration) (*executor.Snapshot, error) {
	snap, err := c.executor.WaitFor(ctx, agentID, timeout)
	if err != nil {
		return nil, ErrTaskExecution(err.Error(), true)
	}
	return snap, nil
}

// CancelTask cancels the agent's background task.
func (c *Core) CancelTask(agentID string) error {
	if err := c.executor.Cancel(agentID); err != nil {
		return ErrTaskExecution(err.Error(), false)
	}
	return nil
}

// CleanupTask removes a terminal task from tracking.
func (c *Core) CleanupTask(agentID string) error {
	if err := c.executor.Cleanup(agentID); err != nil {
		return ErrTaskExecution(err.Error(), false)
	}
	return nil
}

// runAgentTask is the executor's runner: it resolves the agent and
// drives Engine.RunTask under the agent's mutex. Tasks ending on
// finish_task stay pending human review; the status travels on the
// engine result.
func (c *Core) runAgentTask(ctx context.Context, agentID, prompt string, gate engine.Gate) (*engine.Result, error) {
	agent, err := c.resolve(agentID)
	if err != nil {
		return nil, err
	}

	agent.mu.Lock()
	c.setExecState(agent, StateRunning)

	sink := c.taskEventSink(agentID)
	result, runErr := c.engine.RunTask(ctx, engine.Request{
		AgentID:      agentID,
		Conversation: agent.conv,
		Binding:      agent.Binding,
		Input:        prompt,
		Sink:         sink,
		Gate:         gate,
	})
	if runErr != nil {
		c.setExecState(agent, StateError)
	} else {
		c.setExecState(agent, StateCompleted)
	}
	agent.mu.Unlock()

	if runErr != nil {
		return result, runErr
	}
	if result.CompletionReason == streaming.ReasonToolExit {
		slog.Info("Task finished with explicit marker, pending human review",
			"agent_id", agentID,
			"status", result.TaskStatus)
	}
	return result, nil
}

// taskEventSink republishes stream events from background tasks onto
// the bus so channel observers can follow along.
func (c *Core) taskEventSink(agentID string) streaming.Sink {
	return func(event streaming.Event) {
		if event.Type != streaming.EventFinalized && event.Type != streaming.EventError {
			return
		}
		content := event.Text
		if event.Final != nil {
			content = event.Final.Text
		}
		_ = c.bus.Publish(protocol.BusMessage{
			Sender:    agentID,
			Recipient: protocol.RecipientHuman,
			Content:   content,
			Kind:      protocol.BusKindSystemNotice,
			Channel:   "tasks",
		})
	}
}

// SendBusMessage publishes an inter-agent or agent-to-human message.
func (c *Core) SendBusMessage(sender, recipient, content, channel string) error {
	if recipient != protocol.RecipientHuman {
		if _, err := c.resolve(recipient); err != nil {
			return err
		}
	}
	if err := c.bus.Publish(protocol.BusMessage{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Channel:   channel,
		Kind:      protocol.BusKindMessage,
	}); err != nil {
		return ErrInternal(err)
	}
	return nil
}

// deliverBusMessage appends an agent-addressed bus message to the
// recipient's conversation as a user message tagged with the sender.
func (c *Core) deliverBusMessage(msg protocol.BusMessage) error {
	agent, err := c.resolve(msg.Recipient)
	if err != nil {
		return err
	}

	metadata := map[string]any{"bus_sender": msg.Sender, "bus_kind": string(msg.Kind)}
	if msg.Channel != "" {
		metadata["bus_channel"] = msg.Channel
	}
	agent.conv.AddText(protocol.RoleUser, msg.Content, protocol.CategoryConversation, metadata)
	return nil
}

func (c *Core) isPaused(agent *Agent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return agent.paused
}

func (c *Core) setExecState(agent *Agent, state ExecutionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent.paused && state == StateIdle {
		agent.execState = StatePaused
		return
	}
	agent.execState = state
}

// classifyRunError maps engine failures onto the error taxonomy.
func classifyRunError(err error) *Error {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context window exceeded"):
		return &Error{
			Code:            CodeContextWindowExceeded,
			Message:         msg,
			Recoverable:     false,
			SuggestedAction: "start a new session or shorten the input",
		}
	case strings.Contains(msg, "status 401") || strings.Contains(msg, "status 403"):
		return &Error{
			Code:            CodeAuthenticationFailed,
			Message:         msg,
			Recoverable:     false,
			SuggestedAction: "check the provider credentials",
		}
	default:
		return ErrTaskExecution(msg, true)
	}
}
