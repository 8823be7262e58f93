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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/tools"
)

// registerRuntimeTools wires the tools that need the runtime itself:
// inter-agent messaging, delegation and sub-agent spawning. The notes
// sink used by notes_add is handed out separately by NotesSink.
func (c *Core) registerRuntimeTools() error {
	entries := []tools.Entry{
		{
			Tool: tools.NewFuncTool("send_message",
				"Send a message to another agent or to the human operator: 'recipient: content[: channel]'.",
				[]tools.Parameter{
					{Name: "recipient", Type: "string", Description: "Agent id or 'human'", Required: true},
					{Name: "content", Type: "string", Description: "Message body", Required: true},
					{Name: "channel", Type: "string", Description: "Optional channel"},
				},
				c.sendMessageTool),
			MaxDuration: 10 * time.Second,
		},
		{
			Tool: tools.NewFuncTool("delegate",
				"Delegate work to another agent: 'target_agent: content'.",
				[]tools.Parameter{
					{Name: "target_agent", Type: "string", Description: "Recipient agent id", Required: true},
					{Name: "content", Type: "string", Description: "Work description", Required: true},
				},
				c.delegateTool),
			MaxDuration: 10 * time.Second,
		},
		{
			Tool: tools.NewFuncTool("spawn_sub_agent",
				"Spawn a sub-agent from a JSON spec: {\"id\", \"persona\", \"model\", \"prompt\"}.",
				[]tools.Parameter{
					{Name: "spec", Type: "object", Description: "Sub-agent specification", Required: true},
				},
				c.spawnSubAgentTool),
			MaxDuration: 30 * time.Second,
		},
	}
	for _, entry := range entries {
		if err := c.tools.Register(entry); err != nil {
			return fmt.Errorf("failed to register runtime tool %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// NotesSink returns the sink notes_add uses: notes land in the
// calling agent's own conversation under the matching category.
func (c *Core) NotesSink() tools.NotesSink {
	return func(ctx context.Context, category, content string) error {
		caller, ok := tools.CallerFromContext(ctx)
		if !ok {
			return fmt.Errorf("note has no calling agent")
		}
		agent, err := c.resolve(caller.AgentID)
		if err != nil {
			return err
		}

		msgCategory := protocol.CategoryDeclarativeNotes
		if strings.EqualFold(category, "summary") || strings.HasPrefix(category, "summary") {
			msgCategory = protocol.CategoryWorkingMemory
		}
		agent.conv.AddText(protocol.RoleUser, category+": "+content, msgCategory,
			map[string]any{"note_category": category})
		return nil
	}
}

// sendMessageTool publishes 'recipient: content[: channel]'.
func (c *Core) sendMessageTool(ctx context.Context, inv tools.Invocation) (string, error) {
	caller, _ := tools.CallerFromContext(ctx)

	recipient, rest, ok := cutPayload(inv.Payload)
	if !ok {
		return "", fmt.Errorf("expected payload of the form 'recipient: content[: channel]'")
	}
	content, channel := rest, ""
	if idx := strings.LastIndex(rest, ":"); idx > 0 {
		// A trailing single token after ':' is a channel name.
		if tail := strings.TrimSpace(rest[idx+1:]); tail != "" && !strings.ContainsAny(tail, " \t\n") {
			content, channel = strings.TrimSpace(rest[:idx]), tail
		}
	}

	if err := c.SendBusMessage(caller.AgentID, recipient, content, channel); err != nil {
		return "", err
	}
	return fmt.Sprintf("message delivered to %s", recipient), nil
}

// delegateTool publishes a delegation message to the target agent.
func (c *Core) delegateTool(ctx context.Context, inv tools.Invocation) (string, error) {
	caller, _ := tools.CallerFromContext(ctx)

	target, content, ok := cutPayload(inv.Payload)
	if !ok {
		return "", fmt.Errorf("expected payload of the form 'target_agent: content'")
	}
	if _, err := c.resolve(target); err != nil {
		return "", err
	}

	if err := c.bus.Publish(protocol.BusMessage{
		Sender:    caller.AgentID,
		Recipient: target,
		Content:   content,
		Kind:      protocol.BusKindDelegation,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("delegated to %s", target), nil
}

// subAgentSpec is the JSON payload of spawn_sub_agent.
type subAgentSpec struct {
	ID      string `json:"id"`
	Persona string `json:"persona,omitempty"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// spawnSubAgentTool creates a child agent of the caller and, when a
// prompt is given, schedules it on the executor.
func (c *Core) spawnSubAgentTool(ctx context.Context, inv tools.Invocation) (string, error) {
	caller, ok := tools.CallerFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("spawn has no calling agent")
	}

	var spec subAgentSpec
	if err := json.Unmarshal([]byte(inv.Payload), &spec); err != nil {
		return "", fmt.Errorf("invalid sub-agent spec: %w", err)
	}
	if spec.ID == "" {
		return "", fmt.Errorf("sub-agent id is required")
	}

	binding := llms.ModelBinding{}
	if spec.Model != "" {
		parent, err := c.resolve(caller.AgentID)
		if err != nil {
			return "", err
		}
		binding = parent.Binding
		binding.Model = spec.Model
	}

	if _, err := c.CreateAgent(spec.ID, binding, spec.Persona, caller.AgentID); err != nil {
		return "", err
	}
	if spec.Prompt != "" {
		if err := c.RunTask(TaskSpec{AgentID: spec.ID, Prompt: spec.Prompt}); err != nil {
			return "", err
		}
		return fmt.Sprintf("spawned sub-agent %s and started its task", spec.ID), nil
	}
	return fmt.Sprintf("spawned sub-agent %s", spec.ID), nil
}

// cutPayload splits "head: rest" payloads.
func cutPayload(payload string) (string, string, bool) {
	idx := strings.Index(payload, ":")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(payload[:idx]), strings.TrimSpace(payload[idx+1:]), true
}
