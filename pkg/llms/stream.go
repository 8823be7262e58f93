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

package llms

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/kadirpekel/penguin/pkg/protocol"
)

// newHTTPClient builds the client shared by the SSE adapters. Only the
// connection establishment is bounded here; chunk idleness is guarded
// by the per-stream watchdog.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
		},
	}
}

// idleWatchdog cancels the stream when no chunk arrives within the
// idle timeout. Pet it on every chunk.
type idleWatchdog struct {
	timer *time.Timer
}

func newIdleWatchdog(cancel context.CancelFunc, idle time.Duration) *idleWatchdog {
	return &idleWatchdog{timer: time.AfterFunc(idle, cancel)}
}

func (w *idleWatchdog) pet(idle time.Duration) {
	w.timer.Reset(idle)
}

func (w *idleWatchdog) stop() {
	w.timer.Stop()
}

// flattenMessages renders the API view into (system, turns): system
// messages are joined into one system string and every other message
// becomes one wire turn. Tool results travel as user-role text.
// Consecutive turns of the same role are not merged, and tool_call
// parts are not rendered; action tags survive only as part of the
// assistant text.
func flattenMessages(messages []*protocol.Message) (system string, turns []wireMessage) {
	for _, msg := range messages {
		text := renderMessage(msg)
		if text == "" {
			continue
		}
		switch msg.Role {
		case protocol.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += text
		case protocol.RoleAssistant:
			turns = append(turns, wireMessage{Role: "assistant", Content: text})
		default:
			// user and tool roles both surface as user turns.
			turns = append(turns, wireMessage{Role: "user", Content: text})
		}
	}
	return system, turns
}

// wireMessage is the minimal role/content pair both SSE dialects accept.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func renderMessage(msg *protocol.Message) string {
	text := msg.Text()
	for _, part := range msg.Parts {
		if part.Type == protocol.PartTypeToolResult && part.ToolResult != nil {
			res := part.ToolResult
			if text != "" {
				text += "\n"
			}
			if res.OK {
				text += "Tool " + res.ToolName + " result:\n" + res.Output
			} else if res.Error != nil {
				text += "Tool " + res.ToolName + " failed (" + string(res.Error.Kind) + "): " + res.Error.Message
			}
		}
	}
	return text
}
