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

package actions

// Kind identifies an action tag. The vocabulary is closed: any tag not
// listed here is treated as plain narration by the parser.
type Kind string

const (
	KindExecute          Kind = "execute"
	KindSearch           Kind = "search"
	KindPerplexitySearch Kind = "perplexity_search"
	KindWorkspaceSearch  Kind = "workspace_search"
	KindMemorySearch     Kind = "memory_search"
	KindRead             Kind = "read"
	KindWrite            Kind = "write"

	KindAddDeclarativeNote Kind = "add_declarative_note"
	KindAddSummaryNote     Kind = "add_summary_note"

	KindProcessStart  Kind = "process_start"
	KindProcessStop   Kind = "process_stop"
	KindProcessStatus Kind = "process_status"
	KindProcessList   Kind = "process_list"
	KindProcessEnter  Kind = "process_enter"
	KindProcessSend   Kind = "process_send"
	KindProcessExit   Kind = "process_exit"

	KindBrowserNavigate   Kind = "browser_navigate"
	KindBrowserInteract   Kind = "browser_interact"
	KindBrowserScreenshot Kind = "browser_screenshot"

	KindProjectCreate Kind = "project_create"
	KindProjectUpdate Kind = "project_update"
	KindProjectList   Kind = "project_list"
	KindProjectDelete Kind = "project_delete"
	KindTaskCreate    Kind = "task_create"
	KindTaskUpdate    Kind = "task_update"
	KindTaskList      Kind = "task_list"
	KindTaskComplete  Kind = "task_complete"

	KindFinishResponse Kind = "finish_response"
	KindFinishTask     Kind = "finish_task"

	KindDelegate      Kind = "delegate"
	KindSpawnSubAgent Kind = "spawn_sub_agent"
	KindSendMessage   Kind = "send_message"
)

// knownKinds is the authoritative closed set, used by the parser.
var knownKinds = map[Kind]struct{}{
	KindExecute:            {},
	KindSearch:             {},
	KindPerplexitySearch:   {},
	KindWorkspaceSearch:    {},
	KindMemorySearch:       {},
	KindRead:               {},
	KindWrite:              {},
	KindAddDeclarativeNote: {},
	KindAddSummaryNote:     {},
	KindProcessStart:       {},
	KindProcessStop:        {},
	KindProcessStatus:      {},
	KindProcessList:        {},
	KindProcessEnter:       {},
	KindProcessSend:        {},
	KindProcessExit:        {},
	KindBrowserNavigate:    {},
	KindBrowserInteract:    {},
	KindBrowserScreenshot:  {},
	KindProjectCreate:      {},
	KindProjectUpdate:      {},
	KindProjectList:        {},
	KindProjectDelete:      {},
	KindTaskCreate:         {},
	KindTaskUpdate:         {},
	KindTaskList:           {},
	KindTaskComplete:       {},
	KindFinishResponse:     {},
	KindFinishTask:         {},
	KindDelegate:           {},
	KindSpawnSubAgent:      {},
	KindSendMessage:        {},
}

// Known reports whether k is part of the closed vocabulary.
func Known(k Kind) bool {
	_, ok := knownKinds[k]
	return ok
}

// Kinds returns the closed vocabulary in unspecified order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	return out
}

// IsTerminal reports whether the kind is a completion marker consumed
// by the engine rather than a real tool.
func (k Kind) IsTerminal() bool {
	return k == KindFinishResponse || k == KindFinishTask
}
