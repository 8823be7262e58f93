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

import "fmt"

// ErrorCode is the machine-readable error classification surfaced in
// the external error envelope.
type ErrorCode string

const (
	CodeAgentNotFound         ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentExists           ErrorCode = "AGENT_EXISTS"
	CodeContextWindowExceeded ErrorCode = "CONTEXT_WINDOW_EXCEEDED"
	CodeResourceExhausted     ErrorCode = "RESOURCE_EXHAUSTED"
	CodeTaskExecutionError    ErrorCode = "TASK_EXECUTION_ERROR"
	CodeAuthenticationFailed  ErrorCode = "AUTHENTICATION_FAILED"
	CodeSnapshotNotFound      ErrorCode = "SNAPSHOT_NOT_FOUND"
	CodeInvalidRequest        ErrorCode = "INVALID_REQUEST"
	CodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// Error is the structured error every core operation returns on
// failure. Recoverable tells the caller whether a retry may succeed.
type Error struct {
	Code            ErrorCode      `json:"code"`
	Message         string         `json:"message"`
	Recoverable     bool           `json:"recoverable"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrAgentNotFound builds the canonical unknown-agent error.
func ErrAgentNotFound(agentID string) *Error {
	return &Error{
		Code:            CodeAgentNotFound,
		Message:         fmt.Sprintf("agent '%s' not found", agentID),
		Recoverable:     false,
		SuggestedAction: "list agents and use an existing id",
		Details:         map[string]any{"agent_id": agentID},
	}
}

// ErrAgentExists builds the duplicate-agent error.
func ErrAgentExists(agentID string) *Error {
	return &Error{
		Code:            CodeAgentExists,
		Message:         fmt.Sprintf("agent '%s' already exists", agentID),
		Recoverable:     false,
		SuggestedAction: "choose a different agent id",
		Details:         map[string]any{"agent_id": agentID},
	}
}

// ErrSnapshotNotFound builds the unknown-snapshot error.
func ErrSnapshotNotFound(snapshotID string) *Error {
	return &Error{
		Code:            CodeSnapshotNotFound,
		Message:         fmt.Sprintf("snapshot '%s' not found", snapshotID),
		Recoverable:     false,
		SuggestedAction: "list checkpoints for valid snapshot ids",
	}
}

// ErrInvalidRequest builds a validation error.
func ErrInvalidRequest(message string) *Error {
	return &Error{
		Code:            CodeInvalidRequest,
		Message:         message,
		Recoverable:     false,
		SuggestedAction: "fix the request and retry",
	}
}

// ErrResourceExhausted builds the at-capacity error.
func ErrResourceExhausted(message string) *Error {
	return &Error{
		Code:            CodeResourceExhausted,
		Message:         message,
		Recoverable:     true,
		SuggestedAction: "retry after active tasks finish",
	}
}

// ErrTaskExecution wraps a task failure.
func ErrTaskExecution(message string, recoverable bool) *Error {
	return &Error{
		Code:            CodeTaskExecutionError,
		Message:         message,
		Recoverable:     recoverable,
		SuggestedAction: "inspect the agent's conversation for details",
	}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(err error) *Error {
	return &Error{
		Code:        CodeInternal,
		Message:     err.Error(),
		Recoverable: false,
	}
}
