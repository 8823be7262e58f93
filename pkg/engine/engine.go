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

// Package engine drives the reason/act loop for a single agent turn:
// it streams provider output through the streaming state machine,
// dispatches tool invocations, folds results back into the
// conversation, and terminates on explicit signals, quiescence or
// iteration caps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/penguin/pkg/actions"
	"github.com/kadirpekel/penguin/pkg/conversation"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/observability"
	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/streaming"
	"github.com/kadirpekel/penguin/pkg/tools"
)

// trivialThreshold is the stripped-length below which a response
// counts as trivial; trivialLimit consecutive trivial responses end
// the loop.
const (
	trivialThreshold = 10
	trivialLimit     = 3
)

// finishStatusRe matches the machine-readable completion marker
// embedded in finish_task payloads.
var finishStatusRe = regexp.MustCompile(`\[FINISH_STATUS:(done|partial|blocked)\]`)

// TaskStatus is the parsed finish_task outcome.
type TaskStatus string

const (
	TaskStatusDone    TaskStatus = "done"
	TaskStatusPartial TaskStatus = "partial"
	TaskStatusBlocked TaskStatus = "blocked"
)

// Gate is the cooperative pause point the executor installs. Wait
// blocks while the agent is paused and returns the context error on
// cancellation.
type Gate interface {
	Wait(ctx context.Context) error
}

// Options tunes one run.
type Options struct {
	// MaxIterations caps the reason/act loop. Defaults: 5 for
	// responses, 10 for tasks.
	MaxIterations int

	// WallClock bounds the whole run. Zero means unbounded.
	WallClock time.Duration

	// ContinuationPrompt is appended between task iterations.
	ContinuationPrompt string
}

// Request is one engine invocation. The caller (core or executor)
// resolves the agent and passes its conversation and binding.
type Request struct {
	AgentID      string
	Conversation *conversation.Conversation
	Binding      llms.ModelBinding
	Input        string
	Options      Options

	// Sink receives streaming events; nil discards them.
	Sink streaming.Sink

	// Gate is the pause point; nil means never paused.
	Gate Gate

	// Tools restricts the provider-facing tool definitions. Nil uses
	// the registry view for the agent's scope.
	Tools []llms.ToolDefinition
}

// Result is the outcome of a run.
type Result struct {
	Text             string                     `json:"text"`
	ToolResults      []*protocol.ToolResult     `json:"tool_results,omitempty"`
	Iterations       int                        `json:"iterations"`
	CompletionReason streaming.CompletionReason `json:"completion_reason"`
	Usage            llms.Usage                 `json:"usage"`
	TaskStatus       TaskStatus                 `json:"task_status,omitempty"`
	SnapshotIDs      []string                   `json:"snapshot_ids,omitempty"`
}

// Config tunes the engine.
type Config struct {
	// MaxRetries bounds provider open attempts, the first one included.
	// Default 3.
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff. Default 500ms.
	RetryBaseDelay time.Duration

	// Streaming configures delta coalescing.
	Streaming *streaming.Config

	// DefaultResponseIterations / DefaultTaskIterations cap the loop
	// when the request does not. Defaults 5 and 10.
	DefaultResponseIterations int
	DefaultTaskIterations     int
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Streaming == nil {
		c.Streaming = &streaming.Config{}
	}
	if c.Streaming.ResolveName == nil {
		c.Streaming.ResolveName = tools.ToolNameFor
	}
	if c.DefaultResponseIterations <= 0 {
		c.DefaultResponseIterations = 5
	}
	if c.DefaultTaskIterations <= 0 {
		c.DefaultTaskIterations = 10
	}
}

// Engine orchestrates providers, streaming, tools and the
// conversation for one agent at a time. Multiple agents run engines
// concurrently; the executor serializes per-agent access.
type Engine struct {
	providers  *llms.Registry
	dispatcher *tools.Dispatcher
	registry   *tools.Registry
	metrics    *observability.Metrics
	config     *Config
}

// New creates an Engine.
func New(providers *llms.Registry, reg *tools.Registry, dispatcher *tools.Dispatcher, metrics *observability.Metrics, config *Config) *Engine {
	if config == nil {
		config = &Config{}
	}
	config.SetDefaults()
	return &Engine{
		providers:  providers,
		dispatcher: dispatcher,
		registry:   reg,
		metrics:    metrics,
		config:     config,
	}
}

// RunResponse processes one user input to a single finalized
// assistant response.
func (e *Engine) RunResponse(ctx context.Context, req Request) (*Result, error) {
	if req.Options.MaxIterations <= 0 {
		req.Options.MaxIterations = e.config.DefaultResponseIterations
	}
	return e.run(ctx, req, false)
}

// RunTask processes an autonomous task of potentially many
// iterations, terminating on explicit completion, error, resource cap
// or cancellation.
func (e *Engine) RunTask(ctx context.Context, req Request) (*Result, error) {
	if req.Options.MaxIterations <= 0 {
		req.Options.MaxIterations = e.config.DefaultTaskIterations
	}
	if req.Options.ContinuationPrompt == "" {
		req.Options.ContinuationPrompt = "Continue with the next step."
	}
	return e.run(ctx, req, true)
}

func (e *Engine) run(ctx context.Context, req Request, taskMode bool) (*Result, error) {
	if req.Conversation == nil {
		return nil, fmt.Errorf("conversation is required")
	}
	provider, ok := e.providers.Resolve(req.Binding)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", req.Binding.Provider)
	}

	var deadline time.Time
	if req.Options.WallClock > 0 {
		deadline = time.Now().Add(req.Options.WallClock)
	}

	sink := req.Sink
	if sink == nil {
		sink = func(streaming.Event) {}
	}
	toolDefs := req.Tools
	if toolDefs == nil && e.registry != nil {
		toolDefs = tools.Definitions(e.registry, req.AgentID)
	}

	result := &Result{}
	trivialCount := 0

	for i := 1; i <= req.Options.MaxIterations; i++ {
		result.Iterations = i

		if err := e.suspend(ctx, req.Gate); err != nil {
			result.CompletionReason = streaming.ReasonCancelled
			return result, nil
		}

		if i == 1 && req.Input != "" {
			req.Conversation.AddText(protocol.RoleUser, req.Input, protocol.CategoryConversation, nil)
		}

		if err := e.enforceBudget(req.Conversation); err != nil {
			result.CompletionReason = streaming.ReasonError
			return result, err
		}

		iterRes, err := e.iteration(ctx, provider, req, toolDefs, deadline, sink, i)
		if err != nil {
			// Provider failure after retries: record it in the log so
			// the session shows why the turn died.
			req.Conversation.AddText(protocol.RoleAssistant,
				fmt.Sprintf("The model request failed: %v", err),
				protocol.CategoryConversation, map[string]any{"error": true})
			result.CompletionReason = streaming.ReasonError
			return result, err
		}

		result.Text = iterRes.text
		result.ToolResults = append(result.ToolResults, iterRes.toolResults...)

		// Trivial-response tracking: reset on substantive output or
		// any tool activity.
		if len(strings.TrimSpace(iterRes.text)) < trivialThreshold &&
			len(iterRes.toolResults) == 0 && !iterRes.finishResponse && !iterRes.finishTask {
			trivialCount++
		} else {
			trivialCount = 0
		}

		reason, done := e.decide(ctx, iterRes, taskMode, trivialCount, i, req.Options.MaxIterations, deadline)
		iterRes.finish(reason)
		result.Usage.Add(iterRes.usage)
		if e.metrics != nil && iterRes.usage != nil {
			e.metrics.RecordTokens(iterRes.usage.InputTokens, iterRes.usage.OutputTokens)
		}

		if done {
			result.CompletionReason = reason
			result.TaskStatus = iterRes.taskStatus
			return result, nil
		}

		if taskMode {
			req.Conversation.AddText(protocol.RoleUser, req.Options.ContinuationPrompt,
				protocol.CategoryConversation, map[string]any{"continuation": true})
		}
	}

	result.CompletionReason = streaming.ReasonIterationCap
	return result, nil
}

// iterationResult carries one loop pass's outcome.
type iterationResult struct {
	text           string
	toolResults    []*protocol.ToolResult
	usage          *llms.Usage
	finishResponse bool
	finishTask     bool
	taskStatus     TaskStatus
	manager        *streaming.Manager
}

// finish emits the stream terminal event with the loop's decision.
func (r *iterationResult) finish(reason streaming.CompletionReason) {
	if final := r.manager.Finish(reason); final != nil && final.Usage != nil {
		r.usage = final.Usage
	}
}

// iteration runs steps 2-7 of the loop: materialize the view, stream,
// collect invocations, dispatch tools, detect markers.
func (e *Engine) iteration(ctx context.Context, provider llms.Provider, req Request, toolDefs []llms.ToolDefinition, deadline time.Time, sink streaming.Sink, iter int) (*iterationResult, error) {
	tracer := observability.GetTracer("penguin.engine")
	ctx, span := tracer.Start(ctx, observability.SpanEngineTurn,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentID, req.AgentID),
			attribute.Int(observability.AttrIteration, iter),
			attribute.String(observability.AttrProvider, req.Binding.Provider),
		),
	)
	defer span.End()

	messageID := uuid.NewString()
	mgr := streaming.NewManager(messageID, req.AgentID, e.config.Streaming, sink)

	chunks, err := e.openStream(ctx, provider, llms.Request{
		Model:       req.Binding.Model,
		Messages:    req.Conversation.APIView(),
		Tools:       toolDefs,
		MaxTokens:   req.Binding.MaxTokens,
		Temperature: req.Binding.Temperature,
	})
	if err != nil {
		mgr.Fail(errorKind(err), err)
		return nil, err
	}

	var streamErr error
	for chunk := range chunks {
		if chunk.Type == llms.ChunkTypeError {
			streamErr = chunk.Err
		}
		mgr.Feed(chunk)
	}
	if streamErr != nil {
		// The manager already emitted stream.error with the partial
		// buffer; surface the failure to the loop.
		return nil, fmt.Errorf("provider stream failed: %w", streamErr)
	}

	res := &iterationResult{manager: mgr, text: mgr.Text()}

	// Step 5: append the assistant message with its structured tool
	// invocations.
	parts := []protocol.Part{protocol.TextPart(res.text)}
	for _, inv := range mgr.Invocations() {
		call := inv.Call
		if call == nil {
			call = &protocol.ToolCall{ID: inv.ID, Name: inv.Name, RawArgs: inv.Payload}
		}
		parts = append(parts, protocol.Part{Type: protocol.PartTypeToolCall, ToolCall: call})
	}
	req.Conversation.Add(protocol.RoleAssistant, parts, protocol.CategoryConversation, nil)

	// Step 6: dispatch invocations in document order.
	for _, inv := range mgr.Invocations() {
		if err := e.suspend(ctx, req.Gate); err != nil {
			break
		}
		result := e.dispatcher.DispatchName(ctx, inv.Name, tools.Invocation{
			Payload: inv.Payload,
			Args:    invocationArgs(inv),
		}, tools.Context{
			AgentID:   req.AgentID,
			SessionID: req.Conversation.SessionID(),
			Iteration: iter,
			Deadline:  deadline,
		})

		req.Conversation.Add(protocol.RoleTool,
			[]protocol.Part{{Type: protocol.PartTypeToolResult, ToolResult: result}},
			protocol.CategoryToolMemory,
			map[string]any{"tool_call_id": inv.ID})

		mgr.CompleteTool(inv.ID, result)
		res.toolResults = append(res.toolResults, result)
	}

	// Step 7: terminal markers.
	for _, tag := range actions.Parse(res.text).Tags() {
		switch tag.Kind {
		case actions.KindFinishResponse:
			res.finishResponse = true
		case actions.KindFinishTask:
			res.finishTask = true
			res.taskStatus = parseFinishStatus(tag.Payload)
		}
	}
	return res, nil
}

// decide applies the termination rules in priority order.
func (e *Engine) decide(ctx context.Context, res *iterationResult, taskMode bool, trivialCount, iter, maxIter int, deadline time.Time) (streaming.CompletionReason, bool) {
	switch {
	case ctx.Err() != nil:
		return streaming.ReasonCancelled, true
	case res.finishTask && taskMode:
		return streaming.ReasonToolExit, true
	case res.finishResponse && !taskMode:
		return streaming.ReasonNormal, true
	case trivialCount >= trivialLimit:
		return streaming.ReasonImplicitCompletion, true
	case iter >= maxIter:
		return streaming.ReasonIterationCap, true
	case !deadline.IsZero() && time.Now().After(deadline):
		return streaming.ReasonIterationCap, true
	case !taskMode && len(res.toolResults) == 0 &&
		len(strings.TrimSpace(res.text)) >= trivialThreshold:
		// A response run with no tool activity and substantive text is
		// complete: the assistant answered directly. Trivial responses
		// instead loop until the counter trips.
		return streaming.ReasonNormal, true
	}
	return streaming.ReasonNormal, false
}

// openStream opens the provider stream with bounded exponential
// backoff. Auth failures are not retried.
func (e *Engine) openStream(ctx context.Context, provider llms.Provider, req llms.Request) (<-chan llms.Chunk, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.config.RetryBaseDelay * (1 << (attempt - 1))
			slog.Warn("Retrying provider stream",
				"provider", provider.Name(),
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		chunks, err := provider.Stream(ctx, req)
		if err == nil {
			return chunks, nil
		}
		lastErr = err

		var httpErr *llms.HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("provider stream failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

// enforceBudget makes sure the conversation fits the window: one
// regular trim, then one aggressive trim, then a hard error.
func (e *Engine) enforceBudget(conv *conversation.Conversation) error {
	if !conv.OverBudget() {
		return nil
	}
	conv.Trim(false)
	if !conv.OverBudget() {
		return nil
	}
	conv.Trim(true)
	if conv.OverBudget() {
		return fmt.Errorf("context window exceeded after aggressive trim (%d tokens)", conv.TotalTokens())
	}
	return nil
}

// suspend is the cooperative suspension point: it honors cancellation
// and the executor's pause gate.
func (e *Engine) suspend(ctx context.Context, gate Gate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if gate != nil {
		return gate.Wait(ctx)
	}
	return nil
}

// parseFinishStatus extracts the completion status from a finish_task
// payload: the literal marker first, keyword inspection as fallback.
func parseFinishStatus(payload string) TaskStatus {
	if m := finishStatusRe.FindStringSubmatch(payload); m != nil {
		return TaskStatus(m[1])
	}
	lower := strings.ToLower(payload)
	switch {
	case strings.Contains(lower, `"status"`) && strings.Contains(lower, "blocked"):
		return TaskStatusBlocked
	case strings.Contains(lower, `"status"`) && strings.Contains(lower, "partial"):
		return TaskStatusPartial
	case strings.Contains(lower, "blocked"):
		return TaskStatusBlocked
	case strings.Contains(lower, "partial"):
		return TaskStatusPartial
	}
	return TaskStatusDone
}

func invocationArgs(inv *streaming.Invocation) map[string]any {
	if inv.Call != nil {
		return inv.Call.Args
	}
	return nil
}

func errorKind(err error) string {
	var httpErr *llms.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status == 401 || httpErr.Status == 403 {
			return "auth"
		}
		return "provider"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "provider"
}
