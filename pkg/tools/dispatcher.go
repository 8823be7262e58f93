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

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/penguin/pkg/actions"
	"github.com/kadirpekel/penguin/pkg/observability"
	"github.com/kadirpekel/penguin/pkg/protocol"
)

// kindTable maps action tag kinds to registered tool names. The two
// finish markers map to nothing: the engine consumes them directly.
var kindTable = map[actions.Kind]string{
	actions.KindExecute:          "code_execution",
	actions.KindSearch:           "pattern_search",
	actions.KindPerplexitySearch: "web_search",
	actions.KindWorkspaceSearch:  "code_search",
	actions.KindMemorySearch:     "memory_search",
	actions.KindRead:             "file_read",
	actions.KindWrite:            "file_write",

	actions.KindAddDeclarativeNote: "notes_add",
	actions.KindAddSummaryNote:     "notes_add",

	actions.KindProcessStart:  "interactive_process_start",
	actions.KindProcessStop:   "interactive_process_stop",
	actions.KindProcessStatus: "interactive_process_status",
	actions.KindProcessList:   "interactive_process_list",
	actions.KindProcessEnter:  "interactive_process_enter",
	actions.KindProcessSend:   "interactive_process_send",
	actions.KindProcessExit:   "interactive_process_exit",

	actions.KindBrowserNavigate:   "browser_navigate",
	actions.KindBrowserInteract:   "browser_interact",
	actions.KindBrowserScreenshot: "browser_screenshot",

	actions.KindProjectCreate: "project_create",
	actions.KindProjectUpdate: "project_update",
	actions.KindProjectList:   "project_list",
	actions.KindProjectDelete: "project_delete",
	actions.KindTaskCreate:    "task_create",
	actions.KindTaskUpdate:    "task_update",
	actions.KindTaskList:      "task_list",
	actions.KindTaskComplete:  "task_complete",

	actions.KindDelegate:      "delegate",
	actions.KindSpawnSubAgent: "spawn_sub_agent",
	actions.KindSendMessage:   "send_message",
}

// ToolNameFor resolves a tag kind to its tool name. Terminal kinds and
// unknown kinds resolve to "".
func ToolNameFor(kind actions.Kind) string {
	return kindTable[kind]
}

// Context carries the caller identity and limits through a dispatch.
type Context struct {
	AgentID   string
	SessionID string
	Iteration int

	// Deadline is the absolute time the invocation must finish by.
	// Zero means only the tool's declared max applies.
	Deadline time.Time
}

type callerKey struct{}

// ContextWithCaller attaches the dispatch context. The dispatcher
// does this automatically; tests use it to invoke runtime-backed
// tools directly.
func ContextWithCaller(ctx context.Context, dctx Context) context.Context {
	return context.WithValue(ctx, callerKey{}, dctx)
}

// CallerFromContext returns the dispatch context the dispatcher
// attached for the running invocation. Runtime-backed tools use it to
// identify the calling agent.
func CallerFromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(callerKey{}).(Context)
	return c, ok
}

// Config tunes the dispatcher.
type Config struct {
	// DefaultTimeout applies when a tool declares no max duration.
	DefaultTimeout time.Duration

	// HardKillMultiple scales the timeout into the hard abandon
	// deadline for invokers that ignore cancellation. Default 2.
	HardKillMultiple int

	// RateLimit, when positive, bounds invocations per second per
	// (agent, tool) pair. Zero means unlimited.
	RateLimit float64
	RateBurst int
}

// SetDefaults applies default policy values.
func (c *Config) SetDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.HardKillMultiple <= 0 {
		c.HardKillMultiple = 2
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// Dispatcher executes tool invocations against the registry with
// timeout, panic isolation and optional per-(agent, tool) rate limits.
type Dispatcher struct {
	registry *Registry
	config   *Config
	metrics  *observability.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(reg *Registry, config *Config, metrics *observability.Metrics) *Dispatcher {
	if config == nil {
		config = &Config{}
	}
	config.SetDefaults()
	return &Dispatcher{
		registry: reg,
		config:   config,
		metrics:  metrics,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Dispatch resolves kind to a tool and executes it. The result is
// always a ToolResult: timeouts, panics and invoker errors are folded
// into OK=false, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, kind actions.Kind, inv Invocation, dctx Context) *protocol.ToolResult {
	d.registry.Freeze()

	name := ToolNameFor(kind)
	if name == "" {
		return failure(string(kind), protocol.ErrorKindNotFound,
			fmt.Sprintf("no tool mapped for action kind %q", kind), 0)
	}
	return d.DispatchName(ctx, name, inv, dctx)
}

// DispatchName executes a tool by registered name. Used for
// provider-native tool calls that arrive already resolved.
func (d *Dispatcher) DispatchName(ctx context.Context, name string, inv Invocation, dctx Context) *protocol.ToolResult {
	d.registry.Freeze()
	start := time.Now()

	tracer := observability.GetTracer("penguin.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolDispatch,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, name),
			attribute.String(observability.AttrAgentID, dctx.AgentID),
		),
	)
	defer span.End()

	entry, exists := d.registry.Get(name)
	if !exists {
		res := failure(name, protocol.ErrorKindNotFound,
			fmt.Sprintf("tool %s not found", name), time.Since(start))
		d.finish(ctx, span, res)
		return res
	}
	if !entry.InScope(dctx.AgentID) {
		res := failure(name, protocol.ErrorKindException,
			fmt.Sprintf("tool %s is not allowed for agent %s", name, dctx.AgentID), time.Since(start))
		d.finish(ctx, span, res)
		return res
	}

	if !d.allow(dctx.AgentID, name) {
		res := failure(name, protocol.ErrorKindRateLimit,
			fmt.Sprintf("rate limit exceeded for tool %s", name), time.Since(start))
		d.finish(ctx, span, res)
		return res
	}

	timeout := entry.MaxDuration
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}
	if !dctx.Deadline.IsZero() {
		if remaining := time.Until(dctx.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		res := failure(name, protocol.ErrorKindTimeout,
			"deadline already expired before dispatch", time.Since(start))
		d.finish(ctx, span, res)
		return res
	}

	res := d.run(ContextWithCaller(ctx, dctx), entry, inv, timeout)
	res.DurationMS = time.Since(start).Milliseconds()
	d.finish(ctx, span, res)
	return res
}

// run executes the invoker in its own goroutine. The invoker gets a
// context carrying the soft deadline; if it ignores cancellation the
// dispatcher abandons it at the hard-kill deadline and reports a
// timeout.
func (d *Dispatcher) run(ctx context.Context, entry Entry, inv Invocation, timeout time.Duration) *protocol.ToolResult {
	name := entry.Name()

	invCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	// Buffered so an abandoned invoker can still complete its send.
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := entry.Tool.Execute(invCtx, inv)
		resultCh <- outcome{output: output, err: err}
	}()

	hardKill := time.Duration(d.config.HardKillMultiple) * timeout

	select {
	case out := <-resultCh:
		if out.err != nil {
			kind := protocol.ErrorKindException
			if invCtx.Err() == context.DeadlineExceeded {
				kind = protocol.ErrorKindTimeout
			} else if ctx.Err() != nil {
				kind = protocol.ErrorKindCancelled
			}
			return failure(name, kind, out.err.Error(), 0)
		}
		return &protocol.ToolResult{OK: true, Output: out.output, ToolName: name}

	case <-time.After(hardKill):
		slog.Warn("Tool ignored its deadline, abandoning invocation",
			"tool", name,
			"timeout", timeout,
			"hard_kill", hardKill)
		return failure(name, protocol.ErrorKindTimeout,
			fmt.Sprintf("tool did not return within %s (hard kill)", hardKill), 0)
	}
}

// allow applies the per-(agent, tool) rate limit seam.
func (d *Dispatcher) allow(agentID, toolName string) bool {
	if d.config.RateLimit <= 0 {
		return true
	}

	key := agentID + "\x00" + toolName
	d.mu.Lock()
	limiter, ok := d.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.config.RateLimit), d.config.RateBurst)
		d.limiters[key] = limiter
	}
	d.mu.Unlock()

	return limiter.Allow()
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, res *protocol.ToolResult) {
	if res.OK {
		span.SetStatus(codes.Ok, "success")
	} else if res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Message)
	}
	span.SetAttributes(
		attribute.Bool("tool.success", res.OK),
		attribute.Int64("tool.duration_ms", res.DurationMS),
	)
	if d.metrics != nil {
		d.metrics.RecordToolExecution(res.ToolName, time.Duration(res.DurationMS)*time.Millisecond, res.OK)
	}
}

func failure(name string, kind protocol.ErrorKind, message string, elapsed time.Duration) *protocol.ToolResult {
	return &protocol.ToolResult{
		OK:         false,
		ToolName:   name,
		DurationMS: elapsed.Milliseconds(),
		Error:      &protocol.ToolError{Kind: kind, Message: message},
	}
}
