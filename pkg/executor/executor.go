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

// Package executor runs background agents concurrently under a
// counted semaphore. At most one active task exists per agent; tasks
// beyond the concurrency cap wait in the pending state until a slot
// frees up.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/penguin/pkg/engine"
	"github.com/kadirpekel/penguin/pkg/observability"
)

// State is the lifecycle state of an AgentTask.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Snapshot is a point-in-time copy of an AgentTask's state.
type Snapshot struct {
	AgentID   string         `json:"agent_id"`
	Prompt    string         `json:"prompt"`
	State     State          `json:"state"`
	Result    *engine.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Runner executes one agent task. The core wires this to
// Engine.RunTask with the agent's conversation resolved.
type Runner func(ctx context.Context, agentID, prompt string, gate engine.Gate) (*engine.Result, error)

// agentTask is the internal task record.
type agentTask struct {
	agentID   string
	prompt    string
	state     State
	result    *engine.Result
	err       error
	startTime time.Time
	metadata  map[string]any

	// resumeState remembers whether the task was running or pending
	// when it was paused.
	resumeState State

	cancel context.CancelFunc
	gate   *pauseGate
	done   chan struct{}
}

// Executor schedules background agent tasks.
type Executor struct {
	runner        Runner
	sem           *semaphore.Weighted
	maxConcurrent int
	metrics       *observability.Metrics

	mu    sync.Mutex
	tasks map[string]*agentTask
}

// New creates an Executor with the given concurrency cap. A cap of
// zero defaults to 10.
func New(runner Runner, maxConcurrent int, metrics *observability.Metrics) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Executor{
		runner:        runner,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: maxConcurrent,
		metrics:       metrics,
		tasks:         make(map[string]*agentTask),
	}
}

// MaxConcurrent returns the concurrency cap.
func (e *Executor) MaxConcurrent() int { return e.maxConcurrent }

// RunningCount returns the number of tasks currently in the running
// state.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.tasks {
		if t.state == StateRunning {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of non-terminal tasks.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.tasks {
		if !t.state.IsTerminal() {
			n++
		}
	}
	return n
}

// Spawn schedules a background task for agentID. It fails when the
// agent already has an active task.
func (e *Executor) Spawn(agentID, prompt string, metadata map[string]any) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	e.mu.Lock()
	if existing, ok := e.tasks[agentID]; ok && !existing.state.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("agent '%s' already has an active task", agentID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &agentTask{
		agentID:   agentID,
		prompt:    prompt,
		state:     StatePending,
		startTime: time.Now(),
		metadata:  metadata,
		cancel:    cancel,
		gate:      newPauseGate(),
		done:      make(chan struct{}),
	}
	e.tasks[agentID] = task
	e.mu.Unlock()

	go e.execute(ctx, task)
	return nil
}

// SpawnMany schedules a batch of (agentID, prompt) tasks. It stops at
// the first failure.
func (e *Executor) SpawnMany(specs map[string]string) error {
	for agentID, prompt := range specs {
		if err := e.Spawn(agentID, prompt, nil); err != nil {
			return err
		}
	}
	return nil
}

// execute acquires a slot, runs the task and records the outcome.
func (e *Executor) execute(ctx context.Context, task *agentTask) {
	defer close(task.done)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.settle(task, nil, err, StateCancelled)
		return
	}
	defer e.sem.Release(1)

	e.mu.Lock()
	if task.state == StatePaused {
		// Paused while pending: stay paused, but remember we now own
		// a slot and should run on resume.
		task.resumeState = StateRunning
	} else {
		task.state = StateRunning
	}
	e.mu.Unlock()

	slog.Info("Agent task started", "agent_id", task.agentID)
	result, err := e.runner(ctx, task.agentID, task.prompt, task.gate)

	switch {
	case ctx.Err() != nil:
		e.settle(task, result, ctx.Err(), StateCancelled)
	case err != nil:
		e.settle(task, result, err, StateFailed)
	default:
		e.settle(task, result, nil, StateCompleted)
	}
}

func (e *Executor) settle(task *agentTask, result *engine.Result, err error, state State) {
	e.mu.Lock()
	task.result = result
	task.err = err
	task.state = state
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordTask(string(state), time.Since(task.startTime))
	}
	if err != nil && state == StateFailed {
		slog.Error("Agent task failed", "agent_id", task.agentID, "error", err)
	} else {
		slog.Info("Agent task finished", "agent_id", task.agentID, "state", state)
	}
}

// WaitFor blocks until the agent's task reaches a terminal state or
// the timeout elapses. A zero timeout waits indefinitely.
func (e *Executor) WaitFor(ctx context.Context, agentID string, timeout time.Duration) (*Snapshot, error) {
	e.mu.Lock()
	task, ok := e.tasks[agentID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no task for agent '%s'", agentID)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-task.done:
		snap := e.snapshot(task)
		return &snap, nil
	case <-timeoutCh:
		return nil, fmt.Errorf("timed out waiting for agent '%s'", agentID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForAll waits for the given agents (all tracked agents when ids
// is nil) and returns their snapshots. Individual failures do not
// abort the wait.
func (e *Executor) WaitForAll(ctx context.Context, ids []string, timeout time.Duration) (map[string]*Snapshot, error) {
	if ids == nil {
		e.mu.Lock()
		for id := range e.tasks {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	out := make(map[string]*Snapshot, len(ids))
	for _, id := range ids {
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return out, fmt.Errorf("timed out waiting for remaining agents")
			}
		}
		snap, err := e.WaitFor(ctx, id, remaining)
		if err != nil {
			return out, err
		}
		out[id] = snap
	}
	return out, nil
}

// Pause requests a cooperative pause: the engine stops at its next
// suspension point and blocks until Resume.
func (e *Executor) Pause(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[agentID]
	if !ok {
		return fmt.Errorf("no task for agent '%s'", agentID)
	}
	if task.state.IsTerminal() {
		return fmt.Errorf("task for agent '%s' is already %s", agentID, task.state)
	}
	if task.state == StatePaused {
		return nil
	}

	task.resumeState = task.state
	task.state = StatePaused
	task.gate.pause()
	return nil
}

// Resume lifts a pause.
func (e *Executor) Resume(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[agentID]
	if !ok {
		return fmt.Errorf("no task for agent '%s'", agentID)
	}
	if task.state != StatePaused {
		return fmt.Errorf("task for agent '%s' is not paused", agentID)
	}

	task.state = task.resumeState
	if task.state == "" {
		task.state = StateRunning
	}
	task.gate.resume()
	return nil
}

// Cancel cancels the agent's task. Partial state is preserved on the
// task record.
func (e *Executor) Cancel(agentID string) error {
	e.mu.Lock()
	task, ok := e.tasks[agentID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no task for agent '%s'", agentID)
	}

	task.cancel()
	// A paused task would never reach its next suspension point;
	// unblock it so cancellation lands.
	task.gate.resume()
	return nil
}

// CancelAll cancels every non-terminal task.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	tasks := make([]*agentTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		if !t.state.IsTerminal() {
			tasks = append(tasks, t)
		}
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		t.gate.resume()
	}
}

// Status returns a snapshot of the agent's task.
func (e *Executor) Status(agentID string) (*Snapshot, bool) {
	e.mu.Lock()
	task, ok := e.tasks[agentID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	snap := e.snapshot(task)
	return &snap, true
}

// StatusAll returns snapshots for every tracked task.
func (e *Executor) StatusAll() map[string]*Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]*Snapshot, len(e.tasks))
	for id, task := range e.tasks {
		snap := e.snapshotLocked(task)
		out[id] = &snap
	}
	return out
}

// Cleanup removes a terminal task from tracking. Cleaning a
// non-terminal task is refused.
func (e *Executor) Cleanup(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[agentID]
	if !ok {
		return fmt.Errorf("no task for agent '%s'", agentID)
	}
	if !task.state.IsTerminal() {
		return fmt.Errorf("task for agent '%s' is %s; only terminal tasks can be cleaned up", agentID, task.state)
	}
	delete(e.tasks, agentID)
	return nil
}

func (e *Executor) snapshot(task *agentTask) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(task)
}

func (e *Executor) snapshotLocked(task *agentTask) Snapshot {
	snap := Snapshot{
		AgentID:   task.agentID,
		Prompt:    task.prompt,
		State:     task.state,
		Result:    task.result,
		StartTime: task.startTime,
		Metadata:  task.metadata,
	}
	if task.err != nil {
		snap.Error = task.err.Error()
	}
	return snap
}

// pauseGate implements engine.Gate: Wait blocks while paused.
type pauseGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *pauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// Already paused.
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// Already open.
	default:
		close(g.ch)
	}
}
