package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/penguin/pkg/engine"
)

// blockingRunner runs until released, tracking peak concurrency.
type blockingRunner struct {
	mu      sync.Mutex
	active  int32
	peak    int32
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) run(ctx context.Context, agentID, prompt string, gate engine.Gate) (*engine.Result, error) {
	cur := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)

	r.mu.Lock()
	if cur > r.peak {
		r.peak = cur
	}
	r.mu.Unlock()

	select {
	case <-r.release:
		return &engine.Result{Text: "done: " + prompt}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *blockingRunner) peakConcurrency() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func TestExecutor_ConcurrencyCap(t *testing.T) {
	runner := newBlockingRunner()
	e := New(runner.run, 2, nil)

	require.NoError(t, e.Spawn("a", "task a", nil))
	require.NoError(t, e.Spawn("b", "task b", nil))
	require.NoError(t, e.Spawn("c", "task c", nil))

	// Two may run; the third waits pending.
	require.Eventually(t, func() bool {
		return e.RunningCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, e.RunningCount(), 2)

	close(runner.release)
	results, err := e.WaitForAll(context.Background(), []string{"a", "b", "c"}, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for id, snap := range results {
		assert.Equal(t, StateCompleted, snap.State, id)
		require.NotNil(t, snap.Result)
	}
	assert.LessOrEqual(t, runner.peakConcurrency(), int32(2))
}

func TestExecutor_DuplicateSpawnRejected(t *testing.T) {
	runner := newBlockingRunner()
	e := New(runner.run, 2, nil)

	require.NoError(t, e.Spawn("a", "first", nil))
	assert.Error(t, e.Spawn("a", "second", nil))

	close(runner.release)
	_, err := e.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)

	// A terminal task may be replaced.
	assert.NoError(t, e.Spawn("a", "third", nil))
}

func TestExecutor_FailedTaskDoesNotAffectOthers(t *testing.T) {
	e := New(func(ctx context.Context, agentID, prompt string, gate engine.Gate) (*engine.Result, error) {
		if agentID == "bad" {
			return nil, errors.New("deliberate failure")
		}
		return &engine.Result{Text: "ok"}, nil
	}, 2, nil)

	require.NoError(t, e.Spawn("bad", "x", nil))
	require.NoError(t, e.Spawn("good", "y", nil))

	results, err := e.WaitForAll(context.Background(), []string{"bad", "good"}, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, results["bad"].State)
	assert.Contains(t, results["bad"].Error, "deliberate failure")
	assert.Equal(t, StateCompleted, results["good"].State)
}

func TestExecutor_Cancel(t *testing.T) {
	runner := newBlockingRunner()
	e := New(runner.run, 2, nil)

	require.NoError(t, e.Spawn("a", "x", nil))
	require.Eventually(t, func() bool { return e.RunningCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel("a"))
	snap, err := e.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, snap.State)
}

func TestExecutor_PauseResume(t *testing.T) {
	var checkpoints int32
	release := make(chan struct{})

	e := New(func(ctx context.Context, agentID, prompt string, gate engine.Gate) (*engine.Result, error) {
		for i := 0; i < 3; i++ {
			if err := gate.Wait(ctx); err != nil {
				return nil, err
			}
			atomic.AddInt32(&checkpoints, 1)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &engine.Result{Text: "finished"}, nil
	}, 1, nil)

	require.NoError(t, e.Spawn("a", "x", nil))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&checkpoints) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, e.Pause("a"))
	snap, _ := e.Status("a")
	assert.Equal(t, StatePaused, snap.State)

	// Let the runner hit the gate: it must not pass checkpoint 2
	// while paused.
	release <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&checkpoints))

	require.NoError(t, e.Resume("a"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&checkpoints) == 2
	}, time.Second, time.Millisecond)

	release <- struct{}{}
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&checkpoints) == 3
	}, time.Second, time.Millisecond)
	release <- struct{}{}

	snap, err := e.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
}

func TestExecutor_PauseUnknownAgent(t *testing.T) {
	e := New(newBlockingRunner().run, 1, nil)
	assert.Error(t, e.Pause("ghost"))
	assert.Error(t, e.Resume("ghost"))
	assert.Error(t, e.Cancel("ghost"))
}

func TestExecutor_CleanupTerminalOnly(t *testing.T) {
	runner := newBlockingRunner()
	e := New(runner.run, 1, nil)

	require.NoError(t, e.Spawn("a", "x", nil))
	assert.Error(t, e.Cleanup("a"), "non-terminal cleanup is refused")

	close(runner.release)
	_, err := e.WaitFor(context.Background(), "a", time.Second)
	require.NoError(t, err)

	require.NoError(t, e.Cleanup("a"))
	_, ok := e.Status("a")
	assert.False(t, ok)
	assert.Error(t, e.Cleanup("a"))
}

func TestExecutor_WaitForTimeout(t *testing.T) {
	runner := newBlockingRunner()
	e := New(runner.run, 1, nil)
	require.NoError(t, e.Spawn("a", "x", nil))

	_, err := e.WaitFor(context.Background(), "a", 20*time.Millisecond)
	assert.Error(t, err)

	close(runner.release)
}

func TestExecutor_CancelAll(t *testing.T) {
	runner := newBlockingRunner()
	e := New(runner.run, 4, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Spawn(fmt.Sprintf("agent-%d", i), "x", nil))
	}
	require.Eventually(t, func() bool { return e.RunningCount() == 4 }, time.Second, 5*time.Millisecond)

	e.CancelAll()
	results, err := e.WaitForAll(context.Background(), nil, 2*time.Second)
	require.NoError(t, err)
	for _, snap := range results {
		assert.Equal(t, StateCancelled, snap.State)
	}
}
