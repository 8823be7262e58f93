package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/penguin/pkg/bus"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/snapshot"
	"github.com/kadirpekel/penguin/pkg/streaming"
	"github.com/kadirpekel/penguin/pkg/tools"
)

func newTestCore(t *testing.T, scripts ...[]llms.Chunk) (*Core, *llms.ScriptedProvider) {
	t.Helper()

	if len(scripts) == 0 {
		scripts = [][]llms.Chunk{llms.TextScript("a scripted answer for tests")}
	}
	provider := llms.NewScriptedProvider("scripted", scripts...)
	providers := llms.NewRegistry()
	require.NoError(t, providers.Register("scripted", provider))

	store, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := New(&Config{
		DefaultBinding: llms.ModelBinding{Provider: "scripted", Model: "test"},
		DefaultPersona: "you are the default test agent",
		MaxConcurrent:  2,
	}, providers, tools.NewRegistry(), store, nil)
	require.NoError(t, err)
	return c, provider
}

func TestCore_DefaultAgentExists(t *testing.T) {
	c, _ := newTestCore(t)

	profile, err := c.GetAgentProfile("default")
	require.NoError(t, err)
	assert.Equal(t, "default", profile.ID)
	assert.Equal(t, StateIdle, profile.ExecutionState)
}

func TestCore_UnknownAgentError(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.GetAgentProfile("ghost")
	require.Error(t, err)

	coreErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeAgentNotFound, coreErr.Code)
	assert.False(t, coreErr.Recoverable)
}

func TestCore_CreateAndDeleteAgent(t *testing.T) {
	c, _ := newTestCore(t)

	profile, err := c.CreateAgent("worker", llms.ModelBinding{}, "a worker", "default")
	require.NoError(t, err)
	assert.Equal(t, "scripted", profile.Binding.Provider, "empty binding inherits the default")
	assert.Equal(t, "default", profile.ParentID)

	// Parent sees the child.
	parent, err := c.GetAgentProfile("default")
	require.NoError(t, err)
	assert.Contains(t, parent.Children, "worker")

	// Duplicate rejected.
	_, err = c.CreateAgent("worker", llms.ModelBinding{}, "", "")
	require.Error(t, err)

	require.NoError(t, c.DeleteAgent("worker", false))
	_, err = c.GetAgentProfile("worker")
	assert.Error(t, err)
}

func TestCore_DefaultAgentDeletionRefused(t *testing.T) {
	c, _ := newTestCore(t)
	assert.Error(t, c.DeleteAgent("default", false))
}

func TestCore_SubAgentDeletionKeepsParent(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.CreateAgent("parent", llms.ModelBinding{}, "", "default")
	require.NoError(t, err)
	_, err = c.CreateAgent("child", llms.ModelBinding{}, "", "parent")
	require.NoError(t, err)

	require.NoError(t, c.DeleteAgent("child", false))
	_, err = c.GetAgentProfile("parent")
	assert.NoError(t, err)
}

func TestCore_Process(t *testing.T) {
	c, _ := newTestCore(t, llms.TextScript("The answer is 4."))

	res, err := c.Process(context.Background(), "default", "What is 2+2?", nil)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4.", res.Text)

	history, err := c.History("default")
	require.NoError(t, err)
	// system prompt + user + assistant
	require.Len(t, history, 3)
}

func TestCore_ProcessPausedAgentRefused(t *testing.T) {
	c, _ := newTestCore(t)

	require.NoError(t, c.PauseAgent("default"))
	_, err := c.Process(context.Background(), "default", "hi", nil)
	assert.Error(t, err)

	require.NoError(t, c.ResumeAgent("default"))
	_, err = c.Process(context.Background(), "default", "hi", nil)
	assert.NoError(t, err)
}

func TestCore_StreamChatEmitsEvents(t *testing.T) {
	c, _ := newTestCore(t, llms.TextScript("streaming ", "answer here"))

	var events []streaming.Event
	_, err := c.StreamChat(context.Background(), "default", "go",
		func(e streaming.Event) { events = append(events, e) })
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, streaming.EventStarted, events[0].Type)
	assert.Equal(t, streaming.EventFinalized, events[len(events)-1].Type)
}

// Snapshot, mutate, branch: the branch diverges while the original
// snapshot restores byte-for-byte.
func TestCore_SnapshotAndBranch(t *testing.T) {
	c, _ := newTestCore(t,
		llms.TextScript("first answer, long enough to be substantive"))

	_, err := c.Process(context.Background(), "default", "first question", nil)
	require.NoError(t, err)

	snapID, err := c.Checkpoint("default", "before-divergence")
	require.NoError(t, err)
	require.NotEmpty(t, snapID)

	// Mutate the original conversation.
	_, err = c.Process(context.Background(), "default", "original-only question", nil)
	require.NoError(t, err)

	// Branch a second agent from the snapshot.
	_, err = c.CreateAgent("branch", llms.ModelBinding{}, "", "")
	require.NoError(t, err)
	branchID, err := c.BranchFrom("branch", snapID)
	require.NoError(t, err)
	assert.NotEqual(t, snapID, branchID)

	_, err = c.Process(context.Background(), "branch", "branch-only question", nil)
	require.NoError(t, err)

	originalTexts := historyTexts(t, c, "default")
	branchTexts := historyTexts(t, c, "branch")

	assert.Contains(t, originalTexts, "original-only question")
	assert.NotContains(t, originalTexts, "branch-only question")
	assert.Contains(t, branchTexts, "branch-only question")
	assert.NotContains(t, branchTexts, "original-only question")

	// The checkpoints listing shows both snapshots for their agents.
	descs, err := c.ListCheckpoints("default", 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, descs)
	assert.Equal(t, "before-divergence", descs[len(descs)-1].Name)
}

func TestCore_NewSessionArchives(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.Process(context.Background(), "default", "some content", nil)
	require.NoError(t, err)

	snapID, err := c.NewSession("default")
	require.NoError(t, err)
	require.NotEmpty(t, snapID)

	sessions, err := c.ListSessions("default")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.False(t, sessions[0].Live)
	assert.True(t, sessions[1].Live)

	// System prompt carried into the fresh session.
	history, err := c.History("default")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, protocol.CategorySystemPrompt, history[0].Category)
}

func TestCore_BusDeliveryPersists(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.CreateAgent("peer", llms.ModelBinding{}, "", "")
	require.NoError(t, err)

	require.NoError(t, c.SendBusMessage("default", "peer", "hello peer", ""))

	history, err := c.History("peer")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello peer", history[0].Text())
	assert.Equal(t, "default", history[0].Metadata["bus_sender"])
}

func TestCore_BusHumanNotPersisted(t *testing.T) {
	c, _ := newTestCore(t)

	observed := 0
	c.Bus().Subscribe(bus.Filter{Recipient: protocol.RecipientHuman},
		func(m protocol.BusMessage) { observed++ })

	require.NoError(t, c.SendBusMessage("default", protocol.RecipientHuman, "to the UI", ""))
	assert.Equal(t, 1, observed)

	history, err := c.History("default")
	require.NoError(t, err)
	for _, msg := range history {
		assert.NotEqual(t, "to the UI", msg.Text())
	}
}

func TestCore_RunTaskAndWait(t *testing.T) {
	c, _ := newTestCore(t,
		llms.TextScript("Done immediately. <finish_task>[FINISH_STATUS:done]</finish_task>"))

	require.NoError(t, c.RunTask(TaskSpec{AgentID: "default", Prompt: "do it"}))

	snap, err := c.WaitForTask(context.Background(), "default", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "completed", string(snap.State))
	require.NotNil(t, snap.Result)
	assert.Equal(t, streaming.ReasonToolExit, snap.Result.CompletionReason)
}

func TestCore_Health(t *testing.T) {
	c, _ := newTestCore(t)

	report := c.Health()
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, 2, report.AgentCapacity.Max)
	assert.GreaterOrEqual(t, report.ResourceUsage.Threads, 1)
	assert.Greater(t, report.ResourceUsage.MemoryMB, 0.0)
}

func TestCore_SpawnSubAgentTool(t *testing.T) {
	c, _ := newTestCore(t)

	entry, ok := c.Tools().Get("spawn_sub_agent")
	require.True(t, ok)

	ctx := contextWithCaller("default")
	out, err := entry.Tool.Execute(ctx, tools.Invocation{
		Payload: `{"id": "helper", "persona": "a helper"}`,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "helper")

	profile, err := c.GetAgentProfile("helper")
	require.NoError(t, err)
	assert.Equal(t, "default", profile.ParentID)
}

func TestCore_SendMessageTool(t *testing.T) {
	c, _ := newTestCore(t)
	_, err := c.CreateAgent("peer", llms.ModelBinding{}, "", "")
	require.NoError(t, err)

	entry, ok := c.Tools().Get("send_message")
	require.True(t, ok)

	_, err = entry.Tool.Execute(contextWithCaller("default"), tools.Invocation{
		Payload: "peer: please review the draft",
	})
	require.NoError(t, err)

	history, err := c.History("peer")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "please review the draft", history[0].Text())
}

// helpers

func historyTexts(t *testing.T, c *Core, agentID string) []string {
	t.Helper()
	history, err := c.History(agentID)
	require.NoError(t, err)
	out := make([]string, 0, len(history))
	for _, msg := range history {
		out = append(out, msg.Text())
	}
	return out
}

func contextWithCaller(agentID string) context.Context {
	return tools.ContextWithCaller(context.Background(), tools.Context{AgentID: agentID})
}
