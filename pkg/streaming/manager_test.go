package streaming

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/penguin/pkg/actions"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/protocol"
)

// collectSink records events in order.
type collectSink struct {
	events []Event
}

func (c *collectSink) sink(e Event) {
	c.events = append(c.events, e)
}

func (c *collectSink) types() []EventType {
	out := make([]EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

// immediate makes every delta flush at once so tests see one event per
// chunk.
func immediate() *Config {
	return &Config{CoalesceWindow: time.Nanosecond, CoalesceBytes: 1}
}

func feedText(m *Manager, parts ...string) {
	for _, p := range parts {
		m.Feed(llms.Chunk{Type: llms.ChunkTypeText, Text: p})
	}
}

func TestManager_SimpleTextStream(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "agent-1", immediate(), sink.sink)

	feedText(m, "The answer", " is 4.")
	m.Feed(llms.Chunk{Type: llms.ChunkTypeDone, Usage: &llms.Usage{OutputTokens: 5}})
	final := m.Finish(ReasonNormal)

	require.NotNil(t, final)
	assert.Equal(t, "The answer is 4.", final.Text)
	assert.Equal(t, ReasonNormal, final.Reason)
	assert.Equal(t, 5, final.Usage.OutputTokens)

	assert.Equal(t, []EventType{
		EventStarted, EventTextDelta, EventTextDelta, EventFinalized,
	}, sink.types())
}

func TestManager_StartedPrecedesDeltas(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	feedText(m, "x")
	require.NotEmpty(t, sink.events)
	assert.Equal(t, EventStarted, sink.events[0].Type)
	assert.Equal(t, "msg-1", sink.events[0].MessageID)
}

func TestManager_ExactlyOneTerminalEvent(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	feedText(m, "hello")
	require.NotNil(t, m.Finish(ReasonNormal))
	assert.Nil(t, m.Finish(ReasonNormal), "second finish must be a no-op")
	m.Fail("provider", errors.New("late"))

	finals := 0
	errorsSeen := 0
	for _, e := range sink.events {
		switch e.Type {
		case EventFinalized:
			finals++
		case EventError:
			errorsSeen++
		}
	}
	assert.Equal(t, 1, finals)
	assert.Equal(t, 0, errorsSeen)
}

func TestManager_NoFinalizeAfterError(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	feedText(m, "partial out")
	m.Fail("provider", errors.New("boom"))
	assert.Nil(t, m.Finish(ReasonNormal))

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "partial out", last.Text)
	assert.Equal(t, "provider", last.ErrorKind)
}

func TestManager_NoEventsAfterTerminal(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	feedText(m, "one")
	m.Finish(ReasonNormal)
	n := len(sink.events)

	feedText(m, "two")
	m.Feed(llms.Chunk{Type: llms.ChunkTypeDone})
	assert.Len(t, sink.events, n)
}

func TestManager_ReasoningSeparateChannel(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	m.Feed(llms.Chunk{Type: llms.ChunkTypeReasoning, Text: "thinking..."})
	feedText(m, "answer")
	final := m.Finish(ReasonNormal)

	assert.Equal(t, "thinking...", final.Reasoning)
	assert.Equal(t, "answer", final.Text)

	for _, e := range sink.events {
		if e.Type == EventTextDelta {
			assert.NotContains(t, e.Text, "thinking")
		}
	}
}

func TestManager_TagDetectionEmitsToolStarted(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	// The tag arrives split across deltas; tool.started fires only
	// once the close tag is observed.
	feedText(m, "Let me run it: <exe", "cute>print(1)</exe")
	for _, e := range sink.events {
		assert.NotEqual(t, EventToolStarted, e.Type)
	}

	feedText(m, "cute> done")
	invs := m.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "execute", invs[0].Name)
	assert.Equal(t, "print(1)", invs[0].Payload)

	started := 0
	for _, e := range sink.events {
		if e.Type == EventToolStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestManager_NameResolverApplied(t *testing.T) {
	cfg := immediate()
	cfg.ResolveName = func(kind actions.Kind) string {
		if kind == actions.KindExecute {
			return "code_execution"
		}
		return string(kind)
	}

	m := NewManager("msg-1", "a", cfg, nil)
	feedText(m, "<execute>x</execute>")

	invs := m.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "code_execution", invs[0].Name)
}

func TestManager_ProviderToolCallDelta(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	feedText(m, "calling tool")
	m.Feed(llms.Chunk{Type: llms.ChunkTypeToolCall, ToolCall: &protocol.ToolCall{
		ID:      "call-1",
		Name:    "pattern_search",
		RawArgs: `{"q":"x"}`,
	}})

	assert.Equal(t, StateToolCalling, m.State())

	m.CompleteTool("call-1", &protocol.ToolResult{OK: true, Output: "found", ToolName: "pattern_search"})
	assert.Equal(t, StateStreaming, m.State())

	types := sink.types()
	assert.Equal(t, []EventType{
		EventStarted, EventTextDelta, EventToolStarted, EventToolCompleted,
	}, types)
}

func TestManager_ToolEventsOrderedBetweenDeltas(t *testing.T) {
	sink := &collectSink{}
	m := NewManager("msg-1", "a", immediate(), sink.sink)

	feedText(m, "before <read>/tmp/x</read>", " after")
	m.Finish(ReasonNormal)

	types := sink.types()
	// started, delta(before+tag text), tool.started, delta(after), finalized
	require.Len(t, types, 5)
	assert.Equal(t, EventToolStarted, types[2])
	assert.Equal(t, EventFinalized, types[4])
}

func TestManager_CoalescingNeverDropsBytes(t *testing.T) {
	sink := &collectSink{}
	// Large window: after the first delta, nothing flushes until terminal.
	m := NewManager("msg-1", "a", &Config{
		CoalesceWindow: time.Hour,
		CoalesceBytes:  1 << 20,
	}, sink.sink)

	feedText(m, "aaa", "bbb", "ccc")
	final := m.Finish(ReasonNormal)

	assert.Equal(t, "aaabbbccc", final.Text)

	text := ""
	for _, e := range sink.events {
		if e.Type == EventTextDelta {
			text += e.Text
		}
	}
	assert.Equal(t, "aaabbbccc", text, "flush before terminal must carry all bytes")
}

func TestManager_FinishReasonPropagated(t *testing.T) {
	for _, reason := range []CompletionReason{
		ReasonNormal, ReasonToolExit, ReasonCancelled,
		ReasonIterationCap, ReasonImplicitCompletion,
	} {
		m := NewManager("m", "a", immediate(), nil)
		feedText(m, "text")
		final := m.Finish(reason)
		require.NotNil(t, final)
		assert.Equal(t, reason, final.Reason)
	}
}

func TestManager_TerminalKindsAreNotInvocations(t *testing.T) {
	m := NewManager("m", "a", immediate(), nil)
	feedText(m, "done <finish_response></finish_response>")
	assert.Empty(t, m.Invocations())
}
