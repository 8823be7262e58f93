package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/penguin/pkg/contextwindow"
	"github.com/kadirpekel/penguin/pkg/conversation"
	"github.com/kadirpekel/penguin/pkg/llms"
	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/streaming"
	"github.com/kadirpekel/penguin/pkg/tools"
)

type byteCounter struct{}

func (byteCounter) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

type harness struct {
	engine   *Engine
	provider *llms.ScriptedProvider
	conv     *conversation.Conversation
	registry *tools.Registry
	events   []streaming.Event
}

func newHarness(t *testing.T, scripts ...[]llms.Chunk) *harness {
	t.Helper()

	provider := llms.NewScriptedProvider("scripted", scripts...)
	providers := llms.NewRegistry()
	require.NoError(t, providers.Register("scripted", provider))

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Entry{
		Tool: tools.NewFuncTool("code_execution", "echo", nil,
			func(ctx context.Context, inv tools.Invocation) (string, error) {
				return "['a.txt', 'b.txt']", nil
			}),
	}))
	dispatcher := tools.NewDispatcher(reg, nil, nil)

	conv, err := conversation.New(conversation.Config{
		AgentID: "agent-1",
		Counter: byteCounter{},
		Window:  contextwindow.NewManager(&contextwindow.Config{MaxTokens: 100000}),
	})
	require.NoError(t, err)
	conv.SetSystemPrompt("you are a test agent")

	h := &harness{
		provider: provider,
		conv:     conv,
		registry: reg,
	}
	h.engine = New(providers, reg, dispatcher, nil, &Config{
		RetryBaseDelay: time.Millisecond,
		Streaming:      &streaming.Config{CoalesceWindow: time.Nanosecond, CoalesceBytes: 1},
	})
	return h
}

func (h *harness) request(input string) Request {
	return Request{
		AgentID:      "agent-1",
		Conversation: h.conv,
		Binding:      llms.ModelBinding{Provider: "scripted", Model: "test"},
		Input:        input,
		Sink:         func(e streaming.Event) { h.events = append(h.events, e) },
	}
}

// Simple question and answer: one iteration, no tools.
func TestEngine_SimpleQA(t *testing.T) {
	h := newHarness(t, llms.TextScript("The answer is 4."))

	res, err := h.engine.RunResponse(context.Background(), h.request("What is 2+2?"))
	require.NoError(t, err)

	assert.Equal(t, "The answer is 4.", res.Text)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, streaming.ReasonNormal, res.CompletionReason)
	assert.Empty(t, res.ToolResults)

	// Conversation grew by one user and one assistant message after
	// the system prompt, in that order.
	view := h.conv.APIView()
	require.Len(t, view, 3)
	assert.Equal(t, protocol.RoleSystem, view[0].Role)
	assert.Equal(t, "What is 2+2?", view[1].Text())
	assert.Equal(t, protocol.RoleAssistant, view[2].Role)
}

// One tool call, then the loop terminates on finish_response.
func TestEngine_ToolCallThenFinish(t *testing.T) {
	h := newHarness(t,
		llms.TextScript("<execute>\nimport os\nprint(os.listdir('/tmp'))\n</execute>"),
		llms.TextScript("The files are a.txt and b.txt.\n<finish_response></finish_response>"),
	)

	res, err := h.engine.RunResponse(context.Background(), h.request("List files in /tmp"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, streaming.ReasonNormal, res.CompletionReason)
	require.Len(t, res.ToolResults, 1)
	assert.True(t, res.ToolResults[0].OK)
	assert.Contains(t, res.ToolResults[0].Output, "a.txt")
	assert.Contains(t, res.Text, "The files are a.txt and b.txt.")

	// The tool result was folded back as tool memory.
	foundToolMemory := false
	for _, msg := range h.conv.Messages() {
		if msg.Category == protocol.CategoryToolMemory {
			foundToolMemory = true
		}
	}
	assert.True(t, foundToolMemory)
}

// Three consecutive trivial responses end the loop with
// implicit_completion even under a higher iteration cap.
func TestEngine_TrivialResponseLoop(t *testing.T) {
	h := newHarness(t,
		llms.TextScript("OK"),
		llms.TextScript("I"),
		llms.TextScript("Hmm"),
		llms.TextScript("should never be reached"),
	)

	req := h.request("anything")
	req.Options.MaxIterations = 10
	res, err := h.engine.RunResponse(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, streaming.ReasonImplicitCompletion, res.CompletionReason)
	assert.Equal(t, 3, h.provider.Calls())
}

// A substantive response resets the trivial counter.
func TestEngine_TrivialCounterResets(t *testing.T) {
	h := newHarness(t,
		llms.TextScript("OK"),
		llms.TextScript("OK"),
		llms.TextScript("Here is a full, substantive answer to your question."),
	)

	res, err := h.engine.RunResponse(context.Background(), h.request("go"))
	require.NoError(t, err)
	assert.Equal(t, streaming.ReasonNormal, res.CompletionReason)
	assert.Equal(t, 3, res.Iterations)
}

func TestEngine_IterationCap(t *testing.T) {
	h := newHarness(t,
		// Tool activity every iteration keeps the loop alive.
		llms.TextScript("<execute>pass</execute>"),
	)

	req := h.request("loop forever")
	req.Options.MaxIterations = 3
	res, err := h.engine.RunResponse(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, streaming.ReasonIterationCap, res.CompletionReason)
}

func TestEngine_TaskFinishMarker(t *testing.T) {
	h := newHarness(t,
		llms.TextScript("Working on it. <execute>step()</execute>"),
		llms.TextScript(`Finished. <finish_task>{"summary": "all done"} [FINISH_STATUS:partial]</finish_task>`),
	)

	res, err := h.engine.RunTask(context.Background(), h.request("do the thing"))
	require.NoError(t, err)

	assert.Equal(t, streaming.ReasonToolExit, res.CompletionReason)
	assert.Equal(t, TaskStatusPartial, res.TaskStatus)
	assert.Equal(t, 2, res.Iterations)
}

func TestEngine_TaskModeAppendsContinuation(t *testing.T) {
	h := newHarness(t,
		llms.TextScript("Step one complete, moving on to the next stage."),
		llms.TextScript(`Done. <finish_task>[FINISH_STATUS:done]</finish_task>`),
	)

	res, err := h.engine.RunTask(context.Background(), h.request("task"))
	require.NoError(t, err)
	assert.Equal(t, TaskStatusDone, res.TaskStatus)

	continuations := 0
	for _, msg := range h.conv.Messages() {
		if msg.Metadata["continuation"] == true {
			continuations++
		}
	}
	assert.Equal(t, 1, continuations)
}

func TestEngine_ProviderRetryThenSuccess(t *testing.T) {
	h := newHarness(t, llms.TextScript("Recovered fine, here is the answer."))
	h.provider.OpenErrs = map[int]error{
		0: &llms.HTTPError{Status: 503, Provider: "scripted"},
		1: &llms.HTTPError{Status: 503, Provider: "scripted"},
	}

	res, err := h.engine.RunResponse(context.Background(), h.request("q"))
	require.NoError(t, err)
	assert.Equal(t, streaming.ReasonNormal, res.CompletionReason)
	assert.Equal(t, 3, h.provider.Calls())
}

func TestEngine_ProviderRetriesExhausted(t *testing.T) {
	h := newHarness(t, llms.TextScript("unused"))
	h.provider.OpenErrs = map[int]error{
		0: &llms.HTTPError{Status: 503},
		1: &llms.HTTPError{Status: 503},
		2: &llms.HTTPError{Status: 503},
	}

	res, err := h.engine.RunResponse(context.Background(), h.request("q"))
	require.Error(t, err)
	assert.Equal(t, streaming.ReasonError, res.CompletionReason)

	// The failure is visible in the conversation log.
	last := h.conv.Messages()[len(h.conv.Messages())-1]
	assert.Contains(t, last.Text(), "failed")
}

func TestEngine_AuthErrorNotRetried(t *testing.T) {
	h := newHarness(t, llms.TextScript("unused"))
	h.provider.OpenErrs = map[int]error{
		0: &llms.HTTPError{Status: 401},
	}

	_, err := h.engine.RunResponse(context.Background(), h.request("q"))
	require.Error(t, err)
	assert.Equal(t, 1, h.provider.Calls(), "auth errors must not be retried")
}

func TestEngine_Cancellation(t *testing.T) {
	h := newHarness(t, llms.TextScript("<execute>pass</execute>"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.engine.RunResponse(ctx, h.request("q"))
	require.NoError(t, err)
	assert.Equal(t, streaming.ReasonCancelled, res.CompletionReason)
}

func TestEngine_StreamEventOrdering(t *testing.T) {
	h := newHarness(t, llms.TextScript("Hello", " world, this is a long answer."))

	_, err := h.engine.RunResponse(context.Background(), h.request("hi"))
	require.NoError(t, err)

	require.NotEmpty(t, h.events)
	assert.Equal(t, streaming.EventStarted, h.events[0].Type)
	last := h.events[len(h.events)-1]
	assert.Equal(t, streaming.EventFinalized, last.Type)

	finals := 0
	for _, e := range h.events {
		if e.Type == streaming.EventFinalized {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
}

func TestParseFinishStatus(t *testing.T) {
	assert.Equal(t, TaskStatusDone, parseFinishStatus("[FINISH_STATUS:done] summary"))
	assert.Equal(t, TaskStatusPartial, parseFinishStatus("blah [FINISH_STATUS:partial]"))
	assert.Equal(t, TaskStatusBlocked, parseFinishStatus("[FINISH_STATUS:blocked]"))

	// Fallback to keyword inspection when the marker is absent.
	assert.Equal(t, TaskStatusBlocked, parseFinishStatus(`{"summary": "x", "status": "blocked"}`))
	assert.Equal(t, TaskStatusPartial, parseFinishStatus(`{"summary": "x", "status": "partial"}`))
	assert.Equal(t, TaskStatusDone, parseFinishStatus("plain free-form summary"))

	// The marker wins over stray keywords in the summary.
	assert.Equal(t, TaskStatusDone,
		parseFinishStatus("the task was blocked earlier [FINISH_STATUS:done]"))
}

func TestEngine_ContextWindowHardFailure(t *testing.T) {
	provider := llms.NewScriptedProvider("scripted", llms.TextScript("hi"))
	providers := llms.NewRegistry()
	require.NoError(t, providers.Register("scripted", provider))
	reg := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(reg, nil, nil)

	// Window so small the system prompt alone overflows it.
	conv, err := conversation.New(conversation.Config{
		AgentID: "agent-1",
		Counter: byteCounter{},
		Window:  contextwindow.NewManager(&contextwindow.Config{MaxTokens: 20, ReservedTokens: 10}),
	})
	require.NoError(t, err)
	conv.SetSystemPrompt(strings.Repeat("long system prompt ", 20))

	e := New(providers, reg, dispatcher, nil, &Config{RetryBaseDelay: time.Millisecond})
	res, err := e.RunResponse(context.Background(), Request{
		AgentID:      "agent-1",
		Conversation: conv,
		Binding:      llms.ModelBinding{Provider: "scripted", Model: "m"},
		Input:        "hello",
	})
	require.Error(t, err)
	assert.Equal(t, streaming.ReasonError, res.CompletionReason)
}
