package contextwindow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/penguin/pkg/protocol"
)

func msg(id string, cat protocol.Category, tokens int, seq int64) *protocol.Message {
	return &protocol.Message{
		ID:         id,
		Role:       protocol.RoleUser,
		Category:   cat,
		Parts:      []protocol.Part{protocol.TextPart(id)},
		TokenCount: tokens,
		CreatedAt:  time.Unix(0, seq),
		Sequence:   seq,
	}
}

func TestManager_Defaults(t *testing.T) {
	m := NewManager(&Config{MaxTokens: 1000})
	assert.Equal(t, 900, m.Available())
	assert.False(t, m.NeedsTrim(900))
	assert.True(t, m.NeedsTrim(901))
}

// Scenario from the product requirements: 1000 max, 100 reserved,
// system prompt of 100 tokens plus 50 conversation messages of 40
// tokens each.
func TestManager_TrimKeepsSystemAndBudget(t *testing.T) {
	m := NewManager(&Config{MaxTokens: 1000, ReservedTokens: 100})

	messages := []*protocol.Message{
		msg("sys", protocol.CategorySystemPrompt, 100, 0),
	}
	for i := 0; i < 50; i++ {
		messages = append(messages, msg(
			fmt.Sprintf("c%02d", i), protocol.CategoryConversation, 40, int64(i+1)))
	}

	res := m.Trim(messages)

	total := 0
	haveSystem := false
	for _, kept := range res.Kept {
		total += kept.TokenCount
		if kept.Category == protocol.CategorySystemPrompt {
			haveSystem = true
		}
	}
	assert.True(t, haveSystem, "system prompt must survive trimming")
	assert.LessOrEqual(t, total, m.Available())

	// Oldest conversation messages go first: the first kept
	// conversation message must have a higher sequence than every
	// removed one.
	minKept := int64(1 << 62)
	for _, kept := range res.Kept {
		if kept.Category == protocol.CategoryConversation && kept.Sequence < minKept {
			minKept = kept.Sequence
		}
	}
	for _, rem := range res.Removed {
		assert.Less(t, rem.Sequence, minKept)
	}
}

func TestManager_TrimPreservesOrder(t *testing.T) {
	m := NewManager(&Config{MaxTokens: 400, ReservedTokens: 40})

	var messages []*protocol.Message
	for i := 0; i < 30; i++ {
		messages = append(messages, msg(
			fmt.Sprintf("m%02d", i), protocol.CategoryConversation, 20, int64(i)))
	}

	res := m.Trim(messages)
	for i := 1; i < len(res.Kept); i++ {
		assert.Greater(t, res.Kept[i].Sequence, res.Kept[i-1].Sequence)
	}
}

func TestManager_TrimOrderToolMemoryFirst(t *testing.T) {
	// tool_memory overflows while other categories are near-empty:
	// only tool_memory messages should be removed.
	m := NewManager(&Config{MaxTokens: 1000, ReservedTokens: 100})

	messages := []*protocol.Message{
		msg("conv", protocol.CategoryConversation, 50, 1),
	}
	for i := 0; i < 40; i++ {
		messages = append(messages, msg(
			fmt.Sprintf("t%02d", i), protocol.CategoryToolMemory, 50, int64(i+2)))
	}

	res := m.Trim(messages)
	for _, rem := range res.Removed {
		assert.Equal(t, protocol.CategoryToolMemory, rem.Category)
	}
}

func TestManager_TrimDeterministic(t *testing.T) {
	m := NewManager(&Config{MaxTokens: 500, ReservedTokens: 50})

	var messages []*protocol.Message
	for i := 0; i < 20; i++ {
		cat := protocol.CategoryConversation
		if i%3 == 0 {
			cat = protocol.CategoryToolMemory
		}
		messages = append(messages, msg(fmt.Sprintf("m%02d", i), cat, 30, int64(i)))
	}

	first := m.Trim(messages)
	second := m.Trim(messages)
	require.Equal(t, first, second)
}

func TestManager_AggressiveTrimRemovesMore(t *testing.T) {
	m := NewManager(&Config{MaxTokens: 1000, ReservedTokens: 100})

	var messages []*protocol.Message
	for i := 0; i < 30; i++ {
		messages = append(messages, msg(
			fmt.Sprintf("m%02d", i), protocol.CategoryConversation, 40, int64(i)))
	}

	normal := m.Trim(messages)
	aggressive := m.TrimAggressive(messages)
	assert.Greater(t, len(aggressive.Removed), len(normal.Removed))
}

func TestManager_OversizedSystemPromptNotRemoved(t *testing.T) {
	m := NewManager(&Config{MaxTokens: 100, ReservedTokens: 10})

	messages := []*protocol.Message{
		msg("sys", protocol.CategorySystemPrompt, 500, 0),
		msg("c1", protocol.CategoryConversation, 20, 1),
	}

	res := m.Trim(messages)
	foundSystem := false
	for _, kept := range res.Kept {
		if kept.Category == protocol.CategorySystemPrompt {
			foundSystem = true
		}
	}
	assert.True(t, foundSystem)
}

func TestManager_TargetTokens(t *testing.T) {
	m := NewManager(&Config{MaxTokens: 1000, ReservedTokens: 100})

	// budget = 900 - 100 system = 800
	assert.Equal(t, int(0.30*800), m.TargetTokens(protocol.CategoryConversation, 100))
	assert.Equal(t, int(0.15*800), m.TargetTokens(protocol.CategoryToolMemory, 100))
	assert.Equal(t, 100, m.TargetTokens(protocol.CategorySystemPrompt, 100))
}
