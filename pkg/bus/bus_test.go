package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/penguin/pkg/protocol"
)

func msg(sender, recipient, content string) protocol.BusMessage {
	return protocol.BusMessage{Sender: sender, Recipient: recipient, Content: content}
}

func TestBus_AgentRecipientPersisted(t *testing.T) {
	b := New()

	var delivered []protocol.BusMessage
	b.SetAgentDelivery(func(m protocol.BusMessage) error {
		delivered = append(delivered, m)
		return nil
	})

	require.NoError(t, b.Publish(msg("a", "b", "hello")))
	require.Len(t, delivered, 1)
	assert.Equal(t, "hello", delivered[0].Content)
	assert.Equal(t, protocol.BusKindMessage, delivered[0].Kind)
	assert.False(t, delivered[0].Timestamp.IsZero())
}

func TestBus_HumanRecipientNotPersisted(t *testing.T) {
	b := New()

	persisted := 0
	b.SetAgentDelivery(func(m protocol.BusMessage) error {
		persisted++
		return nil
	})

	var observed []protocol.BusMessage
	b.Subscribe(Filter{Recipient: protocol.RecipientHuman}, func(m protocol.BusMessage) {
		observed = append(observed, m)
	})

	require.NoError(t, b.Publish(msg("a", protocol.RecipientHuman, "for the UI")))
	assert.Equal(t, 0, persisted, "human messages never touch a conversation")
	require.Len(t, observed, 1)
}

func TestBus_UnknownAgentSurfacesError(t *testing.T) {
	b := New()
	b.SetAgentDelivery(func(m protocol.BusMessage) error {
		return fmt.Errorf("agent %s not found", m.Recipient)
	})
	assert.Error(t, b.Publish(msg("a", "ghost", "x")))
}

func TestBus_FilterMatching(t *testing.T) {
	cases := []struct {
		filter Filter
		match  bool
	}{
		{Filter{}, true},
		{Filter{Recipient: "b"}, true},
		{Filter{Recipient: "c"}, false},
		{Filter{Sender: "a"}, true},
		{Filter{Sender: "x"}, false},
		{Filter{Channel: "room"}, true},
		{Filter{Channel: "other"}, false},
		{Filter{Kind: protocol.BusKindDelegation}, true},
		{Filter{Kind: protocol.BusKindMessage}, false},
		{Filter{Recipient: "b", Channel: "room"}, true},
	}

	m := protocol.BusMessage{
		Sender: "a", Recipient: "b", Channel: "room",
		Kind: protocol.BusKindDelegation,
	}
	for i, tc := range cases {
		assert.Equal(t, tc.match, tc.filter.Matches(m), "case %d", i)
	}
}

func TestBus_PerPairOrdering(t *testing.T) {
	b := New()
	b.SetAgentDelivery(func(m protocol.BusMessage) error { return nil })

	var got []string
	b.Subscribe(Filter{Recipient: "b"}, func(m protocol.BusMessage) {
		got = append(got, m.Content)
	})

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(msg("a", "b", fmt.Sprintf("m%02d", i))))
	}

	require.Len(t, got, 50)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1], "messages must arrive in publish order")
	}
}

func TestBus_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	b.SetAgentDelivery(func(m protocol.BusMessage) error { return nil })

	b.Subscribe(Filter{}, func(m protocol.BusMessage) {
		panic("bad subscriber")
	})
	reached := false
	b.Subscribe(Filter{}, func(m protocol.BusMessage) {
		reached = true
	})

	require.NoError(t, b.Publish(msg("a", "b", "x")))
	assert.True(t, reached)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	b.SetAgentDelivery(func(m protocol.BusMessage) error { return nil })

	count := 0
	sub := b.Subscribe(Filter{}, func(m protocol.BusMessage) { count++ })

	require.NoError(t, b.Publish(msg("a", "b", "one")))
	b.Unsubscribe(sub)
	require.NoError(t, b.Publish(msg("a", "b", "two")))

	assert.Equal(t, 1, count)
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	b := New()
	b.SetAgentDelivery(func(m protocol.BusMessage) error { return nil })

	var mu sync.Mutex
	perSender := make(map[string][]string)
	b.Subscribe(Filter{Recipient: "sink"}, func(m protocol.BusMessage) {
		mu.Lock()
		perSender[m.Sender] = append(perSender[m.Sender], m.Content)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			sender := fmt.Sprintf("s%d", s)
			for i := 0; i < 20; i++ {
				_ = b.Publish(msg(sender, "sink", fmt.Sprintf("m%02d", i)))
			}
		}(s)
	}
	wg.Wait()

	// Per-sender ordering holds even across concurrent publishers.
	for sender, contents := range perSender {
		require.Len(t, contents, 20, sender)
		for i := 1; i < len(contents); i++ {
			assert.Greater(t, contents[i], contents[i-1], sender)
		}
	}
}

func TestBus_MissingRecipientRejected(t *testing.T) {
	b := New()
	assert.Error(t, b.Publish(protocol.BusMessage{Sender: "a"}))
}
