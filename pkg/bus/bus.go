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

// Package bus routes messages between agents and to external
// observers. Delivery is synchronous: for one publisher, subscribers
// observe messages in publish order. The subscriber list is
// copy-on-write so publishing reads an immutable snapshot.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/penguin/pkg/protocol"
)

// Filter selects the messages a subscriber receives. Empty fields
// match everything.
type Filter struct {
	Recipient string
	Sender    string
	Channel   string
	Kind      protocol.BusKind
}

// Matches reports whether msg passes the filter.
func (f Filter) Matches(msg protocol.BusMessage) bool {
	if f.Recipient != "" && f.Recipient != msg.Recipient {
		return false
	}
	if f.Sender != "" && f.Sender != msg.Sender {
		return false
	}
	if f.Channel != "" && f.Channel != msg.Channel {
		return false
	}
	if f.Kind != "" && f.Kind != msg.Kind {
		return false
	}
	return true
}

// Handler receives matching messages. Handlers run on the publisher's
// goroutine; a panicking handler is logged and skipped, never fatal.
type Handler func(msg protocol.BusMessage)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// AgentDelivery persists a message into the recipient agent's
// conversation. Wired by the core; returns an error for unknown
// agents.
type AgentDelivery func(msg protocol.BusMessage) error

// Bus is the in-process message router.
type Bus struct {
	mu     sync.Mutex
	subs   atomic.Value // []*Subscription, copy-on-write
	nextID uint64

	deliver AgentDelivery
}

// New creates an empty bus.
func New() *Bus {
	b := &Bus{}
	b.subs.Store([]*Subscription{})
	return b
}

// SetAgentDelivery wires agent-recipient persistence.
func (b *Bus) SetAgentDelivery(deliver AgentDelivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver
}

// Subscribe registers a handler for messages matching filter.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, filter: filter, handler: handler}

	current := b.subs.Load().([]*Subscription)
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	b.subs.Store(next)
	return sub
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs.Load().([]*Subscription)
	next := make([]*Subscription, 0, len(current))
	for _, s := range current {
		if s.id != sub.id {
			next = append(next, s)
		}
	}
	b.subs.Store(next)
}

// Publish routes a message: agent recipients get it persisted into
// their conversation, the reserved "human" recipient only reaches
// subscribers. All matching subscribers are then notified; one
// failing subscriber never blocks the others, and the publisher does
// not see partial-delivery failures.
func (b *Bus) Publish(msg protocol.BusMessage) error {
	if msg.Recipient == "" {
		return fmt.Errorf("bus message recipient is required")
	}
	if msg.Kind == "" {
		msg.Kind = protocol.BusKindMessage
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if msg.Recipient != protocol.RecipientHuman {
		b.mu.Lock()
		deliver := b.deliver
		b.mu.Unlock()
		if deliver == nil {
			return fmt.Errorf("no agent delivery wired for recipient '%s'", msg.Recipient)
		}
		if err := deliver(msg); err != nil {
			return fmt.Errorf("failed to deliver to agent '%s': %w", msg.Recipient, err)
		}
	}

	for _, sub := range b.subs.Load().([]*Subscription) {
		if !sub.filter.Matches(msg) {
			continue
		}
		b.notify(sub, msg)
	}
	return nil
}

func (b *Bus) notify(sub *Subscription, msg protocol.BusMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus subscriber panicked",
				"recipient", msg.Recipient,
				"sender", msg.Sender,
				"panic", r)
		}
	}()
	sub.handler(msg)
}
