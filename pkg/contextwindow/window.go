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

// Package contextwindow keeps a conversation's token count below the
// model budget by trimming messages per category. Each category holds a
// fraction of the available window; system prompt messages are never
// touched.
package contextwindow

import (
	"log/slog"
	"sort"

	"github.com/kadirpekel/penguin/pkg/protocol"
)

// trimOrder is the fixed priority order: lowest-value categories are
// trimmed first.
var trimOrder = []protocol.Category{
	protocol.CategoryToolMemory,
	protocol.CategoryConversation,
	protocol.CategoryWorkingMemory,
	protocol.CategoryDeclarativeNotes,
}

// DefaultFractions is the default budget split across categories.
// Fractions sum to 1.0.
func DefaultFractions() map[protocol.Category]float64 {
	return map[protocol.Category]float64{
		protocol.CategorySystemPrompt:     0.15,
		protocol.CategoryDeclarativeNotes: 0.20,
		protocol.CategoryWorkingMemory:    0.20,
		protocol.CategoryConversation:     0.30,
		protocol.CategoryToolMemory:       0.15,
	}
}

// Config configures a Manager.
type Config struct {
	// MaxTokens is the model's context window.
	MaxTokens int

	// ReservedTokens is held back for the response. Defaults to 10%
	// of MaxTokens.
	ReservedTokens int

	// Fractions maps categories to their share of the available
	// window. Defaults to DefaultFractions.
	Fractions map[protocol.Category]float64
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 128000
	}
	if c.ReservedTokens <= 0 {
		c.ReservedTokens = c.MaxTokens / 10
	}
	if c.Fractions == nil {
		c.Fractions = DefaultFractions()
	}
}

// Manager allocates the token budget and trims message logs.
type Manager struct {
	config *Config
}

// NewManager creates a Manager from config.
func NewManager(config *Config) *Manager {
	if config == nil {
		config = &Config{}
	}
	config.SetDefaults()
	return &Manager{config: config}
}

// Available returns max_tokens minus the response reservation.
func (m *Manager) Available() int {
	return m.config.MaxTokens - m.config.ReservedTokens
}

// NeedsTrim reports whether a log totaling tokens must be trimmed.
func (m *Manager) NeedsTrim(totalTokens int) bool {
	return totalTokens > m.Available()
}

// Result describes a trim pass. Kept preserves the original relative
// order of the surviving messages.
type Result struct {
	Kept    []*protocol.Message
	Removed []*protocol.Message
}

// Trim reduces each over-budget category to its target by removing its
// oldest messages. System prompt messages are never removed. Trimming
// is deterministic given the message log and fractions.
func (m *Manager) Trim(messages []*protocol.Message) Result {
	return m.trim(messages, 1.0)
}

// TrimAggressive halves all non-system targets before trimming. Used
// by the engine when a regular pass leaves the log over budget.
func (m *Manager) TrimAggressive(messages []*protocol.Message) Result {
	return m.trim(messages, 0.5)
}

func (m *Manager) trim(messages []*protocol.Message, scale float64) Result {
	available := m.Available()

	tokens := make(map[protocol.Category]int)
	systemTokens := 0
	for _, msg := range messages {
		tokens[msg.Category] += msg.TokenCount
		if msg.Category == protocol.CategorySystemPrompt {
			systemTokens += msg.TokenCount
		}
	}

	if systemTokens > available {
		slog.Warn("System prompt alone exceeds available context window",
			"system_tokens", systemTokens,
			"available", available)
	}

	budget := available - systemTokens
	if budget < 0 {
		budget = 0
	}

	removed := make(map[*protocol.Message]bool)
	var removedList []*protocol.Message

	for _, cat := range trimOrder {
		target := int(m.config.Fractions[cat] * float64(budget) * scale)
		if tokens[cat] <= target {
			continue
		}

		// Oldest first within the category.
		oldest := categoryMessages(messages, cat)
		for _, msg := range oldest {
			if tokens[cat] <= target {
				break
			}
			removed[msg] = true
			removedList = append(removedList, msg)
			tokens[cat] -= msg.TokenCount
		}
	}

	kept := make([]*protocol.Message, 0, len(messages)-len(removedList))
	for _, msg := range messages {
		if !removed[msg] {
			kept = append(kept, msg)
		}
	}
	return Result{Kept: kept, Removed: removedList}
}

// TargetTokens returns the token target for a category given the
// current system prompt size. System prompt has no target: it is
// always preserved exactly.
func (m *Manager) TargetTokens(cat protocol.Category, systemTokens int) int {
	if cat == protocol.CategorySystemPrompt {
		return systemTokens
	}
	budget := m.Available() - systemTokens
	if budget < 0 {
		budget = 0
	}
	return int(m.config.Fractions[cat] * float64(budget))
}

// categoryMessages returns the messages of one category ordered oldest
// first by creation time, sequence breaking ties.
func categoryMessages(messages []*protocol.Message, cat protocol.Category) []*protocol.Message {
	var out []*protocol.Message
	for _, msg := range messages {
		if msg.Category == cat {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
