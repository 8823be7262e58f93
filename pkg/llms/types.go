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

// Package llms defines the provider adapter boundary: a fixed streaming
// interface every LLM gateway implements, the chunk union they emit,
// and a registry of configured providers. Providers do not retry; the
// engine owns backoff.
package llms

import (
	"context"
	"time"

	"github.com/kadirpekel/penguin/pkg/protocol"
	"github.com/kadirpekel/penguin/pkg/registry"
)

// ChunkType discriminates the Chunk union.
type ChunkType string

const (
	ChunkTypeText      ChunkType = "text"
	ChunkTypeReasoning ChunkType = "reasoning"
	ChunkTypeToolCall  ChunkType = "tool_call"
	ChunkTypeDone      ChunkType = "done"
	ChunkTypeError     ChunkType = "error"
)

// Chunk is one fragment of a streaming response. Exactly one of the
// payload fields is set, selected by Type.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *protocol.ToolCall
	Usage    *Usage
	Err      error
}

// Usage is the aggregate token usage reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another report.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolDefinition is a provider-facing tool description with a JSON
// Schema parameter object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ModelBinding fixes a provider, model and generation parameters for
// an agent.
type ModelBinding struct {
	Provider    string         `json:"provider" yaml:"provider"`
	Model       string         `json:"model" yaml:"model"`
	MaxTokens   int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Request carries everything a provider needs to open a stream.
type Request struct {
	Model       string
	Messages    []*protocol.Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Provider is the fixed adapter interface. Stream opens a streaming
// completion; the returned channel closes after a done or error chunk.
// Cancelling ctx aborts the stream.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Config holds the connection settings shared by HTTP providers.
type Config struct {
	APIKey         string        `yaml:"api_key"`
	Host           string        `yaml:"host"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// SetDefaults applies the default timeouts: 30s connect, 60s between
// chunks.
func (c *Config) SetDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Registry holds configured providers by name.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// Resolve returns the provider for a binding.
func (r *Registry) Resolve(binding ModelBinding) (Provider, bool) {
	return r.Get(binding.Provider)
}
