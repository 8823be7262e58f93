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

package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/penguin/pkg/protocol"
)

const anthropicDefaultHost = "https://api.anthropic.com"

// AnthropicProvider streams completions from the Anthropic Messages
// API over SSE.
type AnthropicProvider struct {
	config     *Config
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(config *Config) (*AnthropicProvider, error) {
	if config == nil || config.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	config.SetDefaults()
	if config.Host == "" {
		config.Host = anthropicDefaultHost
	}
	return &AnthropicProvider{
		config:     config,
		httpClient: newHTTPClient(config.ConnectTimeout),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string          `json:"model"`
	System    string          `json:"system,omitempty"`
	Messages  []wireMessage   `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	Temp      float64         `json:"temperature,omitempty"`
	Stream    bool            `json:"stream"`
	Tools     []anthropicTool `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta,omitempty"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream opens a streaming completion against /v1/messages.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	system, turns := flattenMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:     req.Model,
		System:    system,
		Messages:  turns,
		MaxTokens: maxTokens,
		Temp:      req.Temperature,
		Stream:    true,
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		p.config.Host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to reach anthropic: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody), Provider: "anthropic"}
	}

	outputCh := make(chan Chunk, 100)
	go func() {
		defer close(outputCh)
		defer resp.Body.Close()
		defer cancel()

		if err := p.readStream(streamCtx, resp.Body, outputCh, cancel); err != nil {
			outputCh <- Chunk{Type: ChunkTypeError, Err: err}
		}
	}()
	return outputCh, nil
}

// readStream consumes the SSE body line by line. Tool arguments arrive
// as fragmented JSON strings that must be concatenated before parsing.
func (p *AnthropicProvider) readStream(ctx context.Context, body io.Reader, outputCh chan<- Chunk, cancel context.CancelFunc) error {
	watchdog := newIdleWatchdog(cancel, p.config.IdleTimeout)
	defer watchdog.stop()

	toolCalls := make(map[int]*protocol.ToolCall)
	toolJSONBuffers := make(map[int]string)
	usage := &Usage{}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.pet(p.config.IdleTimeout)

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &protocol.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
					Args: make(map[string]any),
				}
				toolJSONBuffers[event.Index] = ""
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				outputCh <- Chunk{Type: ChunkTypeText, Text: event.Delta.Text}
			}
			if event.Delta.Type == "thinking_delta" && event.Delta.Thinking != "" {
				outputCh <- Chunk{Type: ChunkTypeReasoning, Text: event.Delta.Thinking}
			}
			if event.Delta.Type == "input_json_delta" && event.Delta.PartialJSON != "" {
				toolJSONBuffers[event.Index] += event.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, exists := toolCalls[event.Index]; exists {
				if raw := toolJSONBuffers[event.Index]; raw != "" {
					tc.RawArgs = raw
					var args map[string]any
					if err := json.Unmarshal([]byte(raw), &args); err == nil {
						tc.Args = args
					}
				}
				outputCh <- Chunk{Type: ChunkTypeToolCall, ToolCall: tc}
				delete(toolCalls, event.Index)
			}

		case "message_start":
			if event.Usage != nil {
				usage.InputTokens = event.Usage.InputTokens
			}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- Chunk{Type: ChunkTypeDone, Usage: usage}
			return nil

		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic stream error (%s): %s", event.Error.Type, event.Error.Message)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stream aborted: %w", ctx.Err())
		}
		return fmt.Errorf("failed to read stream: %w", err)
	}

	// Body closed without message_stop: still terminate cleanly.
	outputCh <- Chunk{Type: ChunkTypeDone, Usage: usage}
	return nil
}

// HTTPError is a non-2xx response from a provider. Status lets the
// engine decide between retrying and failing fast.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s request failed with status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the engine should retry with backoff.
// Auth failures are terminal.
func (e *HTTPError) Retryable() bool {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return false
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
