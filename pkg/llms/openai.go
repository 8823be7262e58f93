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

const openAIDefaultHost = "https://api.openai.com"

// OpenAIProvider streams chat completions over SSE. It also serves any
// OpenAI-compatible endpoint (ollama, vllm, llama.cpp) via Config.Host.
type OpenAIProvider struct {
	config     *Config
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible adapter.
func NewOpenAIProvider(config *Config) (*OpenAIProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("openai config is required")
	}
	config.SetDefaults()
	if config.Host == "" {
		config.Host = openAIDefaultHost
	}
	return &OpenAIProvider{
		config:     config,
		httpClient: newHTTPClient(config.ConnectTimeout),
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
	Tools       []openAITool  `json:"tools,omitempty"`
	StreamOpts  *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// Stream opens a streaming completion against /v1/chat/completions.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	system, turns := flattenMessages(req.Messages)

	messages := make([]wireMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, wireMessage{Role: "system", Content: system})
	}
	messages = append(messages, turns...)

	body := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	body.StreamOpts = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}
	for _, tool := range req.Tools {
		var t openAITool
		t.Type = "function"
		t.Function.Name = tool.Name
		t.Function.Description = tool.Description
		t.Function.Parameters = tool.Parameters
		body.Tools = append(body.Tools, t)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost,
		p.config.Host+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to reach openai: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody), Provider: "openai"}
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

func (p *OpenAIProvider) readStream(ctx context.Context, body io.Reader, outputCh chan<- Chunk, cancel context.CancelFunc) error {
	watchdog := newIdleWatchdog(cancel, p.config.IdleTimeout)
	defer watchdog.stop()

	// Tool call arguments stream as fragments keyed by index.
	type toolAccum struct {
		id   string
		name string
		args strings.Builder
	}
	tools := make(map[int]*toolAccum)
	usage := &Usage{}

	flushTools := func() {
		for _, acc := range tools {
			raw := acc.args.String()
			tc := &protocol.ToolCall{ID: acc.id, Name: acc.name, RawArgs: raw}
			var args map[string]any
			if err := json.Unmarshal([]byte(raw), &args); err == nil {
				tc.Args = args
			}
			outputCh <- Chunk{Type: ChunkTypeToolCall, ToolCall: tc}
		}
		tools = make(map[int]*toolAccum)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.pet(p.config.IdleTimeout)

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			flushTools()
			outputCh <- Chunk{Type: ChunkTypeDone, Usage: usage}
			return nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("failed to decode stream chunk: %w", err)
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				outputCh <- Chunk{Type: ChunkTypeText, Text: choice.Delta.Content}
			}
			if choice.Delta.Reasoning != "" {
				outputCh <- Chunk{Type: ChunkTypeReasoning, Text: choice.Delta.Reasoning}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := tools[tc.Index]
				if !ok {
					acc = &toolAccum{}
					tools[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != nil && *choice.FinishReason == "tool_calls" {
				flushTools()
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stream aborted: %w", ctx.Err())
		}
		return fmt.Errorf("failed to read stream: %w", err)
	}

	flushTools()
	outputCh <- Chunk{Type: ChunkTypeDone, Usage: usage}
	return nil
}
