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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPConfig configures one MCP server whose tools are mirrored into
// the registry.
type MCPConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// MaxDuration per tool call. Default 60s.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// MCPSource connects to an MCP server over stdio and registers its
// tools. External web_search, memory_search and browser tools arrive
// through this seam.
type MCPSource struct {
	config *MCPConfig

	mu     sync.Mutex
	client *client.Client
}

// NewMCPSource creates an unconnected source.
func NewMCPSource(config *MCPConfig) (*MCPSource, error) {
	if config == nil || config.Command == "" {
		return nil, fmt.Errorf("mcp command is required")
	}
	if config.Name == "" {
		config.Name = config.Command
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = 60 * time.Second
	}
	return &MCPSource{config: config}, nil
}

// RegisterInto connects to the server, discovers its tools and
// registers each one.
func (s *MCPSource) RegisterInto(ctx context.Context, reg *Registry) error {
	mcpClient, err := client.NewStdioMCPClient(s.config.Command, s.envList(), s.config.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client for %s: %w", s.config.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "penguin", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP server %s: %w", s.config.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list MCP tools for %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.client = mcpClient
	s.mu.Unlock()

	for _, mcpTool := range listResp.Tools {
		entry := Entry{
			Tool: &mcpProxyTool{
				source: s,
				name:   mcpTool.Name,
				desc:   mcpTool.Description,
			},
			MaxDuration: s.config.MaxDuration,
		}
		if err := reg.Register(entry); err != nil {
			slog.Warn("Skipping conflicting MCP tool",
				"source", s.config.Name,
				"tool", mcpTool.Name,
				"error", err)
		}
	}

	slog.Info("Connected to MCP server",
		"name", s.config.Name,
		"tools", len(listResp.Tools))
	return nil
}

// Close shuts the client down.
func (s *MCPSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *MCPSource) envList() []string {
	env := make([]string, 0, len(s.config.Env))
	for k, v := range s.config.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// mcpProxyTool proxies one remote tool.
type mcpProxyTool struct {
	source *MCPSource
	name   string
	desc   string
}

func (t *mcpProxyTool) GetInfo() ToolInfo {
	return ToolInfo{Name: t.name, Description: t.desc}
}

func (t *mcpProxyTool) Execute(ctx context.Context, inv Invocation) (string, error) {
	t.source.mu.Lock()
	mcpClient := t.source.client
	t.source.mu.Unlock()
	if mcpClient == nil {
		return "", fmt.Errorf("MCP server %s not connected", t.source.config.Name)
	}

	args := inv.Args
	if args == nil && inv.Payload != "" {
		// Tag payloads may carry JSON arguments; fall back to a
		// single query argument for colon-form payloads.
		if err := json.Unmarshal([]byte(inv.Payload), &args); err != nil {
			args = map[string]any{"query": strings.TrimSpace(inv.Payload)}
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	var b strings.Builder
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	if resp.IsError {
		return "", fmt.Errorf("%s", b.String())
	}
	return b.String(), nil
}
