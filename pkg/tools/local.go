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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LocalConfig configures the bundled workspace tools.
type LocalConfig struct {
	// WorkingDirectory roots all file operations. Paths escaping it
	// are rejected.
	WorkingDirectory string `yaml:"working_directory"`

	// Interpreter runs code_execution payloads. Default: python3.
	Interpreter string `yaml:"interpreter"`

	// MaxFileSize bounds file_read output. Default 256 KiB.
	MaxFileSize int64 `yaml:"max_file_size"`

	// MaxSearchResults bounds search output. Default 50.
	MaxSearchResults int `yaml:"max_search_results"`
}

// SetDefaults applies default values.
func (c *LocalConfig) SetDefaults() {
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = "."
	}
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 256 * 1024
	}
	if c.MaxSearchResults <= 0 {
		c.MaxSearchResults = 50
	}
}

// NotesSink receives declarative/summary notes recorded through the
// notes_add tool. The core wires it to the calling agent's
// conversation.
type NotesSink func(ctx context.Context, category, content string) error

// RegisterLocalTools registers the bundled workspace tools: code
// execution, file read/write, pattern and code search, and note
// taking.
func RegisterLocalTools(reg *Registry, config *LocalConfig, notes NotesSink) error {
	if config == nil {
		config = &LocalConfig{}
	}
	config.SetDefaults()

	entries := []Entry{
		{Tool: &execTool{config: config}, MaxDuration: 120 * time.Second},
		{Tool: &fileReadTool{config: config}, MaxDuration: 10 * time.Second},
		{Tool: &fileWriteTool{config: config}, MaxDuration: 10 * time.Second},
		{Tool: &searchTool{config: config, name: "pattern_search"}, MaxDuration: 30 * time.Second},
		{Tool: &searchTool{config: config, name: "code_search"}, MaxDuration: 30 * time.Second},
		{Tool: &notesTool{sink: notes}, MaxDuration: 5 * time.Second},
	}
	for _, entry := range entries {
		if err := reg.Register(entry); err != nil {
			return fmt.Errorf("failed to register local tool %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// resolvePath joins a relative path onto the workspace root and
// rejects escapes.
func (c *LocalConfig) resolvePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}

	root, err := filepath.Abs(c.WorkingDirectory)
	if err != nil {
		return "", err
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the workspace", path)
	}
	return full, nil
}

// ============================================================================
// code_execution
// ============================================================================

type execTool struct {
	config *LocalConfig
}

func (t *execTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "code_execution",
		Description: "Execute source code in the configured interpreter; stdout and stderr are returned as text.",
		Parameters: []Parameter{
			{Name: "code", Type: "string", Description: "Source to execute", Required: true},
		},
	}
}

func (t *execTool) Execute(ctx context.Context, inv Invocation) (string, error) {
	code := inv.Payload
	if code == "" {
		if v, ok := inv.Args["code"].(string); ok {
			code = v
		}
	}
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("no code to execute")
	}

	tmp, err := os.CreateTemp("", "penguin-exec-*.py")
	if err != nil {
		return "", fmt.Errorf("failed to stage code: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to stage code: %w", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, t.config.Interpreter, tmp.Name())
	cmd.Dir = t.config.WorkingDirectory
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Interpreter errors are tool output, not dispatch failures:
		// the LLM needs to see the traceback.
		return string(output) + "\n" + err.Error(), nil
	}
	return string(output), nil
}

// ============================================================================
// file_read
// ============================================================================

type fileReadTool struct {
	config *LocalConfig
}

func (t *fileReadTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "file_read",
		Description: "Read a file from the workspace.",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
		},
	}
}

func (t *fileReadTool) Execute(ctx context.Context, inv Invocation) (string, error) {
	path := inv.Payload
	if v, ok := inv.Args["path"].(string); ok && v != "" {
		path = v
	}
	full, err := t.config.resolvePath(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	if info.Size() > t.config.MaxFileSize {
		return "", fmt.Errorf("file %s is %d bytes, over the %d byte limit", path, info.Size(), t.config.MaxFileSize)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ============================================================================
// file_write — payload "path: content"
// ============================================================================

type fileWriteTool struct {
	config *LocalConfig
}

func (t *fileWriteTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "file_write",
		Description: "Write content to a workspace file, creating parent directories.",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
	}
}

func (t *fileWriteTool) Execute(ctx context.Context, inv Invocation) (string, error) {
	path, _ := inv.Args["path"].(string)
	content, _ := inv.Args["content"].(string)
	if path == "" {
		var ok bool
		path, content, ok = splitOnce(inv.Payload, ":")
		if !ok {
			return "", fmt.Errorf("expected payload of the form 'path: content'")
		}
	}

	full, err := t.config.resolvePath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), strings.TrimSpace(path)), nil
}

// ============================================================================
// pattern_search / code_search — payload "query" or "query:max_results"
// ============================================================================

type searchTool struct {
	config *LocalConfig
	name   string
}

func (t *searchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: "Search workspace files for a pattern; returns file:line matches.",
		Parameters: []Parameter{
			{Name: "query", Type: "string", Description: "Pattern (regular expression)", Required: true},
			{Name: "max_results", Type: "integer", Description: "Result cap", Required: false},
		},
	}
}

func (t *searchTool) Execute(ctx context.Context, inv Invocation) (string, error) {
	query := inv.Payload
	maxResults := t.config.MaxSearchResults

	if q, rest, ok := splitLast(query, ":"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && n > 0 {
			query = q
			if n < maxResults {
				maxResults = n
			}
		}
	}
	if v, ok := inv.Args["query"].(string); ok && v != "" {
		query = v
	}
	if v, ok := inv.Args["max_results"].(float64); ok && int(v) > 0 && int(v) < maxResults {
		maxResults = int(v)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	re, err := regexp.Compile(query)
	if err != nil {
		// Fall back to a literal match on invalid expressions.
		re = regexp.MustCompile(regexp.QuoteMeta(query))
	}

	root, err := filepath.Abs(t.config.WorkingDirectory)
	if err != nil {
		return "", err
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || len(matches) >= maxResults {
			return filepath.SkipAll
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > t.config.MaxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		for lineNo, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo+1, strings.TrimSpace(line)))
				if len(matches) >= maxResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return "", err
	}

	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

// ============================================================================
// notes_add — payload "category: content"
// ============================================================================

type notesTool struct {
	sink NotesSink
}

func (t *notesTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "notes_add",
		Description: "Record a declarative or summary note into agent memory.",
		Parameters: []Parameter{
			{Name: "category", Type: "string", Description: "Note category", Required: true},
			{Name: "content", Type: "string", Description: "Note content", Required: true},
		},
	}
}

func (t *notesTool) Execute(ctx context.Context, inv Invocation) (string, error) {
	if t.sink == nil {
		return "", fmt.Errorf("note taking is not wired for this runtime")
	}
	category, content, ok := splitOnce(inv.Payload, ":")
	if !ok {
		return "", fmt.Errorf("expected payload of the form 'category: content'")
	}
	category = strings.TrimSpace(category)
	content = strings.TrimSpace(content)
	if category == "" || content == "" {
		return "", fmt.Errorf("category and content are both required")
	}
	if err := t.sink(ctx, category, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("noted under %s", category), nil
}

// splitOnce splits s at the first separator occurrence.
func splitOnce(s, sep string) (string, string, bool) {
	idx := strings.Index(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], strings.TrimPrefix(s[idx+len(sep):], " "), true
}

// splitLast splits s at the last separator occurrence.
func splitLast(s, sep string) (string, string, bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
