package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localSetup(t *testing.T) (*Registry, *LocalConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := &LocalConfig{WorkingDirectory: dir}
	reg := NewRegistry()
	require.NoError(t, RegisterLocalTools(reg, cfg, func(ctx context.Context, category, content string) error {
		return nil
	}))
	return reg, cfg
}

func execute(t *testing.T, reg *Registry, name, payload string) (string, error) {
	t.Helper()
	entry, ok := reg.Get(name)
	require.True(t, ok, "tool %s not registered", name)
	return entry.Tool.Execute(context.Background(), Invocation{Payload: payload})
}

func TestLocalTools_Registered(t *testing.T) {
	reg, _ := localSetup(t)
	for _, name := range []string{
		"code_execution", "file_read", "file_write",
		"pattern_search", "code_search", "notes_add",
	} {
		_, ok := reg.Get(name)
		assert.True(t, ok, "missing %s", name)
	}
}

func TestFileWriteThenRead(t *testing.T) {
	reg, _ := localSetup(t)

	out, err := execute(t, reg, "file_write", "notes/hello.txt: hello world")
	require.NoError(t, err)
	assert.Contains(t, out, "hello.txt")

	content, err := execute(t, reg, "file_read", "notes/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
}

func TestFileRead_EscapeRejected(t *testing.T) {
	reg, _ := localSetup(t)
	_, err := execute(t, reg, "file_read", "../../etc/passwd")
	assert.Error(t, err)
}

func TestFileRead_SizeLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := &LocalConfig{WorkingDirectory: dir, MaxFileSize: 8}
	reg := NewRegistry()
	require.NoError(t, RegisterLocalTools(reg, cfg, nil))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), []byte("way too large for the limit"), 0644))
	_, err := execute(t, reg, "file_read", "big.txt")
	assert.Error(t, err)
}

func TestPatternSearch(t *testing.T) {
	reg, cfg := localSetup(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkingDirectory, "a.go"),
		[]byte("package a\nfunc Needle() {}\n"), 0644))

	out, err := execute(t, reg, "pattern_search", "Needle")
	require.NoError(t, err)
	assert.Contains(t, out, "a.go:2")

	out, err = execute(t, reg, "pattern_search", "NoSuchSymbol")
	require.NoError(t, err)
	assert.Equal(t, "no matches", out)
}

func TestPatternSearch_MaxResultsSuffix(t *testing.T) {
	reg, cfg := localSetup(t)
	content := ""
	for i := 0; i < 10; i++ {
		content += "needle line\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(cfg.WorkingDirectory, "many.txt"), []byte(content), 0644))

	out, err := execute(t, reg, "pattern_search", "needle:3")
	require.NoError(t, err)
	assert.Len(t, splitLines(out), 3)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func TestNotesTool(t *testing.T) {
	dir := t.TempDir()
	var gotCategory, gotContent string
	reg := NewRegistry()
	require.NoError(t, RegisterLocalTools(reg, &LocalConfig{WorkingDirectory: dir},
		func(ctx context.Context, category, content string) error {
			gotCategory, gotContent = category, content
			return nil
		}))

	out, err := execute(t, reg, "notes_add", "architecture: the bus is copy-on-write")
	require.NoError(t, err)
	assert.Contains(t, out, "architecture")
	assert.Equal(t, "architecture", gotCategory)
	assert.Equal(t, "the bus is copy-on-write", gotContent)

	_, err = execute(t, reg, "notes_add", "no separator here")
	assert.Error(t, err)
}

func TestSplitHelpers(t *testing.T) {
	head, tail, ok := splitOnce("path: some: content", ":")
	assert.True(t, ok)
	assert.Equal(t, "path", head)
	assert.Equal(t, "some: content", tail)

	head, tail, ok = splitLast("query:with:colons:5", ":")
	assert.True(t, ok)
	assert.Equal(t, "query:with:colons", head)
	assert.Equal(t, "5", tail)

	_, _, ok = splitOnce("nosep", ":")
	assert.False(t, ok)
}
