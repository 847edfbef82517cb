package api

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workspace writes files relative to a fresh work dir.
func workspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func run(t *testing.T, ex *ToolExecutor, tool string, params map[string]any) ToolResult {
	t.Helper()
	input, err := json.Marshal(params)
	require.NoError(t, err)
	return ex.Execute(context.Background(), tool, input)
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestNewToolExecutor(t *testing.T) {
	ex := NewToolExecutor("/work/tree")
	require.NotNil(t, ex)
	assert.Equal(t, "/work/tree", ex.workDir)

	res := ex.Execute(context.Background(), "Teleport", json.RawMessage(`{}`))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "Unknown tool")
}

func TestToolExecutor_Read(t *testing.T) {
	dir := workspace(t, map[string]string{"handler.go": "package h\n\nfunc A() {}\nfunc B() {}\nfunc C() {}"})
	ex := NewToolExecutor(dir)

	res := run(t, ex, "Read", map[string]any{"file_path": "handler.go"})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "1\tpackage h")
	assert.False(t, res.Mutated)

	res = run(t, ex, "Read", map[string]any{"file_path": filepath.Join(dir, "handler.go"), "offset": 3, "limit": 2})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "func A")
	assert.Contains(t, res.Content, "func B")
	assert.NotContains(t, res.Content, "package h")
	assert.NotContains(t, res.Content, "func C")

	res = run(t, ex, "Read", map[string]any{"file_path": "missing.go"})
	assert.True(t, res.IsError)
}

func TestToolExecutor_Write(t *testing.T) {
	dir := workspace(t, nil)
	ex := NewToolExecutor(dir)

	for _, name := range []string{"main.go", filepath.Join("internal", "auth", "login.go")} {
		res := run(t, ex, "Write", map[string]any{"file_path": name, "content": "package x\n"})
		require.False(t, res.IsError, res.Content)
		assert.True(t, res.Mutated, "writes should mark the workspace as changed")
		assert.Equal(t, "package x\n", readFile(t, dir, name))
	}
}

func TestToolExecutor_Edit(t *testing.T) {
	tests := []struct {
		name    string
		initial string
		params  map[string]any
		want    string
		wantErr string
	}{
		{
			name:    "unique match",
			initial: "if ok { return nil }\nreturn err\n",
			params:  map[string]any{"old_string": "return err", "new_string": "return wrap(err)"},
			want:    "if ok { return nil }\nreturn wrap(err)\n",
		},
		{
			name:    "ambiguous match",
			initial: "if ok { return nil }\nreturn err\n",
			params:  map[string]any{"old_string": "return", "new_string": "panic"},
			wantErr: "must be unique",
		},
		{
			name:    "replace all",
			initial: "if ok { return nil }\nreturn err\n",
			params:  map[string]any{"old_string": "return", "new_string": "yield", "replace_all": true},
			want:    "if ok { yield nil }\nyield err\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := workspace(t, map[string]string{"f.go": tt.initial})
			params := map[string]any{"file_path": "f.go"}
			for k, v := range tt.params {
				params[k] = v
			}

			res := run(t, NewToolExecutor(dir), "Edit", params)
			if tt.wantErr != "" {
				assert.True(t, res.IsError)
				assert.Contains(t, res.Content, tt.wantErr)
				assert.Equal(t, tt.initial, readFile(t, dir, "f.go"))
				return
			}
			require.False(t, res.IsError, res.Content)
			assert.Equal(t, tt.want, readFile(t, dir, "f.go"))
		})
	}
}

func TestToolExecutor_GlobAndListDir(t *testing.T) {
	dir := workspace(t, map[string]string{
		"cmd.go":        "",
		"cmd_test.go":   "",
		"README.md":     "",
		"pkg/models.go": "",
	})
	ex := NewToolExecutor(dir)

	res := run(t, ex, "Glob", map[string]any{"pattern": "*.go", "path": dir})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "cmd.go")
	assert.Contains(t, res.Content, "cmd_test.go")
	assert.NotContains(t, res.Content, "README.md")

	res = run(t, ex, "ListDir", map[string]any{"path": dir})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "README.md")
	assert.Contains(t, res.Content, "pkg")
}

func TestToolExecutor_Grep(t *testing.T) {
	dir := workspace(t, map[string]string{
		"a.go":      "package a\nfunc Handler() {}\n",
		"b.txt":     "Handler in text\n",
		".git/HEAD": "Handler\n",
	})
	ex := NewToolExecutor(dir)

	res := run(t, ex, "Grep", map[string]any{"pattern": "func Hand", "glob": "*.go"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "a.go:2:func Handler() {}\n", res.Content)

	res = run(t, ex, "Grep", map[string]any{"pattern": "Handler"})
	assert.NotContains(t, res.Content, ".git", "hidden directories are skipped")
	assert.Contains(t, res.Content, "b.txt:1:")

	res = run(t, ex, "Grep", map[string]any{"pattern": "("})
	assert.True(t, res.IsError, "invalid patterns are reported")
}

func TestToolExecutor_Bash(t *testing.T) {
	ex := NewToolExecutor(t.TempDir(), "CUB_RUN_SESSION=cub-20260301-a1")

	res := run(t, ex, "Bash", map[string]any{"command": "echo $CUB_RUN_SESSION"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "cub-20260301-a1", strings.TrimSpace(res.Content))

	res = run(t, ex, "Bash", map[string]any{"command": "echo broken >&2; exit 3"})
	assert.True(t, res.IsError)
}

func TestToolExecutor_ConfinedToWorkDir(t *testing.T) {
	dir := t.TempDir()
	ex := NewToolExecutor(dir)

	for _, path := range []string{"../escape.txt", "/etc/passwd", filepath.Join(dir, "..", "x")} {
		res := run(t, ex, "Write", map[string]any{"file_path": path, "content": "x"})
		assert.True(t, res.IsError, path)
		assert.Contains(t, res.Content, "outside the working directory", path)
	}

	res := run(t, ex, "Write", map[string]any{"file_path": "nested/ok.txt", "content": "x"})
	assert.False(t, res.IsError, res.Content)
	assert.True(t, res.Mutated)
}

func TestFormatToolAction(t *testing.T) {
	tests := []struct {
		tool  string
		input string
		want  string
	}{
		{"Read", `{"file_path":"/repo/internal/loop.go"}`, "loop.go"},
		{"Write", `{"file_path":"/repo/out.txt"}`, "out.txt"},
		{"Bash", `{"command":"go test ./..."}`, "Running"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Contains(t, FormatToolAction(tt.tool, json.RawMessage(tt.input)), tt.want)
		})
	}
	assert.Equal(t, "Mystery", FormatToolAction("Mystery", json.RawMessage(`{}`)))
}
