package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// maxToolOutput bounds what one tool call returns to the model.
const maxToolOutput = 30000

// errOutsideWorkDir is returned for paths that resolve outside the work dir.
var errOutsideWorkDir = errors.New("path is outside the working directory")

// ToolExecutor executes tool calls confined to one working directory.
type ToolExecutor struct {
	workDir string
	env     []string
}

// NewToolExecutor creates a new tool executor for the given working directory.
// env is appended to the environment of Bash commands.
func NewToolExecutor(workDir string, env ...string) *ToolExecutor {
	return &ToolExecutor{workDir: filepath.Clean(workDir), env: env}
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Content string
	IsError bool
	// Mutated is set when the call may have changed files.
	Mutated bool
}

func failed(format string, args ...any) ToolResult {
	return ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Execute runs a tool by name with the given JSON input.
func (e *ToolExecutor) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	switch name {
	case "Read":
		return e.execRead(input)
	case "Write":
		return e.execWrite(input)
	case "Edit":
		return e.execEdit(input)
	case "Bash":
		return e.execBash(ctx, input)
	case "Glob":
		return e.execGlob(input)
	case "Grep":
		return e.execGrep(ctx, input)
	case "ListDir":
		return e.execListDir(input)
	default:
		return failed("Unknown tool: %s", name)
	}
}

// resolvePath maps path into the work dir. Absolute paths are accepted only
// when they already lie inside it.
func (e *ToolExecutor) resolvePath(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.workDir, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(e.workDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, errOutsideWorkDir)
	}
	return p, nil
}

func (e *ToolExecutor) execRead(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return failed("Invalid parameters: %v", err)
	}

	path, err := e.resolvePath(params.FilePath)
	if err != nil {
		return failed("%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return failed("Failed to read file: %v", err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if params.Offset > 0 {
		start = params.Offset - 1
		if start >= len(lines) {
			return failed("Offset beyond end of file")
		}
	}
	end := len(lines)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(lines))
	}

	var result strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&result, "%6d\t%s\n", i+1, lines[i])
	}
	return ToolResult{Content: truncateOutput(result.String())}
}

func (e *ToolExecutor) execWrite(input json.RawMessage) ToolResult {
	var params struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return failed("Invalid parameters: %v", err)
	}

	path, err := e.resolvePath(params.FilePath)
	if err != nil {
		return failed("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return failed("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return failed("Failed to write file: %v", err)
	}
	return ToolResult{Content: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.FilePath), Mutated: true}
}

func (e *ToolExecutor) execEdit(input json.RawMessage) ToolResult {
	var params struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return failed("Invalid parameters: %v", err)
	}
	if params.OldString == "" {
		return failed("old_string must not be empty")
	}

	path, err := e.resolvePath(params.FilePath)
	if err != nil {
		return failed("%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return failed("Failed to read file: %v", err)
	}

	text := string(content)
	count := strings.Count(text, params.OldString)
	switch {
	case count == 0:
		return failed("old_string not found in file")
	case count > 1 && !params.ReplaceAll:
		return failed("old_string found %d times; must be unique or use replace_all=true", count)
	}

	n := 1
	if params.ReplaceAll {
		n = -1
	}
	if err := os.WriteFile(path, []byte(strings.Replace(text, params.OldString, params.NewString, n)), 0644); err != nil {
		return failed("Failed to write file: %v", err)
	}
	if params.ReplaceAll {
		return ToolResult{Content: fmt.Sprintf("Replaced %d occurrences", count), Mutated: true}
	}
	return ToolResult{Content: "Edit successful", Mutated: true}
}

func (e *ToolExecutor) execBash(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Command     string `json:"command"`
		Timeout     int    `json:"timeout"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return failed("Invalid parameters: %v", err)
	}

	timeout := 120 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", params.Command)
	cmd.Dir = e.workDir
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ToolResult{Content: fmt.Sprintf("Command timed out after %v:\n%s", timeout, output), IsError: true, Mutated: true}
		}
		return ToolResult{Content: truncateOutput(fmt.Sprintf("%s\nError: %v", output, err)), IsError: true, Mutated: true}
	}
	return ToolResult{Content: truncateOutput(string(output)), Mutated: true}
}

// walk visits regular files under root, skipping hidden directories.
func (e *ToolExecutor) walk(root string, fn func(path, rel string) error) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(e.workDir, path)
		return fn(path, rel)
	})
}

func (e *ToolExecutor) searchRoot(path string) (string, error) {
	if path == "" {
		return e.workDir, nil
	}
	return e.resolvePath(path)
}

func (e *ToolExecutor) execGlob(input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return failed("Invalid parameters: %v", err)
	}
	root, err := e.searchRoot(params.Path)
	if err != nil {
		return failed("%v", err)
	}

	var matches []string
	base := filepath.Base(params.Pattern)
	err = e.walk(root, func(path, rel string) error {
		if ok, _ := filepath.Match(base, filepath.Base(path)); ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return failed("Glob error: %v", err)
	}
	if len(matches) == 0 {
		return ToolResult{Content: "No files matched the pattern"}
	}
	return ToolResult{Content: truncateOutput(strings.Join(matches, "\n"))}
}

func (e *ToolExecutor) execGrep(ctx context.Context, input json.RawMessage) ToolResult {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return failed("Invalid parameters: %v", err)
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return failed("Invalid pattern: %v", err)
	}
	root, err := e.searchRoot(params.Path)
	if err != nil {
		return failed("%v", err)
	}

	var out strings.Builder
	err = e.walk(root, func(path, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if out.Len() > maxToolOutput {
			return filepath.SkipAll
		}
		if params.Glob != "" {
			if ok, _ := filepath.Match(params.Glob, filepath.Base(path)); !ok {
				return nil
			}
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for n := 1; sc.Scan(); n++ {
			if re.Match(sc.Bytes()) {
				fmt.Fprintf(&out, "%s:%d:%s\n", rel, n, sc.Text())
			}
		}
		return nil
	})
	if err != nil {
		return failed("Grep error: %v", err)
	}
	if out.Len() == 0 {
		return ToolResult{Content: "No matches found"}
	}
	return ToolResult{Content: truncateOutput(out.String())}
}

func (e *ToolExecutor) execListDir(input json.RawMessage) ToolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return failed("Invalid parameters: %v", err)
	}
	path, err := e.searchRoot(params.Path)
	if err != nil {
		return failed("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failed("Failed to read directory: %v", err)
	}

	var result strings.Builder
	for _, entry := range entries {
		info, err := entry.Info()
		switch {
		case err != nil:
			fmt.Fprintf(&result, "? %s\n", entry.Name())
		case entry.IsDir():
			fmt.Fprintf(&result, "d %s/\n", entry.Name())
		default:
			fmt.Fprintf(&result, "- %s (%d bytes)\n", entry.Name(), info.Size())
		}
	}
	return ToolResult{Content: result.String()}
}

func truncateOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}

// FormatToolAction returns a short description of a tool call for logs.
func FormatToolAction(name string, input json.RawMessage) string {
	var p struct {
		FilePath    string `json:"file_path"`
		Command     string `json:"command"`
		Description string `json:"description"`
		Pattern     string `json:"pattern"`
	}
	json.Unmarshal(input, &p)

	switch name {
	case "Read":
		return "Reading " + filepath.Base(p.FilePath)
	case "Write":
		return "Writing " + filepath.Base(p.FilePath)
	case "Edit":
		return "Editing " + filepath.Base(p.FilePath)
	case "Bash":
		if p.Description != "" {
			return p.Description
		}
		cmd := strings.Fields(p.Command)
		if len(cmd) == 0 {
			return "Running command"
		}
		if len(cmd[0]) > 20 {
			return "Running " + cmd[0][:17] + "..."
		}
		return "Running " + cmd[0]
	case "Glob":
		return "Searching " + p.Pattern
	case "Grep":
		pat := p.Pattern
		if len(pat) > 15 {
			pat = pat[:12] + "..."
		}
		return "Grep " + pat
	case "ListDir":
		return "Listing directory"
	default:
		return name
	}
}
