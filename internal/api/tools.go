package api

import (
	"github.com/anthropics/anthropic-sdk-go"
)

type prop struct {
	typ, desc string
}

func tool(name, desc string, props map[string]prop, required ...string) anthropic.ToolUnionParam {
	schema := make(map[string]interface{}, len(props))
	for k, p := range props {
		schema[k] = map[string]interface{}{"type": p.typ, "description": p.desc}
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema,
				Required:   required,
			},
		},
	}
}

// ToolDefinitions returns the tools offered to the model. Every path they
// accept is resolved inside the invocation's working directory.
func ToolDefinitions() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		tool("Read", "Read a file in the working directory. Returns contents with line numbers.", map[string]prop{
			"file_path": {"string", "Path to the file, relative to the working directory"},
			"offset":    {"integer", "Line number to start reading from (1-indexed, optional)"},
			"limit":     {"integer", "Maximum number of lines to read (optional)"},
		}, "file_path"),
		tool("Write", "Write content to a file. Creates parent directories if needed.", map[string]prop{
			"file_path": {"string", "Path to the file to write"},
			"content":   {"string", "Content to write to the file"},
		}, "file_path", "content"),
		tool("Edit", "Edit a file by replacing text. The old_string must be unique unless replace_all is true.", map[string]prop{
			"file_path":   {"string", "Path to the file to edit"},
			"old_string":  {"string", "The exact text to find and replace"},
			"new_string":  {"string", "The text to replace it with"},
			"replace_all": {"boolean", "If true, replace all occurrences (default: false)"},
		}, "file_path", "old_string", "new_string"),
		tool("Bash", "Execute a shell command in the working directory and return the output.", map[string]prop{
			"command":     {"string", "The command to execute"},
			"timeout":     {"integer", "Timeout in milliseconds (optional, default 120000)"},
			"description": {"string", "Description of what this command does"},
		}, "command"),
		tool("Glob", "Find files whose name matches a glob pattern.", map[string]prop{
			"pattern": {"string", "Glob pattern to match (e.g., '**/*.go')"},
			"path":    {"string", "Directory to search in (optional, defaults to working directory)"},
		}, "pattern"),
		tool("Grep", "Search file contents with a regular expression.", map[string]prop{
			"pattern": {"string", "Regex pattern to search for"},
			"path":    {"string", "File or directory to search in (optional)"},
			"glob":    {"string", "Glob pattern to filter file names (e.g., '*.go')"},
		}, "pattern"),
		tool("ListDir", "List contents of a directory.", map[string]prop{
			"path": {"string", "Directory path to list"},
		}, "path"),
	}
}
