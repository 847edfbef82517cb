package api

import (
	"testing"
)

func TestToolDefinitions(t *testing.T) {
	tools := ToolDefinitions()

	expectedTools := []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "ListDir"}
	if len(tools) != len(expectedTools) {
		t.Errorf("ToolDefinitions count = %d, want %d", len(tools), len(expectedTools))
	}

	for _, expectedName := range expectedTools {
		found := false
		for _, tool := range tools {
			if tool.OfTool != nil && tool.OfTool.Name == expectedName {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Missing expected tool: %s", expectedName)
		}
	}
}

func TestToolDefinitions_HasRequiredFields(t *testing.T) {
	for _, tool := range ToolDefinitions() {
		if tool.OfTool == nil {
			t.Fatal("expected OfTool to be set")
		}
		if len(tool.OfTool.InputSchema.Required) == 0 {
			t.Errorf("Tool %s has no required fields", tool.OfTool.Name)
		}
		props, ok := tool.OfTool.InputSchema.Properties.(map[string]interface{})
		if !ok {
			t.Fatalf("Tool %s properties have unexpected type", tool.OfTool.Name)
		}
		for _, req := range tool.OfTool.InputSchema.Required {
			if _, ok := props[req]; !ok {
				t.Errorf("Tool %s requires undeclared field %s", tool.OfTool.Name, req)
			}
		}
	}
}
