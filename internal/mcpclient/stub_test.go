package mcpclient_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/meridian/internal/mcpclient"
)

func searchTool() mcpclient.ToolDefinition {
	return mcpclient.ToolDefinition{
		Name:        "search_docs",
		Description: "Search internal documentation",
		ParametersSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
	}
}

func TestStubClient_ListTools(t *testing.T) {
	client, err := mcpclient.NewStubClient([]mcpclient.ToolDefinition{searchTool()})
	if err != nil {
		t.Fatalf("NewStubClient: %v", err)
	}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search_docs" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestStubClient_CallTool_ValidArguments(t *testing.T) {
	client, err := mcpclient.NewStubClient([]mcpclient.ToolDefinition{searchTool()})
	if err != nil {
		t.Fatalf("NewStubClient: %v", err)
	}

	res, err := client.CallTool(context.Background(), mcpclient.ToolCall{
		ID:        "call-1",
		Name:      "search_docs",
		Arguments: json.RawMessage(`{"query": "deploy runbook"}`),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got error result: %s", res.Content)
	}
}

func TestStubClient_CallTool_InvalidArgumentsRejected(t *testing.T) {
	client, err := mcpclient.NewStubClient([]mcpclient.ToolDefinition{searchTool()})
	if err != nil {
		t.Fatalf("NewStubClient: %v", err)
	}

	res, err := client.CallTool(context.Background(), mcpclient.ToolCall{
		ID:        "call-2",
		Name:      "search_docs",
		Arguments: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected a validation error result, got success: %+v", res)
	}
}

func TestStubClient_CallTool_UnknownToolSkipsValidation(t *testing.T) {
	client, err := mcpclient.NewStubClient(nil)
	if err != nil {
		t.Fatalf("NewStubClient: %v", err)
	}

	res, err := client.CallTool(context.Background(), mcpclient.ToolCall{
		ID:        "call-3",
		Name:      "unregistered_tool",
		Arguments: json.RawMessage(`{"anything": true}`),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected pass-through success for unregistered tool, got: %s", res.Content)
	}
}
