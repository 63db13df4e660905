// Package mcpclient models the MCP tool protocol as an external
// collaborator boundary: a Client interface describing what an Autonomous
// or Collaborative pool agent needs from a tool provider, plus a schema
// validator for tool-call arguments and a stub implementation for tests
// and environments with no MCP server configured.
package mcpclient

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a tool surfaced to an agent's LLM call, in the
// same shape the LLM client's function-calling request expects.
type ToolDefinition struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ParametersSchema json.RawMessage `json:"parameters_schema"`
}

// ToolCall is an LLM's request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Client abstracts MCP tool discovery and execution for a single
// configured server. Every method is safe for concurrent use.
type Client interface {
	// ListTools returns the tool definitions this server advertises.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// CallTool validates call.Arguments against the named tool's schema
	// (when known) and executes it, returning the tool's result.
	CallTool(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Close releases any underlying transport (subprocess, connection).
	Close() error
}
