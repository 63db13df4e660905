package mcpclient

import (
	"context"
	"fmt"
)

// StubClient returns canned tool results without talking to a real MCP
// server. It is the default Client for agents with no mcp_servers
// configured, and exercises ArgumentValidator the same way a real
// transport would.
type StubClient struct {
	tools     []ToolDefinition
	validator *ArgumentValidator
}

// NewStubClient builds a StubClient advertising the given tools, compiling
// each one's parameter schema up front so CallTool validates arguments the
// same way a live MCP server's would.
func NewStubClient(tools []ToolDefinition) (*StubClient, error) {
	v := NewArgumentValidator()
	for _, t := range tools {
		if err := v.Register(t.Name, t.ParametersSchema); err != nil {
			return nil, err
		}
	}
	return &StubClient{tools: tools, validator: v}, nil
}

func (s *StubClient) ListTools(_ context.Context) ([]ToolDefinition, error) {
	return s.tools, nil
}

func (s *StubClient) CallTool(_ context.Context, call ToolCall) (*ToolResult, error) {
	if err := s.validator.Validate(call.Name, call.Arguments); err != nil {
		return &ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: err.Error(),
			IsError: true,
		}, nil
	}

	return &ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: fmt.Sprintf("stub result for %s(%s)", call.Name, string(call.Arguments)),
		IsError: false,
	}, nil
}

func (s *StubClient) Close() error { return nil }
