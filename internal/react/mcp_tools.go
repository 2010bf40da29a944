package react

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPToolCatalog adapts an MCP server's tool list into the ToolSpec slice
// the prompt builder renders, so round 1's tool catalog can be sourced
// from an external MCP server instead of a hardcoded registry.
type MCPToolCatalog struct {
	cli *client.Client
}

// NewMCPToolCatalog wraps an already-initialized MCP client.
func NewMCPToolCatalog(cli *client.Client) *MCPToolCatalog {
	return &MCPToolCatalog{cli: cli}
}

// List queries the MCP server for its tool list and converts each
// mcp.Tool into a ToolSpec.
func (c *MCPToolCatalog) List(ctx context.Context) ([]ToolSpec, error) {
	result, err := c.cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp tools: %w", err)
	}

	specs := make([]ToolSpec, 0, len(result.Tools))
	for _, tool := range result.Tools {
		params := map[string]any{
			"type":       tool.InputSchema.Type,
			"properties": tool.InputSchema.Properties,
			"required":   tool.InputSchema.Required,
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Params:      params,
		})
	}
	return specs, nil
}
