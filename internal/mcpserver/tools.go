package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
)

func (s *Server) serverTools() []server.ServerTool {
	var out []server.ServerTool
	for _, t := range s.registry.All() {
		if !s.level.Grants(t.MinLevel()) {
			continue
		}
		out = append(out, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(t.Name(), t.Description(), t.Parameters()),
			Handler: s.handler(t.Name()),
		})
	}
	return out
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if err := req.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}

		out, err := s.registry.Execute(ctx, s.level, name, string(args))
		if err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("MCP tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		log.Debug().Str("tool", name).Int("bytes", len(out)).Msg("MCP tool call")
		return mcp.NewToolResultText(out), nil
	}
}
