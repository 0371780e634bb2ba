// Package mcpserver exposes the gateway's built-in tools over stdio
// JSON-RPC using the Model Context Protocol, so local agents can use the
// same web, file and command tools under the same access policy.
package mcpserver

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"
	zlog "github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/tools"
)

// Server serves one tool registry at a fixed access level.
type Server struct {
	registry *tools.Registry
	level    access.Level
	version  string
}

// NewServer creates an MCP server for registry. Only tools that level
// grants are listed or callable.
func NewServer(registry *tools.Registry, level access.Level, version string) *Server {
	return &Server{registry: registry, level: level, version: version}
}

// MCPServer builds the protocol server with every permitted tool added.
func (s *Server) MCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"homegate",
		s.version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(s.serverTools()...)
	return mcpServer
}

// Run serves MCP on in and out until ctx is cancelled or in is closed.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.MCPServer())
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	zlog.Info().Str("level", s.level.String()).Int("tools", len(s.serverTools())).Msg("serving tools over MCP")
	return stdio.Listen(ctx, in, out)
}
