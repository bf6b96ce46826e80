// Package mcp exposes stagegate operations as MCP tools over stdio.
//
// The adapter holds no business logic: every tool delegates to the maturity
// engine, the decision-gate tracker, or the payment-gate validator, so an
// agent driving a project goes through exactly the same gates a human does.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"stagegate/internal/engine"
)

// Server is an MCP server bound to one workspace engine.
type Server struct {
	mcp    *mcp.Server
	engine engine.Engine
}

// NewServer creates the MCP server and registers all tools.
func NewServer(e engine.Engine) *Server {
	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    "stagegate",
				Version: "0.1.0",
			},
			nil,
		),
		engine: e,
	}
	s.registerTools()
	return s
}

// Run serves MCP on the stdio transport until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("mcp server run failed: %w", err)
	}
	return nil
}

func (s *Server) projectID(override string) string {
	if override != "" {
		return override
	}
	return s.engine.Config.Project.ID
}

func actorOrDefault(actorID string) string {
	if actorID == "" {
		return "mcp-agent"
	}
	return actorID
}
