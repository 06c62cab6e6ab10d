// Package mcp exposes the snapshot engines as Model Context Protocol tools.
package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localrivet/dbshift/internal/mcp/tools"
)

const (
	serverName    = "dbshift"
	serverVersion = "1.0.0"
)

// NewServer creates an MCP server with every snapshot tool registered.
func NewServer(tc *tools.ToolContext) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	tools.RegisterSnapshotTools(server, tc)

	return server
}
