package tools

import (
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/auth"

	"github.com/localrivet/dbshift/internal/backup"
	"github.com/localrivet/dbshift/internal/config"
	"github.com/localrivet/dbshift/internal/mcp/mcpauth"
	"github.com/localrivet/dbshift/internal/restore"
	"github.com/localrivet/dbshift/internal/storage"
)

// ToolContext carries what the snapshot tools need. The engines are shared
// across requests so a dump started over MCP and one started by the
// scheduler still exclude each other.
type ToolContext struct {
	Config    *config.Config
	Storage   storage.Backend
	Snapshots *backup.Engine
	Restore   *restore.Engine
	Logger    *slog.Logger
	// Token is the authenticated caller; nil when the server is not behind
	// the HTTP auth layer.
	Token *auth.TokenInfo
}

// WithToken returns a copy bound to one caller.
func (tc *ToolContext) WithToken(info *auth.TokenInfo) *ToolContext {
	c := *tc
	c.Token = info
	return &c
}

func (tc *ToolContext) require(scope string) error {
	if tc.Token == nil || mcpauth.HasScope(tc.Token, scope) {
		return nil
	}
	return fmt.Errorf("%w: %s", mcpauth.ErrForbidden, scope)
}
