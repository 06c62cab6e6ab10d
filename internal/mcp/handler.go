package mcp

import (
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localrivet/dbshift/internal/mcp/mcpauth"
	"github.com/localrivet/dbshift/internal/mcp/oauth"
	"github.com/localrivet/dbshift/internal/mcp/tools"
)

// Path is where the daemon mounts the handler.
const Path = "/mcp"

// Handler serves MCP over streamable HTTP behind bearer key authentication.
// Keys come from DBSHIFT_MCP_API_KEY and DBSHIFT_MCP_READ_KEY.
type Handler struct {
	tools         *tools.ToolContext
	authenticator *mcpauth.Authenticator
	discovery     *oauth.Handler
	httpHandler   http.Handler
}

// NewHandler builds the handler. baseURL is the externally visible origin
// used in discovery documents.
func NewHandler(tc *tools.ToolContext, authenticator *mcpauth.Authenticator, baseURL string) *Handler {
	h := &Handler{
		tools:         tc,
		authenticator: authenticator,
		discovery:     oauth.NewHandler(baseURL, Path),
	}

	if !authenticator.Enabled() {
		tc.Logger.Warn(mcpauth.EnvWriteKey + " not set - MCP endpoint will reject all requests")
	}

	streamHandler := mcp.NewStreamableHTTPHandler(
		h.serverForRequest,
		&mcp.StreamableHTTPOptions{
			Stateless: true,
		},
	)
	h.httpHandler = h.authMiddleware(streamHandler)

	return h
}

// RegisterRoutes mounts the MCP endpoint and its discovery documents.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(Path, h)
	h.discovery.RegisterRoutes(mux)
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.tools.Logger.Debug("MCP request",
			"method", r.Method,
			"path", r.URL.Path,
			"session", r.Header.Get("Mcp-Session-Id"),
		)

		if !h.authenticator.Enabled() {
			http.Error(w, "MCP endpoint not configured", http.StatusServiceUnavailable)
			return
		}

		info, err := h.authenticator.ValidateAuthHeader(r.Header.Get("Authorization"))
		if err != nil {
			h.writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(mcpauth.ContextWithTokenInfo(r.Context(), info)))
	})
}

// writeUnauthorized answers with an RFC 9728 challenge pointing at the
// protected resource metadata.
func (h *Handler) writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata=%q, scope=%q`,
		h.discovery.ResourceMetadataURL(), mcpauth.ScopeRead+" "+mcpauth.ScopeWrite))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// serverForRequest builds a server bound to the caller's scopes; the
// engines behind it are shared.
func (h *Handler) serverForRequest(r *http.Request) *mcp.Server {
	return NewServer(h.tools.WithToken(mcpauth.TokenInfoFromContext(r.Context())))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}

func (h *Handler) Enabled() bool {
	return h.authenticator.Enabled()
}
