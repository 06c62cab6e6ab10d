// Package oauth serves the discovery documents MCP clients fetch before
// sending a bearer key. No authorization flow is offered; keys are
// provisioned out of band.
package oauth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/localrivet/dbshift/internal/mcp/mcpauth"
)

const (
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
	AuthServerPath        = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata follows RFC 9728.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// AuthorizationServerMetadata follows RFC 8414.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

var scopes = []string{mcpauth.ScopeRead, mcpauth.ScopeWrite}

type Handler struct {
	baseURL      string
	resourcePath string
}

// NewHandler describes the MCP endpoint mounted at resourcePath under baseURL.
func NewHandler(baseURL, resourcePath string) *Handler {
	if !strings.HasPrefix(resourcePath, "/") {
		resourcePath = "/" + resourcePath
	}
	return &Handler{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		resourcePath: resourcePath,
	}
}

// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
func (h *Handler) ResourceMetadataURL() string {
	return h.baseURL + ProtectedResourcePath
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(ProtectedResourcePath, h.HandleProtectedResourceMetadata)
	mux.HandleFunc(AuthServerPath, h.HandleAuthServerMetadata)
}

func (h *Handler) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, ProtectedResourceMetadata{
		Resource:               h.baseURL + h.resourcePath,
		AuthorizationServers:   []string{h.baseURL},
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "dbshift",
	})
}

func (h *Handler) HandleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, AuthorizationServerMetadata{
		Issuer:                            h.baseURL,
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{},
		GrantTypesSupported:               []string{},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, doc any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(doc)
}
