// Package mcpauth authenticates MCP clients with pre-shared bearer keys.
// A write key may run dumps, loads and cleanups; a read key may only
// inspect snapshots.
package mcpauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/auth"
)

const (
	ScopeRead  = "snapshots:read"
	ScopeWrite = "snapshots:write"

	EnvWriteKey = "DBSHIFT_MCP_API_KEY"
	EnvReadKey  = "DBSHIFT_MCP_READ_KEY"
)

var ErrForbidden = errors.New("token lacks the required scope")

type tokenInfoKey struct{}

func ContextWithTokenInfo(ctx context.Context, info *auth.TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey{}, info)
}

func TokenInfoFromContext(ctx context.Context) *auth.TokenInfo {
	if info, ok := ctx.Value(tokenInfoKey{}).(*auth.TokenInfo); ok {
		return info
	}
	return nil
}

// HasScope reports whether info grants scope. A nil info grants nothing.
func HasScope(info *auth.TokenInfo, scope string) bool {
	return info != nil && slices.Contains(info.Scopes, scope)
}

type key struct {
	hash   [sha256.Size]byte
	scopes []string
}

// Authenticator holds only hashes of the configured keys.
type Authenticator struct {
	keys []key
}

// NewAuthenticator accepts either key empty. The write key also carries
// the read scope.
func NewAuthenticator(writeKey, readKey string) *Authenticator {
	a := &Authenticator{}
	if writeKey != "" {
		a.keys = append(a.keys, key{hash: sha256.Sum256([]byte(writeKey)), scopes: []string{ScopeRead, ScopeWrite}})
	}
	if readKey != "" && readKey != writeKey {
		a.keys = append(a.keys, key{hash: sha256.Sum256([]byte(readKey)), scopes: []string{ScopeRead}})
	}
	return a
}

// FromEnv reads the keys from DBSHIFT_MCP_API_KEY and DBSHIFT_MCP_READ_KEY.
func FromEnv() *Authenticator {
	return NewAuthenticator(os.Getenv(EnvWriteKey), os.Getenv(EnvReadKey))
}

func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0
}

// TokenVerifier matches the go-sdk auth.TokenVerifier signature.
func (a *Authenticator) TokenVerifier() auth.TokenVerifier {
	return func(ctx context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		return a.verify(token)
	}
}

func (a *Authenticator) verify(token string) (*auth.TokenInfo, error) {
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	// hashes have a fixed length, so the comparison leaks nothing about the key
	sum := sha256.Sum256([]byte(token))
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], k.hash[:]) == 1 {
			return &auth.TokenInfo{
				Scopes: slices.Clone(k.scopes),
				Extra:  map[string]any{"key_id": HashToken(token)[:12]},
			}, nil
		}
	}
	return nil, auth.ErrInvalidToken
}

// ValidateAuthHeader checks an Authorization header of the form "Bearer <key>".
func (a *Authenticator) ValidateAuthHeader(header string) (*auth.TokenInfo, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return a.verify(strings.TrimSpace(token))
}

// HashToken returns the hex SHA-256 of a token, for logging key ids.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
