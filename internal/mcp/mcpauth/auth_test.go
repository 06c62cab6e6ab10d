package mcpauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestNewAuthenticator_NoKeys(t *testing.T) {
	a := NewAuthenticator("", "")
	if a.Enabled() {
		t.Error("Expected Enabled() to be false when no key is set")
	}
	if _, err := a.ValidateAuthHeader("Bearer anything"); err == nil {
		t.Error("Expected every token to be rejected")
	}
}

func TestFromEnv(t *testing.T) {
	os.Setenv(EnvWriteKey, "write-key")
	os.Setenv(EnvReadKey, "read-key")
	defer os.Unsetenv(EnvWriteKey)
	defer os.Unsetenv(EnvReadKey)

	a := FromEnv()
	if !a.Enabled() {
		t.Fatal("Expected Enabled() to be true when keys are set")
	}
	if _, err := a.ValidateAuthHeader("Bearer read-key"); err != nil {
		t.Errorf("read key rejected: %v", err)
	}
}

func TestAuthenticator_Scopes(t *testing.T) {
	a := NewAuthenticator("write-key", "read-key")
	verifier := a.TokenVerifier()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)

	tests := []struct {
		token     string
		wantRead  bool
		wantWrite bool
		wantErr   bool
	}{
		{"write-key", true, true, false},
		{"read-key", true, false, false},
		{"wrong-key", false, false, true},
		{"", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			info, err := verifier(context.Background(), tt.token, req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("verifier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := HasScope(info, ScopeRead); got != tt.wantRead {
				t.Errorf("read scope = %v, want %v", got, tt.wantRead)
			}
			if got := HasScope(info, ScopeWrite); got != tt.wantWrite {
				t.Errorf("write scope = %v, want %v", got, tt.wantWrite)
			}
		})
	}
}

func TestAuthenticator_SameKeyForBoth(t *testing.T) {
	a := NewAuthenticator("shared", "shared")
	info, err := a.ValidateAuthHeader("Bearer shared")
	if err != nil {
		t.Fatal(err)
	}
	if !HasScope(info, ScopeWrite) {
		t.Error("a key configured as both should keep the write scope")
	}
}

func TestAuthenticator_ValidateAuthHeader(t *testing.T) {
	a := NewAuthenticator("my-secret-key", "")

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid bearer", "Bearer my-secret-key", false},
		{"missing bearer prefix", "my-secret-key", true},
		{"lowercase scheme", "bearer my-secret-key", true},
		{"empty header", "", true},
		{"empty token", "Bearer ", true},
		{"prefix of key", "Bearer my-secret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ValidateAuthHeader(tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAuthHeader(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
		})
	}
}

func TestHashToken(t *testing.T) {
	hash1 := HashToken("test-token")
	hash2 := HashToken("test-token")
	hash3 := HashToken("different-token")

	if hash1 != hash2 {
		t.Error("Same token should produce same hash")
	}
	if hash1 == hash3 {
		t.Error("Different tokens should produce different hashes")
	}
	if len(hash1) != 64 {
		t.Errorf("Expected 64 character hex hash, got %d", len(hash1))
	}
}

func TestContextWithTokenInfo(t *testing.T) {
	a := NewAuthenticator("test-key", "")
	info, err := a.ValidateAuthHeader("Bearer test-key")
	if err != nil {
		t.Fatal(err)
	}

	ctx := ContextWithTokenInfo(context.Background(), info)
	retrieved := TokenInfoFromContext(ctx)
	if retrieved == nil {
		t.Fatal("Expected to retrieve tokenInfo from context")
	}
	if !HasScope(retrieved, ScopeWrite) {
		t.Errorf("Expected write scope, got %v", retrieved.Scopes)
	}

	if TokenInfoFromContext(context.Background()) != nil {
		t.Error("Expected nil tokenInfo from empty context")
	}
}
