package auth

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	// Check prefix
	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("GenerateAPIKey() = %v, want prefix %v", key, KeyPrefix)
	}

	// Check length (prefix + base64-encoded 32 bytes)
	// Base64 URL encoding without padding: 32 bytes -> 43 characters
	expectedLen := len(KeyPrefix) + 43
	if len(key) != expectedLen {
		t.Errorf("GenerateAPIKey() length = %v, want %v", len(key), expectedLen)
	}
}

func TestGenerateSecret_Unique(t *testing.T) {
	a, err := GenerateSecret("trg_")
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	b, _ := GenerateSecret("trg_")
	if a == b {
		t.Error("GenerateSecret() returned the same secret twice")
	}
	if !strings.HasPrefix(a, "trg_") {
		t.Errorf("GenerateSecret() = %v, want prefix trg_", a)
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	key := "test-api-key-12345"

	// Hash the key
	hash, err := HashSecret(key)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}

	// Verify correct key
	if !VerifySecret(key, hash) {
		t.Error("VerifySecret() failed for correct key")
	}

	// Verify incorrect key
	if VerifySecret("wrong-key", hash) {
		t.Error("VerifySecret() succeeded for incorrect key")
	}
}

func TestVerifyAPIKeyConstantTime(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
		want     bool
	}{
		{"equal", "admin-123", "admin-123", true},
		{"not equal", "admin-456", "admin-123", false},
		{"empty got", "", "admin-123", false},
		{"empty expected", "admin-123", "", false},
		{"both empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyAPIKeyConstantTime(tt.got, tt.expected); got != tt.want {
				t.Errorf("VerifyAPIKeyConstantTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		want       string
	}{
		{"with Bearer prefix", "Bearer token123", "token123"},
		{"with bearer lowercase", "bearer token456", "token456"},
		{"with extra spaces", "Bearer  token789  ", "token789"},
		{"without Bearer prefix", "token999", "token999"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractBearerToken(tt.authHeader); got != tt.want {
				t.Errorf("ExtractBearerToken() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateRole(t *testing.T) {
	tests := []struct {
		name string
		role string
		want bool
	}{
		{"client", "client", true},
		{"admin", "admin", true},
		{"readonly", "readonly", false},
		{"invalid", "invalid", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateRole(tt.role); got != tt.want {
				t.Errorf("ValidateRole() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name         string
		userRole     Role
		requiredRole Role
		want         bool
	}{
		{"admin can do admin", RoleAdmin, RoleAdmin, true},
		{"admin can do client", RoleAdmin, RoleClient, true},
		{"client can do client", RoleClient, RoleClient, true},
		{"client cannot do admin", RoleClient, RoleAdmin, false},
		{"unknown role can do nothing", Role("guest"), RoleClient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasPermission(tt.userRole, tt.requiredRole); got != tt.want {
				t.Errorf("HasPermission() = %v, want %v", got, tt.want)
			}
		})
	}
}
