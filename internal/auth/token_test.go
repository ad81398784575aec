package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Avery" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub: "user-1",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, err := IssueFor([]byte("secret"), "user-1", "Avery", time.Hour)
	if err != nil {
		t.Fatalf("IssueFor() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken() with wrong secret error = %v", err)
	}
	if _, err := ParseToken([]byte("secret"), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("ParseToken(garbage) error = %v", err)
	}
}

func TestResolver(t *testing.T) {
	resolver := NewResolver("secret")
	token, err := IssueFor([]byte("secret"), "user-2", "Robin", time.Hour)
	if err != nil {
		t.Fatalf("IssueFor() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/api/commits", nil)
	if _, err := resolver.Resolve(req); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("Resolve() without header error = %v", err)
	}

	req.Header.Set("Authorization", "Basic abc")
	if _, err := resolver.Resolve(req); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Resolve() with basic auth error = %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	claims, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if claims.Sub != "user-2" || claims.Name != "Robin" || claims.JTI == "" {
		t.Fatalf("claims = %+v", claims)
	}
}
