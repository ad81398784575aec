// Package auth issues and verifies the HMAC-signed bearer tokens that carry
// the caller's identity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrMissingToken = errors.New("missing bearer token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

// IssueFor signs a token for one user valid for ttl.
func IssueFor(secret []byte, userID, name string, ttl time.Duration) (string, error) {
	return IssueToken(secret, Claims{
		Sub:  userID,
		Name: name,
		JTI:  uuid.NewString(),
		Exp:  time.Now().Add(ttl).Unix(),
	})
}

func ParseToken(secret []byte, token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

// Resolver turns request credentials into claims.
type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// Resolve reads the Authorization bearer token of r.
func (r *Resolver) Resolve(req *http.Request) (Claims, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		return Claims{}, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Claims{}, ErrInvalidToken
	}
	return ParseToken(r.secret, strings.TrimSpace(token))
}
