package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/happy-geeks/wiser-sub008/internal/auth"
	"github.com/happy-geeks/wiser-sub008/internal/config"
)

func TestIssueTokenUsesConfiguredTTL(t *testing.T) {
	cfg := config.Config{JWTSecret: "cmd-secret", TokenTTL: 2 * time.Hour}
	root := newRootCommand(cfg, zerolog.Nop())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"issue-token", "--user", "u-7", "--name", "Sam"})

	before := time.Now()
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	claims, err := auth.ParseToken([]byte(cfg.JWTSecret), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "u-7" || claims.Name != "Sam" {
		t.Fatalf("claims = %+v", claims)
	}
	expires := time.Unix(claims.Exp, 0)
	if expires.Before(before.Add(2*time.Hour-time.Minute)) || expires.After(before.Add(2*time.Hour+time.Minute)) {
		t.Fatalf("expiry %s is not two hours out", expires)
	}
}

func TestIssueTokenRequiresUser(t *testing.T) {
	root := newRootCommand(config.Config{JWTSecret: "cmd-secret", TokenTTL: time.Hour}, zerolog.Nop())
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"issue-token"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an error without --user")
	}
}
