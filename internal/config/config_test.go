package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "DATABASE_URL", "REDIS_URL", "WISER_LOCK_TTL_SECONDS", "MINIO_USE_SSL", "MINIO_BUCKET"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatalf("expected memory store and local locker by default, got %+v", cfg)
	}
	if cfg.LockTTL != 30*time.Second || cfg.LockWait != 5*time.Second {
		t.Fatalf("lock durations = %v / %v", cfg.LockTTL, cfg.LockWait)
	}
	if cfg.MinioBucket != "wiser-releases" || cfg.MinioUseSSL {
		t.Fatalf("minio defaults = %q / %v", cfg.MinioBucket, cfg.MinioUseSSL)
	}
	if cfg.BlockRejectedReviews {
		t.Fatal("rejected reviews must not block by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("DATABASE_URL", "postgres://wiser@db/wiser")
	t.Setenv("WISER_LOCK_TTL_SECONDS", "12")
	t.Setenv("WISER_LOCK_WAIT_SECONDS", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("LOG_PRETTY", "1")
	t.Setenv("WISER_BLOCK_REJECTED_REVIEWS", "yes")

	cfg := Load()
	if cfg.Addr != ":9000" || cfg.DatabaseURL != "postgres://wiser@db/wiser" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.LockTTL != 12*time.Second {
		t.Fatalf("LockTTL = %v", cfg.LockTTL)
	}
	if cfg.LockWait != 5*time.Second {
		t.Fatalf("LockWait = %v, want fallback for bad input", cfg.LockWait)
	}
	if !cfg.MinioUseSSL || !cfg.LogPretty {
		t.Fatalf("bool overrides not applied: %+v", cfg)
	}
	if cfg.BlockRejectedReviews {
		t.Fatal("unparseable bool should fall back to false")
	}
}
