package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// schemaObjects are the relations and triggers the engine relies on.
var schemaObjects = []struct {
	name  string
	query string
}{
	{"entity_versions", `SELECT to_regclass('public.entity_versions') IS NOT NULL`},
	{"publish_log", `SELECT to_regclass('public.publish_log') IS NOT NULL`},
	{"commit_items", `SELECT to_regclass('public.commit_items') IS NOT NULL`},
	{"review_comments", `SELECT to_regclass('public.review_comments') IS NOT NULL`},
	{"reviews_one_pending_per_commit", `SELECT to_regclass('public.reviews_one_pending_per_commit') IS NOT NULL`},
	{"trg_publish_log_block_update", `SELECT EXISTS(SELECT 1 FROM pg_trigger WHERE tgname = 'trg_publish_log_block_update')`},
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("WISER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("WISER_TEST_DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	dir := filepath.Join("..", "..", "db", "migrations")
	applied, err := ApplyMigrations(ctx, db, dir)
	if err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	ups, err := upMigrations(dir)
	if err != nil {
		t.Fatalf("upMigrations() error = %v", err)
	}
	if len(applied) != len(ups) {
		t.Fatalf("applied %v, want all of %d migrations", applied, len(ups))
	}
	requireSchema(t, ctx, db, true)
	requireOnePendingReview(t, ctx, db)

	again, err := ApplyMigrations(ctx, db, dir)
	if err != nil || len(again) != 0 {
		t.Fatalf("second ApplyMigrations() = %v, %v; want nothing pending", again, err)
	}

	for i := len(ups) - 1; i >= 0; i-- {
		down := strings.TrimSuffix(ups[i], ".up.sql") + ".down.sql"
		contents, err := os.ReadFile(down)
		if err != nil {
			t.Fatalf("read %s: %v", filepath.Base(down), err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(down), err)
		}
	}
	requireSchema(t, ctx, db, false)

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("ApplyMigrations() after down error = %v", err)
	}
	requireSchema(t, ctx, db, true)
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func requireSchema(t *testing.T, ctx context.Context, db *sql.DB, want bool) {
	t.Helper()
	for _, object := range schemaObjects {
		var present bool
		if err := db.QueryRowContext(ctx, object.query).Scan(&present); err != nil {
			t.Fatalf("check %s: %v", object.name, err)
		}
		if present != want {
			t.Fatalf("%s present = %v, want %v", object.name, present, want)
		}
	}
}

func requireOnePendingReview(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	var commitID int64
	if err := db.QueryRowContext(ctx,
		`INSERT INTO commits (description, added_by) VALUES ('migration check', 'u-1') RETURNING id`,
	).Scan(&commitID); err != nil {
		t.Fatalf("insert commit: %v", err)
	}
	insert := `INSERT INTO reviews (commit_id, requested_by, status) VALUES ($1, 'u-1', $2)`
	if _, err := db.ExecContext(ctx, insert, commitID, "pending"); err != nil {
		t.Fatalf("insert first pending review: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, commitID, "pending"); err == nil {
		t.Fatal("expected a second pending review on one commit to be rejected")
	}
	if _, err := db.ExecContext(ctx, insert, commitID, "approved"); err != nil {
		t.Fatalf("insert decided review: %v", err)
	}
}
