package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationVersionsAreContiguous(t *testing.T) {
	entries, err := os.ReadDir(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)
	expected := 1
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			t.Fatalf("parse version of %s: %v", entry.Name(), err)
		}
		if version != expected {
			t.Fatalf("migration %s: version = %d, want %d", entry.Name(), version, expected)
		}
		expected++
	}
}
