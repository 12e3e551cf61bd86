package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"cowrite/api/db"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(db.Migrations(), ".")
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

func TestHistoryImmutabilityMigrationUsesBlockingTriggers(t *testing.T) {
	sqlBytes, err := fs.ReadFile(db.Migrations(), "0002_history_immutability.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"project_history_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_project_history_block_update",
		"CREATE TRIGGER trg_project_history_block_delete",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestHistoryTypeConstraintListsEveryType(t *testing.T) {
	sqlBytes, err := fs.ReadFile(db.Migrations(), "0001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, typ := range []string{
		"project_created", "content_updated", "version_created", "version_switched",
		"collaborator_joined", "collaborator_left", "ai_message",
		"ai_generated_content", "ai_improved_content", "suggestion_applied",
	} {
		if !strings.Contains(string(sqlBytes), "'"+typ+"'") {
			t.Fatalf("history type %q missing from CHECK constraint", typ)
		}
	}
}
