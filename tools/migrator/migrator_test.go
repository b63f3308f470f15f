package migrator

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("failed to check if table exists: %v", err)
	}
	return true
}

func migrationFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys["migrations/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

const createEntities = `-- +migrate Up
CREATE TABLE entities (id TEXT PRIMARY KEY);
`

const createEvents = `-- +migrate Up
-- +migrate Depends: 001
CREATE TABLE events (
	id TEXT PRIMARY KEY,
	entity_id TEXT REFERENCES entities(id)
);
`

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseMigration_Valid(t *testing.T) {
	migration, err := ParseMigration("001_create_entities.sql", []byte(createEntities))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if migration.Version != 1 {
		t.Errorf("expected version 1, got %d", migration.Version)
	}
	if migration.Name != "create_entities" {
		t.Errorf("expected name 'create_entities', got '%s'", migration.Name)
	}
	if !strings.Contains(migration.UpSQL, "CREATE TABLE entities") {
		t.Errorf("expected UpSQL to contain 'CREATE TABLE entities', got: %s", migration.UpSQL)
	}
	if migration.NoTransaction {
		t.Error("expected NoTransaction to be false")
	}
}

func TestParseMigration_WithDependencies(t *testing.T) {
	migration, err := ParseMigration("002_create_events.sql", []byte(createEvents))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(migration.Dependencies) != 1 || migration.Dependencies[0] != 1 {
		t.Errorf("expected dependency on version 1, got %v", migration.Dependencies)
	}
	if strings.Contains(migration.UpSQL, "+migrate") {
		t.Errorf("expected directives stripped from SQL, got: %s", migration.UpSQL)
	}
}

func TestParseMigration_NoTransaction(t *testing.T) {
	body := "-- +migrate Up notransaction\nPRAGMA journal_mode = WAL;\n"
	migration, err := ParseMigration("003_wal.sql", []byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !migration.NoTransaction {
		t.Error("expected NoTransaction to be true")
	}
}

func TestParseMigration_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		body     string
		wantErr  string
	}{
		{"bad filename", "1_x.sql", createEntities, "invalid migration filename"},
		{"missing marker", "001_x.sql", "CREATE TABLE x (id INT);", "missing '-- +migrate Up'"},
		{"empty sql", "001_x.sql", "-- +migrate Up\n-- nothing here\n", "no SQL statements"},
		{"bad dependency", "002_x.sql", "-- +migrate Up\n-- +migrate Depends: abc\nSELECT 1;", "invalid dependency version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMigration(tt.filename, []byte(tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoadMigrations_SortedAndIgnoresOtherFiles(t *testing.T) {
	fsys := migrationFS(map[string]string{
		"002_create_events.sql":   createEvents,
		"001_create_entities.sql": createEntities,
		"README.md":               "not a migration",
	})

	migrations, err := LoadMigrations(fsys, "migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("expected migrations sorted by version, got %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_Gap(t *testing.T) {
	fsys := migrationFS(map[string]string{
		"001_create_entities.sql": createEntities,
		"003_later.sql":           "-- +migrate Up\nSELECT 1;",
	})

	_, err := LoadMigrations(fsys, "migrations")
	if err == nil || !strings.Contains(err.Error(), "gap in migration versions") {
		t.Errorf("expected gap error, got %v", err)
	}
}

func TestLoadMigrations_CircularDependency(t *testing.T) {
	fsys := migrationFS(map[string]string{
		"001_a.sql": "-- +migrate Up\n-- +migrate Depends: 002\nSELECT 1;",
		"002_b.sql": "-- +migrate Up\n-- +migrate Depends: 001\nSELECT 1;",
	})

	_, err := LoadMigrations(fsys, "migrations")
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("expected circular dependency error, got %v", err)
	}
}

func TestLoadMigrations_MissingDirectory(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{}, "migrations")
	if err == nil {
		t.Error("expected error for missing directory")
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)
	fsys := migrationFS(map[string]string{
		"001_create_entities.sql": createEntities,
		"002_create_events.sql":   createEvents,
	})

	if err := RunMigrations(db, fsys, "migrations"); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	for _, table := range []string{"schema_migrations", "entities", "events"} {
		if !tableExists(t, db, table) {
			t.Errorf("expected table %s to exist", table)
		}
	}

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	fsys := migrationFS(map[string]string{"001_create_entities.sql": createEntities})

	for i := 0; i < 3; i++ {
		if err := RunMigrations(db, fsys, "migrations"); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("expected 1 applied migration, got %v", applied)
	}
}

func TestRunMigrations_FailedMigrationRollsBack(t *testing.T) {
	db := setupTestDB(t)
	fsys := migrationFS(map[string]string{
		"001_create_entities.sql": createEntities,
		"002_broken.sql":          "-- +migrate Up\nCREATE TABLE half (id INT);\nINSERT INTO missing_table VALUES (1);",
	})

	if err := RunMigrations(db, fsys, "migrations"); err == nil {
		t.Fatal("expected error from broken migration")
	}

	if tableExists(t, db, "half") {
		t.Error("expected partial migration to be rolled back")
	}

	version, _ := GetCurrentVersion(db)
	if version != 1 {
		t.Errorf("expected version 1 after failure, got %d", version)
	}
}

func TestGetCurrentVersion_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}
