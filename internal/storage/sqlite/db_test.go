package sqlite

import (
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

// openTestDB opens and migrates a database in a temp dir.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "proctor.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestOpen_Pragmas(t *testing.T) {
	db := openTestDB(t)

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journal); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys error = %v", err)
	}
	if journal != "wal" || fk != 1 {
		t.Errorf("journal_mode = %q, foreign_keys = %d; want wal, 1", journal, fk)
	}
}

func TestMigrate_EmbeddedSchema(t *testing.T) {
	db := openTestDB(t)

	// a second run is a no-op
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if v, _ := db.Version(); v != 2 {
		t.Errorf("Version() = %d; want 2", v)
	}

	for _, table := range []string{"results", "histories"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrateFS_FailedMigrationRollsBack(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "proctor.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"001_ok.sql":     {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"002_broken.sql": {Data: []byte("CREATE TABLE b (id INTEGER); NOT SQL;")},
		"README.md":      {Data: []byte("ignored")},
	}
	err = db.MigrateFS(fsys)
	if err == nil || !strings.Contains(err.Error(), "002_broken.sql") {
		t.Fatalf("MigrateFS() error = %v; want failure naming 002_broken.sql", err)
	}
	if v, _ := db.Version(); v != 1 {
		t.Errorf("Version() = %d; want 1", v)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name='b'").Scan(&n)
	if n != 0 {
		t.Error("table from failed migration survived")
	}
}

func TestLoadMigrations(t *testing.T) {
	got, err := LoadMigrations(fstest.MapFS{
		"010_later.sql": {Data: []byte("SELECT 1;")},
		"002_early.sql": {Data: []byte("SELECT 2;")},
		"notes.sql":     {Data: []byte("ignored")},
	})
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(got) != 2 || got[0].Version != 2 || got[1].Name != "010_later.sql" {
		t.Errorf("LoadMigrations() = %+v", got)
	}

	_, err = LoadMigrations(fstest.MapFS{
		"003_a.sql": {Data: []byte("SELECT 1;")},
		"003_b.sql": {Data: []byte("SELECT 1;")},
	})
	if err == nil {
		t.Error("LoadMigrations(duplicate versions) error = nil")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"001_results.sql", 1, false},
		{"012_more.sql", 12, false},
		{"000_zero.sql", 0, true},
		{"abc_x.sql", 0, true},
		{"plain.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := parseVersion(tt.name)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseVersion(%q) = %d, %v; want %d, err %v", tt.name, got, err, tt.want, tt.wantErr)
		}
	}
}
