package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func withMigrations(t *testing.T, files fstest.MapFS) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	MigrationsFS, MigrationsDir = files, "."
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
}

var testMigrations = fstest.MapFS{
	"20260301_000001_link_events.up.sql":   {Data: []byte("CREATE TABLE link_events (id INTEGER PRIMARY KEY, device_id TEXT NOT NULL);")},
	"20260301_000001_link_events.down.sql": {Data: []byte("DROP TABLE link_events;")},
	"20260302_000000_scan_runs.up.sql":     {Data: []byte("CREATE TABLE scan_runs (id INTEGER PRIMARY KEY);")},
	"README.md":                            {Data: []byte("ignored")},
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	withMigrations(t, testMigrations)
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "link_events") || !tableExists(t, db, "scan_runs") {
		t.Fatal("expected both migration tables to exist")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2/0", len(applied), len(pending))
	}

	// Running again is a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"20260301_000001_link_events.up.sql":   testMigrations["20260301_000001_link_events.up.sql"],
		"20260301_000001_link_events.down.sql": testMigrations["20260301_000001_link_events.down.sql"],
	})
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "link_events") {
		t.Error("link_events should be dropped after MigrateDown")
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() with nothing applied error = %v", err)
	}
}

func TestMigrate_FailureStopsLaterMigrations(t *testing.T) {
	withMigrations(t, fstest.MapFS{
		"20260301_000001_good.up.sql": {Data: []byte("CREATE TABLE good (id INTEGER);")},
		"20260301_000002_bad.up.sql":  {Data: []byte("CREATE TABLE nonsense (;")},
		"20260301_000003_late.up.sql": {Data: []byte("CREATE TABLE late (id INTEGER);")},
	})
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err == nil {
		t.Fatal("Migrate() should fail on bad SQL")
	}
	if !tableExists(t, db, "good") {
		t.Error("migration before the failure should stay committed")
	}
	if tableExists(t, db, "late") {
		t.Error("migration after the failure should not run")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		wantVersion string
		wantDesc    string
		wantUp      bool
		wantOK      bool
	}{
		{"20260301_000001_link_events.up.sql", "20260301_000001", "link_events", true, true},
		{"20260301_000001_link_events.down.sql", "20260301_000001", "link_events", false, true},
		{"20260301_000001.up.sql", "20260301_000001", "20260301_000001", true, true},
		{"notes.sql", "", "", false, false},
		{"20260301.up.sql", "", "", false, false},
		{"20260301_000001_x.up.txt", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, desc, isUp, ok := parseMigrationFilename(tt.name)
			if ok != tt.wantOK || version != tt.wantVersion || desc != tt.wantDesc || isUp != tt.wantUp {
				t.Errorf("parseMigrationFilename(%q) = (%q, %q, %v, %v), want (%q, %q, %v, %v)",
					tt.name, version, desc, isUp, ok, tt.wantVersion, tt.wantDesc, tt.wantUp, tt.wantOK)
			}
		})
	}
}
