package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun_appliesEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	if err := Run(ctx, db); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		t.Fatalf("count devices: %v", err)
	}
	if n != 3 {
		t.Errorf("seeded devices = %d, want 3", n)
	}

	var versions int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&versions); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if versions != 2 {
		t.Errorf("applied migrations = %d, want 2", versions)
	}
}

func TestRun_idempotent(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := Run(ctx, db); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		t.Fatalf("count devices: %v", err)
	}
	if n != 3 {
		t.Errorf("devices after second run = %d, want 3 (seed must not re-run)", n)
	}
}

func TestRun_ordersByVersionAndSkipsUnrelatedFiles(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"m/0002_insert.sql": {Data: []byte(`INSERT INTO t (id) VALUES (1);`)},
		"m/0001_create.sql": {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
		"m/README.md":       {Data: []byte(`not a migration`)},
	}

	if err := run(context.Background(), db, fsys, "m"); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	var id int
	if err := db.QueryRow(`SELECT id FROM t`).Scan(&id); err != nil || id != 1 {
		t.Fatalf("SELECT id = %d, %v; want 1", id, err)
	}
}

func TestRun_failedMigrationIsNotRecorded(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"m/0001_broken.sql": {Data: []byte(`CREATE TABLE (;`)},
	}

	if err := run(context.Background(), db, fsys, "m"); err == nil {
		t.Fatal("run() error = nil; want error for broken migration")
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 0 {
		t.Errorf("recorded migrations = %d, want 0", n)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		in          string
		wantVersion string
		wantName    string
		wantOK      bool
	}{
		{in: "0001_devices.sql", wantVersion: "0001", wantName: "devices", wantOK: true},
		{in: "0010_seed_devices.sql", wantVersion: "0010", wantName: "seed_devices", wantOK: true},
		{in: "1_short.sql", wantOK: false},
		{in: "0001_devices.txt", wantOK: false},
		{in: "devices.sql", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, n, ok := parseMigrationFilename(tt.in)
			if ok != tt.wantOK || v != tt.wantVersion || n != tt.wantName {
				t.Errorf("parseMigrationFilename(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.in, v, n, ok, tt.wantVersion, tt.wantName, tt.wantOK)
			}
		})
	}
}
