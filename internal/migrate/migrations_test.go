package migrate_test

import (
	"testing"

	"runline/internal/db"
	"runline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version < 1 {
		t.Fatalf("schema version = %d after migrating", version)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&again); err != nil {
		t.Fatal(err)
	}
	if again != version {
		t.Fatalf("re-migrating moved the version %d -> %d", version, again)
	}

	var n int
	if err := conn.QueryRow(`SELECT count(*) FROM events`).Scan(&n); err != nil {
		t.Fatalf("events table missing: %v", err)
	}
}
