package db

import (
	"path/filepath"
	"testing"
)

func TestOpen_CreatesSchemaOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator", DefaultFile)

	for i := 0; i < 2; i++ {
		database, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		var n int
		if err := database.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
			t.Fatalf("schema_version query failed: %v", err)
		}
		if n != 1 {
			t.Errorf("schema_version rows = %d, want 1", n)
		}
		database.Close()
	}
}

func TestPath(t *testing.T) {
	if got := Path("/work"); got != filepath.Join("/work", "operator", "events.db") {
		t.Errorf("Path = %q", got)
	}
}
