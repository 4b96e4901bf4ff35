package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()

	// The cache tier and the game index write from different goroutines in production.
	for _, table := range []string{"test_records", "test_games"} {
		if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data TEXT)`, table)); err != nil {
			t.Fatalf("failed to create %s table: %v", table, err)
		}
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_records"
			if id%2 == 1 {
				table = "test_games"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	for _, table := range []string{"test_records", "test_games"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Fatalf("failed to count %s rows: %v", table, err)
		}
		if count != expectedPerTable {
			t.Errorf("%s: got %d rows, want %d", table, count, expectedPerTable)
		}
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(context.Background(), Config{Type: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestNewDefaultsToSQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = ""
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "nested", "default.db")

	store, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	defer store.Close()

	if store.Type() != TypeSQLite {
		t.Fatalf("type = %q, want %q", store.Type(), TypeSQLite)
	}
	if store.SQLiteDB() == nil || store.PostgreSQLPool() != nil || store.MongoDatabase() != nil {
		t.Fatal("only the SQLite handle should be set")
	}
}
