//go:build integration

package progress

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and applies the progress migration
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	migrationSQL, err := os.ReadFile("../migrations/000001_progress.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	first := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	if err := store.MarkCompleted(ctx, "pack-1", "b", first.Add(time.Minute)); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "pack-1", "a", first); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}
	// idempotent
	if err := store.MarkCompleted(ctx, "pack-1", "a", first.Add(time.Hour)); err != nil {
		t.Fatalf("Repeated MarkCompleted() failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "pack-2", "a", first); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}

	done, err := store.IsCompleted(ctx, "pack-1", "a")
	if err != nil || !done {
		t.Fatalf("IsCompleted() = %v, %v; want true, nil", done, err)
	}

	records, err := store.ListByPack(ctx, "pack-1")
	if err != nil {
		t.Fatalf("ListByPack() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].ActionID != "a" || !records[0].CompletedAt.Equal(first) {
		t.Errorf("Expected first record a at %v, got %+v", first, records[0])
	}
	if records[1].ActionID != "b" {
		t.Errorf("Expected second record b, got %+v", records[1])
	}

	if err := store.Reset(ctx, "pack-1"); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	records, _ = store.ListByPack(ctx, "pack-1")
	if len(records) != 0 {
		t.Errorf("Expected no records after reset, got %d", len(records))
	}
	if done, _ := store.IsCompleted(ctx, "pack-2", "a"); !done {
		t.Error("Expected pack-2 progress to survive reset of pack-1")
	}
}
