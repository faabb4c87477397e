package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestDatabase(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("AGENDA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("AGENDA_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, testMigrationsDir(), nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func testMigrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := applyDownMigrations(ctx, db, testMigrationsDir()); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, testMigrationsDir(), nil); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := NewPostgresStore(openTestDatabase(t), nil)
	ctx := context.Background()

	doc := Document{
		Users: []User{
			{Username: "alice", Password: "pw1", Role: "user"},
			{Username: "root", Password: "secret", Role: "admin"},
		},
		Events: []Event{
			{ID: "evt_1", Title: "Standup", Date: "2024-01-01", Owner: "alice"},
			{ID: "evt_2", Title: "Retro", Description: "Sprint 4", Date: "2024-01-05", Owner: "ghost"},
		},
	}
	if err := store.Save(ctx, doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(loaded, doc) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", loaded, doc)
	}
}

func TestPostgresStoreUpdateSerializesWriters(t *testing.T) {
	store := NewPostgresStore(openTestDatabase(t), nil)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.Update(ctx, func(doc *Document) error {
				doc.Events = append(doc.Events, Event{ID: fmt.Sprintf("evt_%d", i), Title: "concurrent", Owner: "alice"})
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	doc, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Events) != writers {
		t.Fatalf("expected %d events, got %d", writers, len(doc.Events))
	}
}

func TestPostgresStoreLoadIsWholeDocumentSnapshot(t *testing.T) {
	store := NewPostgresStore(openTestDatabase(t), nil)
	ctx := context.Background()

	// Every write adds one user and one event, so any consistent read has
	// equal counts.
	const writes = 40
	done := make(chan error, 1)
	go func() {
		for i := 0; i < writes; i++ {
			err := store.Update(ctx, func(doc *Document) error {
				doc.Users = append(doc.Users, User{Username: fmt.Sprintf("user_%d", i), Role: "user"})
				doc.Events = append(doc.Events, Event{ID: fmt.Sprintf("evt_%d", i), Title: "paired", Owner: "alice"})
				return nil
			})
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			return
		default:
		}
		doc, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(doc.Users) != len(doc.Events) {
			t.Fatalf("torn read: %d users, %d events", len(doc.Users), len(doc.Events))
		}
	}
}

func TestPostgresStoreUpdateErrorRollsBack(t *testing.T) {
	store := NewPostgresStore(openTestDatabase(t), nil)
	ctx := context.Background()

	if err := store.Save(ctx, Document{Users: []User{{Username: "alice", Role: "user"}}, Events: []Event{}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	sentinel := fmt.Errorf("validation failed")
	err := store.Update(ctx, func(doc *Document) error {
		doc.Users = nil
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("Update() error = %v, want sentinel", err)
	}
	doc, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Users) != 1 {
		t.Fatalf("expected rollback to keep 1 user, got %d", len(doc.Users))
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	downs := make([]migration, 0)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		downs = append(downs, migration{
			version: match[1],
			path:    filepath.Join(migrationsDir, name),
		})
	}

	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}

	return nil
}
