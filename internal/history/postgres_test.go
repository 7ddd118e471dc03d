package history

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// newTestDB opens the database named by TEST_POSTGRES_DSN, applies the
// migrations, and clears any leftover test rows. Tests that call this helper
// require a reachable PostgreSQL instance.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}

	db.Exec(`DELETE FROM messages WHERE session_id LIKE 'test_%'`)
	t.Cleanup(func() {
		db.Exec(`DELETE FROM messages WHERE session_id LIKE 'test_%'`)
		db.Close()
	})
	return db
}

func TestPostgresAppendAndHistory(t *testing.T) {
	db := newTestDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	recs := []*Record{
		{SenderID: "alice", Recipient: "bob", Content: "first", Timestamp: base, SessionID: "test_alice-bob"},
		{SenderID: "bob", Recipient: "alice", Content: "second", Timestamp: base.Add(time.Second), SessionID: "test_alice-bob"},
		{SenderID: "alice", Recipient: "bob", Content: "third", Timestamp: base.Add(2 * time.Second), SessionID: "test_alice-bob"},
	}
	for _, rec := range recs {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if rec.ID == 0 {
			t.Errorf("expected assigned id for %q", rec.Content)
		}
	}

	got, err := store.History(ctx, "test_alice-bob")
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Errorf("record %d: expected %q, got %q", i, want, got[i].Content)
		}
	}
	if got[0].SenderID != "alice" || got[0].Recipient != "bob" {
		t.Errorf("unexpected participants: %+v", got[0])
	}
}

func TestPostgresHistoryEmptySession(t *testing.T) {
	db := newTestDB(t)
	store := NewPostgresStore(db)

	got, err := store.History(context.Background(), "test_never-used")
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}
