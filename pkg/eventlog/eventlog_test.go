package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"beamhost/pkg/eventlog"
	"beamhost/pkg/protocol"

	_ "modernc.org/sqlite"
)

func openStore(t *testing.T) (*eventlog.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", protocol.EventDBName)
	store, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestStore_RecordAndQuery(t *testing.T) {
	ctx := context.Background()
	store, path := openStore(t)

	records := []struct {
		evType, source, subject, payload string
	}{
		{protocol.EvWorkerSpawn, "primary", "4242", "/opt/flux_api"},
		{protocol.EvWorkerReady, "primary", "4242", "8000"},
		{protocol.EvSurfaceCreate, "registry", "1", ""},
		{protocol.EvWorkerExit, "primary", "4242", "exit status 1"},
	}
	for _, r := range records {
		if err := store.Record(ctx, r.evType, r.source, r.subject, r.payload); err != nil {
			t.Fatalf("record %s: %v", r.evType, err)
		}
	}

	reader, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	t.Run("all newest first", func(t *testing.T) {
		events, err := reader.Query(ctx, eventlog.QueryOpts{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(events) != 4 {
			t.Fatalf("expected 4 events, got %d", len(events))
		}
		if events[0].Type != protocol.EvWorkerExit {
			t.Errorf("expected newest event first, got %s", events[0].Type)
		}
		for _, e := range events {
			if e.Session != store.Session() {
				t.Errorf("event %d has session %q, want %q", e.ID, e.Session, store.Session())
			}
			if e.CreatedAt.IsZero() {
				t.Errorf("event %d has no timestamp", e.ID)
			}
		}
	})

	t.Run("filter by source", func(t *testing.T) {
		events, err := reader.Query(ctx, eventlog.QueryOpts{Source: "registry"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(events) != 1 || events[0].Subject != "1" {
			t.Errorf("expected the single registry event, got %+v", events)
		}
	})

	t.Run("filter by type", func(t *testing.T) {
		events, err := reader.Query(ctx, eventlog.QueryOpts{EventType: protocol.EvWorkerReady})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(events) != 1 || events[0].Payload != "8000" {
			t.Errorf("expected the ready event, got %+v", events)
		}
	})

	t.Run("limit", func(t *testing.T) {
		events, err := reader.Query(ctx, eventlog.QueryOpts{Limit: 2})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("expected 2 events, got %d", len(events))
		}
	})

	t.Run("after id", func(t *testing.T) {
		all, err := reader.Query(ctx, eventlog.QueryOpts{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		events, err := reader.Query(ctx, eventlog.QueryOpts{AfterID: all[2].ID})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(events) != 2 || events[1].Type != protocol.EvSurfaceCreate {
			t.Errorf("expected the two newest events, got %+v", events)
		}
	})

	t.Run("latest session", func(t *testing.T) {
		session, err := reader.LatestSession(ctx)
		if err != nil {
			t.Fatalf("latest session: %v", err)
		}
		if session != store.Session() {
			t.Errorf("latest session = %q, want %q", session, store.Session())
		}
	})
}

func TestStore_SessionsAreDistinct(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), protocol.EventDBName)

	first, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Record(ctx, protocol.EvSessionStart, "host", "", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = first.Close()
	_ = first.Close() // idempotent

	second, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if err := second.Record(ctx, protocol.EvSessionStart, "host", "", ""); err != nil {
		t.Fatalf("record: %v", err)
	}

	if first.Session() == second.Session() {
		t.Fatal("each Open starts a new session")
	}

	reader, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	events, err := reader.Query(ctx, eventlog.QueryOpts{Session: first.Session()})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event in first session, got %d", len(events))
	}
}

func TestQuery_TimeRange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), protocol.EventDBName)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		db.Close()
		t.Fatalf("init schema: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, evType := range []string{protocol.EvWorkerSpawn, protocol.EvWorkerExit, protocol.EvWorkerRecover} {
		_, err := db.Exec(
			`INSERT INTO events (session, type, source, subject, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			"s1", evType, "primary", "", "", base.Add(time.Duration(i)*time.Minute).Format("2006-01-02 15:04:05"),
		)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	db.Close()

	reader, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	after := base.Add(30 * time.Second)
	before := base.Add(90 * time.Second)
	events, err := reader.Query(ctx, eventlog.QueryOpts{After: &after, Before: &before})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].Type != protocol.EvWorkerExit {
		t.Errorf("expected only the exit event, got %+v", events)
	}
}

func TestNewReader_MissingDatabase(t *testing.T) {
	if _, err := eventlog.NewReader(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestReader_EmptyLog(t *testing.T) {
	_, path := openStore(t)

	reader, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer reader.Close()

	session, err := reader.LatestSession(context.Background())
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if session != "" {
		t.Errorf("expected no session, got %q", session)
	}
	if err := reader.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
