package repo

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/incident-sync/internal/domain"
)

func TestOpenSQLite_RejectsMissingDirAndEmptyPath(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "missing", "collab.db")
	if db, err := OpenSQLite(bad); err == nil || db != nil {
		t.Fatalf("expected error for %q, got db=%v err=%v", bad, db, err)
	} else if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSqliteDSN(t *testing.T) {
	plain := sqliteDSN("collab.db")
	if !strings.HasPrefix(plain, "collab.db?_pragma=") || strings.Count(plain, "_pragma=") != len(connPragmas) {
		t.Fatalf("plain dsn=%q", plain)
	}
	uri := sqliteDSN("file:x?mode=memory&cache=shared")
	if !strings.HasPrefix(uri, "file:x?mode=memory&cache=shared&_pragma=") {
		t.Fatalf("uri dsn=%q", uri)
	}
}

func TestOpenSQLite_PragmasOnEveryConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	// hold two connections so both are checked
	ctx := context.Background()
	c1, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 1: %v", err)
	}
	defer c1.Close()
	c2, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 2: %v", err)
	}
	defer c2.Close()

	for i, c := range []*sql.Conn{c1, c2} {
		var (
			journal string
			syncVal int
			fk      int
			busy    int
		)
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&syncVal); err != nil {
			t.Fatalf("conn %d synchronous: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("conn %d foreign_keys: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i, err)
		}
		// FULL == 2
		if strings.ToLower(journal) != "wal" || syncVal != 2 || fk != 1 || busy != 5000 {
			t.Fatalf("conn %d pragmas: journal=%q sync=%d fk=%d busy=%d", i, journal, syncVal, fk, busy)
		}
	}
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 4 {
		t.Fatalf("expected MaxOpenConnections=4, got %d", stats.MaxOpenConnections)
	}

	// --- AutoMigrate should create all tables ---
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.Event{}, &domain.OutboxItem{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	// Quick insert round-trip to prove schema is usable.
	now := time.Now().UTC()
	ev := &domain.Event{ID: "e1", Topic: domain.MessagesTopic("1"), Kind: domain.KindMessageCreated, CreatedAt: now}
	if err := db.Create(ev).Error; err != nil {
		t.Fatalf("insert event: %v", err)
	}
	it := &domain.OutboxItem{LocalID: "l1", Seq: 1, Topic: ev.Topic, Operation: domain.OpCreate,
		Status: domain.OutboxPending, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(it).Error; err != nil {
		t.Fatalf("insert outbox item: %v", err)
	}

	var got domain.Event
	if err := db.First(&got, "id = ?", "e1").Error; err != nil || got.Topic != ev.Topic {
		t.Fatalf("readback event failed: err=%v got=%+v", err, got)
	}
}

func TestEnableTracing_RegistersPlugin(t *testing.T) {
	db := newRepoDB(t)
	if err := EnableTracing(db); err != nil {
		t.Fatalf("EnableTracing: %v", err)
	}
	// the plugin must not break ordinary queries
	if _, err := NewOutboxRepo(db).List(context.Background()); err != nil {
		t.Fatalf("List after tracing: %v", err)
	}
}

// Compile-time guard to ensure signature stability.
var _ func(string) (*gorm.DB, error) = OpenSQLite
