package domain

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (Event{}).TableName() != "events" {
		t.Fatalf("Event.TableName() = %q; want %q", (Event{}).TableName(), "events")
	}
	if (OutboxItem{}).TableName() != "outbox_items" {
		t.Fatalf("OutboxItem.TableName() = %q; want %q", (OutboxItem{}).TableName(), "outbox_items")
	}
}

func TestMigrations_IndexesAndStatusCheck(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Event{}, &OutboxItem{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasIndex(&Event{}, "idx_topic_events") {
		t.Fatalf("expected index idx_topic_events on events")
	}
	if !m.HasIndex(&Event{}, "idx_topic_provisional") {
		t.Fatalf("expected index idx_topic_provisional on events")
	}
	if !m.HasIndex(&OutboxItem{}, "idx_outbox_seq") {
		t.Fatalf("expected index idx_outbox_seq on outbox_items")
	}

	now := time.Now().UTC()
	ok := &OutboxItem{LocalID: "l1", Seq: 1, Topic: "incident:1:messages", Operation: OpCreate, Status: OutboxPending, CreatedAt: now}
	if err := db.Create(ok).Error; err != nil {
		t.Fatalf("insert valid item: %v", err)
	}
	bad := &OutboxItem{LocalID: "l2", Seq: 2, Topic: "incident:1:messages", Operation: OpCreate, Status: "lost", CreatedAt: now}
	if err := db.Create(bad).Error; err == nil {
		t.Fatalf("expected CHECK violation for unknown status")
	}

	ev := &Event{ID: "m1", Topic: "incident:1:messages", Kind: KindMessageCreated, Payload: json.RawMessage(`{"text":"hi"}`), CreatedAt: now}
	if err := db.Create(ev).Error; err != nil {
		t.Fatalf("insert event: %v", err)
	}
	var got Event
	if err := db.First(&got, "id = ?", "m1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if string(got.Payload) != `{"text":"hi"}` || got.Kind != KindMessageCreated {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestParseTopic(t *testing.T) {
	valid := []string{"incident:1:messages", "user:abc:notifications", " incident:9:messages "}
	for _, raw := range valid {
		if _, err := ParseTopic(raw); err != nil {
			t.Fatalf("ParseTopic(%q) unexpected error: %v", raw, err)
		}
	}
	invalid := []string{"", "incident::messages", "incident:1:notifications", "user:1:messages", "chat:1:messages", "incident:1"}
	for _, raw := range invalid {
		if _, err := ParseTopic(raw); err != ErrInvalidTopic {
			t.Fatalf("ParseTopic(%q) = %v; want ErrInvalidTopic", raw, err)
		}
	}
}

func TestTopicHelpers(t *testing.T) {
	mt := MessagesTopic("1")
	if mt != "incident:1:messages" || mt.Kind() != TopicMessages || mt.CreatedKind() != KindMessageCreated {
		t.Fatalf("unexpected messages topic helpers: %q %q %q", mt, mt.Kind(), mt.CreatedKind())
	}
	nt := NotificationsTopic("u1")
	if nt != "user:u1:notifications" || nt.Kind() != TopicNotifications || nt.CreatedKind() != KindNotificationCreated {
		t.Fatalf("unexpected notifications topic helpers: %q %q %q", nt, nt.Kind(), nt.CreatedKind())
	}
	for _, bad := range []Topic{"bogus", "incident:messages", "incident::messages", " incident:1:messages", "user:1:messages"} {
		if bad.Valid() || bad.Kind() != "" {
			t.Fatalf("%q: valid=%v kind=%q, want malformed", bad, bad.Valid(), bad.Kind())
		}
	}
	if !mt.Valid() || !nt.Valid() {
		t.Fatal("helper topics must be valid")
	}
}

func TestEventKeyAndProvisional(t *testing.T) {
	p := Event{ClientProvisionalID: "p1"}
	if !p.Provisional() || p.Key() != "p1" {
		t.Fatalf("expected provisional keyed by p1, got %v %q", p.Provisional(), p.Key())
	}
	c := Event{ID: "m2", ClientProvisionalID: "p1"}
	if c.Provisional() || c.Key() != "m2" {
		t.Fatalf("expected confirmed keyed by m2, got %v %q", c.Provisional(), c.Key())
	}
	for _, k := range EventKinds {
		if !k.Valid() {
			t.Fatalf("kind %q should be valid", k)
		}
	}
	if EventKind("x").Valid() || !KindTypingStarted.IsPresence() || KindMessageCreated.IsPresence() {
		t.Fatalf("kind classification wrong")
	}
}
