package services_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/conversation"
	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/services"
)

func newTestBolt(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBoltDBOrderAndUpdate(t *testing.T) {
	db := newTestBolt(t)
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)

	msgs := []models.Message{
		models.NewMessage("z", models.SenderUser, "first", models.StatusPending, now),
		models.NewMessage("a", models.SenderBot, "second", models.StatusDelivered, now),
		models.NewMessage("m", models.SenderUser, "third", models.StatusPending, now),
	}
	for _, m := range msgs {
		if err := db.PutMessage(ctx, m); err != nil {
			t.Fatalf("PutMessage(%s) error = %v", m.ID, err)
		}
	}

	updated := msgs[0]
	updated.Status = models.StatusDelivered
	if err := db.PutMessage(ctx, updated); err != nil {
		t.Fatalf("PutMessage(update) error = %v", err)
	}

	got, err := db.Messages(ctx)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Messages() len = %d, want 3", len(got))
	}
	for i, id := range []string{"z", "a", "m"} {
		if got[i].ID != id {
			t.Errorf("Messages()[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
	if got[0].Status != models.StatusDelivered {
		t.Errorf("updated status = %q, want %q", got[0].Status, models.StatusDelivered)
	}
}

func TestBoltDBDeleteAndClear(t *testing.T) {
	db := newTestBolt(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"1", "2"} {
		if err := db.PutMessage(ctx, models.NewMessage(id, models.SenderUser, id, models.StatusSent, now)); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.DeleteMessage(ctx, "1"); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	if err := db.DeleteMessage(ctx, "1"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("DeleteMessage(missing) error = %v, want ErrNotFound", err)
	}

	got, _ := db.Messages(ctx)
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("Messages() after delete = %+v", got)
	}

	if err := db.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, _ = db.Messages(ctx)
	if len(got) != 0 {
		t.Errorf("Messages() after clear len = %d, want 0", len(got))
	}

	if err := db.PutMessage(ctx, models.NewMessage("3", models.SenderBot, "x", models.StatusDelivered, now)); err != nil {
		t.Fatalf("PutMessage() after clear error = %v", err)
	}
}

func TestBoltDBBacksStore(t *testing.T) {
	db := newTestBolt(t)
	ctx := context.Background()

	store := conversation.NewStore(db, discardLogger)
	if err := store.Add(models.NewMessage("u1", models.SenderUser, "hi", models.StatusPending, time.Now())); err != nil {
		t.Fatal(err)
	}

	reloaded := conversation.NewStore(db, discardLogger)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	msg, ok := reloaded.Get("u1")
	if !ok {
		t.Fatal("message not reloaded")
	}
	if msg.Status != models.StatusSent {
		t.Errorf("reloaded status = %q, want %q", msg.Status, models.StatusSent)
	}
}
