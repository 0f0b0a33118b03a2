package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/status"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedChat(t *testing.T, db *DB, id string, kind ChatKind, participants ...string) {
	t.Helper()
	if err := db.UpsertChat(context.Background(), &Chat{ID: id, Kind: kind, Participants: participants}); err != nil {
		t.Fatal(err)
	}
}

func newMessage(id, chatID, sender, content string, createdAt int64) *Message {
	return &Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  sender,
		Content:   content,
		Kind:      KindText,
		CreatedAt: createdAt,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestInsertAndGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")

	m := newMessage("m1", "c1", "alice", "hello bob", 1000)
	if err := db.Insert(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected message, got nil")
	}
	if got.SyncStatus != status.Pending || got.DeliveryStatus != status.Sending {
		t.Errorf("status = %s/%s, want pending/sending", got.SyncStatus, got.DeliveryStatus)
	}
	if !got.ReadBy.Contains("alice") || !got.DeliveredTo.Contains("alice") {
		t.Errorf("sender missing from receipt sets: readBy=%v deliveredTo=%v", got.ReadBy, got.DeliveredTo)
	}

	missing, err := db.GetMessage(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestInsertErrors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")

	if err := db.Insert(ctx, newMessage("m1", "c1", "alice", "first", 1000)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  *Message
		want errs.Code
	}{
		{"duplicate id", newMessage("m1", "c1", "alice", "again", 2000), errs.CodeConstraint},
		{"missing chat", newMessage("m2", "ghost", "alice", "hi", 2000), errs.CodeNotFound},
		{"missing sender", newMessage("m3", "c1", "", "hi", 2000), errs.CodeInvalidArgument},
		{"image without ref", &Message{ID: "m4", ChatID: "c1", SenderID: "alice", Kind: KindImage, CreatedAt: 1}, errs.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.Insert(ctx, tt.msg)
			if got := errs.CodeOf(err); got != tt.want {
				t.Errorf("code = %s, want %s (err=%v)", got, tt.want, err)
			}
		})
	}

	// The failed duplicate must not have touched the original row.
	got, _ := db.GetMessage(ctx, "m1")
	if got.Content != "first" {
		t.Errorf("content = %q, want first", got.Content)
	}
}

func TestInsertUpdatesChatSnapshot(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")

	img := &Message{ID: "m1", ChatID: "c1", SenderID: "bob", Kind: KindImage, ImageRef: "file:///a.jpg", CreatedAt: 2000}
	if err := db.Insert(ctx, img); err != nil {
		t.Fatal(err)
	}
	if err := db.Insert(ctx, newMessage("m0", "c1", "alice", "older", 1000)); err != nil {
		t.Fatal(err)
	}

	chat, err := db.GetChat(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessageContent != "[image]" || chat.LastMessageSender != "bob" || chat.LastMessageAt != 2000 {
		t.Errorf("snapshot = %q/%q/%d, want [image]/bob/2000",
			chat.LastMessageContent, chat.LastMessageSender, chat.LastMessageAt)
	}
}

func TestUpdateStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")
	if err := db.Insert(ctx, newMessage("m1", "c1", "alice", "hi", 1000)); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateStatus(ctx, "unknown", StatusUpdate{Sync: status.Synced}); err != nil {
		t.Errorf("unknown id should be a no-op, got %v", err)
	}

	if err := db.UpdateStatus(ctx, "m1", StatusUpdate{Sync: status.Synced, Delivery: status.Sent}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkDelivered(ctx, "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	// A late "sent" and a regression to pending must both be ignored.
	if err := db.UpdateStatus(ctx, "m1", StatusUpdate{Sync: status.Pending, Delivery: status.Sent}); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage(ctx, "m1")
	if got.SyncStatus != status.Synced {
		t.Errorf("sync = %s, want synced", got.SyncStatus)
	}
	if got.DeliveryStatus != status.Delivered {
		t.Errorf("delivery = %s, want delivered", got.DeliveryStatus)
	}
}

func TestMarkReadImpliesDelivered(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")
	if err := db.Insert(ctx, newMessage("m1", "c1", "alice", "hi", 1000)); err != nil {
		t.Fatal(err)
	}

	got, err := db.MarkRead(ctx, "m1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !got.ReadBy.Contains("bob") || !got.DeliveredTo.Contains("bob") {
		t.Errorf("bob should be in both sets: readBy=%v deliveredTo=%v", got.ReadBy, got.DeliveredTo)
	}
	if got.DeliveryStatus != status.Read {
		t.Errorf("delivery = %s, want read", got.DeliveryStatus)
	}

	// Delivered after read never regresses.
	got, err = db.MarkDelivered(ctx, "m1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryStatus != status.Read {
		t.Errorf("delivery = %s after late delivered receipt, want read", got.DeliveryStatus)
	}

	if _, err := db.MarkRead(ctx, "gone", "bob"); !errs.IsNotFound(err) {
		t.Errorf("expected NotFound for unknown id, got %v", err)
	}
}

func TestGroupDeliveryNeedsEveryRecipient(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "g1", ChatGroup, "alice", "bob", "carol")
	if err := db.Insert(ctx, newMessage("m1", "g1", "alice", "team", 1000)); err != nil {
		t.Fatal(err)
	}

	got, _ := db.MarkRead(ctx, "m1", "bob")
	if got.DeliveryStatus != status.Sending {
		t.Errorf("delivery = %s with one of two recipients, want sending", got.DeliveryStatus)
	}
	got, _ = db.MarkDelivered(ctx, "m1", "carol")
	if got.DeliveryStatus != status.Delivered {
		t.Errorf("delivery = %s, want delivered", got.DeliveryStatus)
	}
	got, _ = db.MarkRead(ctx, "m1", "carol")
	if got.DeliveryStatus != status.Read {
		t.Errorf("delivery = %s, want read", got.DeliveryStatus)
	}
}

func TestConcurrentReceiptsAreNotLost(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	participants := []string{"alice"}
	for i := range 12 {
		participants = append(participants, fmt.Sprintf("p%02d", i))
	}
	seedChat(t, db, "g1", ChatGroup, participants...)
	if err := db.Insert(ctx, newMessage("m1", "g1", "alice", "hello all", 1000)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i, p := range participants[1:] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = db.MarkRead(ctx, "m1", p)
			} else {
				_, err = db.MarkDelivered(ctx, "m1", p)
			}
			if err != nil {
				t.Errorf("receipt for %s: %v", p, err)
			}
		}()
	}
	wg.Wait()

	got, _ := db.GetMessage(ctx, "m1")
	for i, p := range participants[1:] {
		if !got.DeliveredTo.Contains(p) {
			t.Errorf("%s missing from deliveredTo", p)
		}
		if i%2 == 0 && !got.ReadBy.Contains(p) {
			t.Errorf("%s missing from readBy", p)
		}
	}
	if got.DeliveryStatus != status.Delivered {
		t.Errorf("delivery = %s, want delivered", got.DeliveryStatus)
	}
}

func TestListPendingOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")

	for _, m := range []*Message{
		newMessage("m3", "c1", "alice", "three", 3000),
		newMessage("m1", "c1", "alice", "one", 1000),
		newMessage("m2", "c1", "alice", "two", 2000),
		newMessage("m4", "c1", "alice", "four", 4000),
	} {
		if err := db.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.UpdateStatus(ctx, "m2", StatusUpdate{Sync: status.Synced})
	_ = db.UpdateStatus(ctx, "m4", StatusUpdate{Sync: status.Failed})

	pending, err := db.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	want := []string{"m1", "m3", "m4"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("pending = %v, want %v", ids, want)
	}

	counts, err := db.CountBySyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[status.Pending] != 2 || counts[status.Synced] != 1 || counts[status.Failed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestLatestSentAt(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")

	ts, err := db.LatestSentAt(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 0 {
		t.Errorf("LatestSentAt() on empty store = %d, want 0", ts)
	}

	for _, m := range []*Message{
		newMessage("m1", "c1", "alice", "one", 1000),
		newMessage("m2", "c1", "bob", "two", 5000),
		newMessage("m3", "c1", "alice", "three", 3000),
	} {
		if err := db.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	ts, err = db.LatestSentAt(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 3000 {
		t.Errorf("LatestSentAt(alice) = %d, want 3000", ts)
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")
	for i := 1; i <= 5; i++ {
		if err := db.Insert(ctx, newMessage(fmt.Sprintf("m%d", i), "c1", "alice", "x", int64(i*1000))); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages(ctx, "c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m5" || page[1].ID != "m4" {
		t.Fatalf("first page = %+v", page)
	}
	page, err = db.ListMessages(ctx, "c1", page[1].CreatedAt, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].ID != "m3" {
		t.Errorf("second page = %+v", page)
	}
}

func TestUpsertMergesRemoteState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "g1", ChatGroup, "alice", "bob", "carol")

	if err := db.Insert(ctx, newMessage("m1", "g1", "alice", "hi", 1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkRead(ctx, "m1", "bob"); err != nil {
		t.Fatal(err)
	}

	remote := newMessage("m1", "g1", "alice", "hi", 1000)
	remote.SyncStatus = status.Synced
	remote.DeliveryStatus = status.Sent
	remote.DeliveredTo = IDSet{"carol"}
	if err := db.Upsert(ctx, remote); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage(ctx, "m1")
	if !got.ReadBy.Contains("bob") {
		t.Error("upsert dropped a local read receipt")
	}
	if !got.DeliveredTo.Contains("carol") || !got.DeliveredTo.Contains("bob") {
		t.Errorf("deliveredTo = %v, want bob and carol", got.DeliveredTo)
	}
	if got.SyncStatus != status.Pending || got.DeliveryStatus != status.Delivered {
		t.Errorf("status = %s/%s, want pending/delivered", got.SyncStatus, got.DeliveryStatus)
	}

	fresh := newMessage("m2", "g1", "bob", "from another device", 2000)
	fresh.SyncStatus = status.Synced
	if err := db.Upsert(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetMessage(ctx, "m2"); got == nil || got.SyncStatus != status.Synced {
		t.Errorf("upsert of new id = %+v", got)
	}
}

func TestUpsertEchoLeavesPendingRowPending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")

	if err := db.Insert(ctx, newMessage("m1", "c1", "alice", "hi", 1000)); err != nil {
		t.Fatal(err)
	}

	echo := newMessage("m1", "c1", "alice", "hi", 1000)
	echo.SyncStatus = status.Synced
	echo.DeliveryStatus = status.Sent
	if err := db.Upsert(ctx, echo); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage(ctx, "m1")
	if got.SyncStatus != status.Pending || got.DeliveryStatus != status.Sending {
		t.Errorf("status = %s/%s, want pending/sending", got.SyncStatus, got.DeliveryStatus)
	}
	pending, err := db.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "m1" {
		t.Errorf("pending = %v, want [m1]", pending)
	}

	// Once the push completes the row is synced and later copies may
	// advance delivery.
	if err := db.UpdateStatus(ctx, "m1", StatusUpdate{Sync: status.Synced, Delivery: status.Sent}); err != nil {
		t.Fatal(err)
	}
	if err := db.Upsert(ctx, echo); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage(ctx, "m1")
	if got.SyncStatus != status.Synced || got.DeliveryStatus != status.Sent {
		t.Errorf("status = %s/%s, want synced/sent", got.SyncStatus, got.DeliveryStatus)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatDirect, "alice", "bob")
	if err := db.Insert(ctx, newMessage("m1", "c1", "alice", "see https://example.com/report.pdf", 1000)); err != nil {
		t.Fatal(err)
	}

	atts, err := db.ListAttachments(ctx, "c1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 || atts[0].Kind != AttachmentDocument {
		t.Fatalf("attachments = %+v", atts)
	}

	deleted, err := db.DeleteChat(ctx, "c1")
	if err != nil || !deleted {
		t.Fatalf("DeleteChat = %v, %v", deleted, err)
	}
	n, _ := db.MessageCount(ctx)
	if n != 0 {
		t.Errorf("messages left = %d", n)
	}
	atts, _ = db.ListAttachments(ctx, "c1", "", 10)
	if len(atts) != 0 {
		t.Errorf("attachments left = %d", len(atts))
	}
}

func TestDeriveAttachments(t *testing.T) {
	tests := []struct {
		name  string
		msg   Message
		kinds []AttachmentKind
	}{
		{"plain text", Message{ID: "a", Kind: KindText, Content: "no links here"}, nil},
		{"image", Message{ID: "b", Kind: KindImage, ImageRef: "file:///p.jpg"}, []AttachmentKind{AttachmentPhoto}},
		{"link and document", Message{ID: "c", Kind: KindText, Content: "read https://go.dev, then http://x.io/spec.PDF."},
			[]AttachmentKind{AttachmentLink, AttachmentDocument}},
		{"location", Message{ID: "d", Kind: KindText, Content: "meet at geo:52.52,13.405"}, []AttachmentKind{AttachmentLocation}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveAttachments(&tt.msg)
			if len(got) != len(tt.kinds) {
				t.Fatalf("got %d attachments, want %d: %+v", len(got), len(tt.kinds), got)
			}
			for i, a := range got {
				if a.Kind != tt.kinds[i] {
					t.Errorf("attachment %d kind = %s, want %s", i, a.Kind, tt.kinds[i])
				}
			}
			again := deriveAttachments(&tt.msg)
			for i := range got {
				if got[i].ID != again[i].ID {
					t.Errorf("attachment ids are not stable: %s != %s", got[i].ID, again[i].ID)
				}
			}
		})
	}
}

func TestSearchSubstringFallback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatGroup, "me", "alice", "bob")

	now := time.UnixMilli(100_000)
	for _, m := range []*Message{
		newMessage("m1", "c1", "alice", "Lunch at noon?", 10_000),
		newMessage("m2", "c1", "bob", "lunch tomorrow", 20_000),
		newMessage("m3", "c1", "bob", "dinner", 30_000),
	} {
		if err := db.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := db.Search(ctx, "lunch", RankingInputs{Now: now, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Message.ID != "m2" {
		t.Errorf("newer message should win a tie, got %s first", hits[0].Message.ID)
	}
	if !hits[0].Exact || hits[0].Snippet == "" {
		t.Errorf("hit = %+v, want exact with snippet", hits[0])
	}

	hits, err = db.Search(ctx, "lunch", RankingInputs{Now: now, Limit: 10, TopCorrespondents: []string{"alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if hits[0].Message.ID != "m1" {
		t.Errorf("top correspondent should outrank, got %s first", hits[0].Message.ID)
	}
}

func TestSearchIndexed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.EnsureSearchIndex(ctx); err != nil {
		t.Skipf("fts5 unavailable: %v", err)
	}
	seedChat(t, db, "c1", ChatGroup, "me", "alice", "bob")

	now := time.UnixMilli(1_000_000)
	for _, m := range []*Message{
		newMessage("m1", "c1", "alice", "quarterly report draft", 100_000),
		newMessage("m2", "c1", "bob", "the report is late", 900_000),
		newMessage("m3", "c1", "bob", "unrelated", 950_000),
	} {
		if err := db.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := db.Search(ctx, "quarterly report", RankingInputs{Now: now, RecencyWindow: time.Hour, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Message.ID != "m1" || !hits[0].Exact {
		t.Errorf("exact match should rank first, got %+v", hits[0])
	}
	if hits[1].Exact {
		t.Errorf("partial match marked exact: %+v", hits[1])
	}

	// Index follows deletes through the cascade.
	if _, err := db.DeleteChat(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	hits, err = db.Search(ctx, "report", RankingInputs{Now: now, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits after delete, want 0", len(hits))
	}
}

func TestTopCorrespondents(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedChat(t, db, "c1", ChatGroup, "me", "alice", "bob")
	senders := []string{"me", "bob", "alice", "bob", "bob", "alice", "me", "me", "me"}
	for i, s := range senders {
		if err := db.Insert(ctx, newMessage(fmt.Sprintf("m%d", i), "c1", s, "x", int64(i+1))); err != nil {
			t.Fatal(err)
		}
	}

	top, err := db.TopCorrespondents(ctx, "me", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0] != "bob" {
		t.Errorf("top = %v, want [bob]", top)
	}
}
