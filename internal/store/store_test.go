package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisteredGroupRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group := models.RegisteredGroup{
		JID:             "123@g.us",
		Name:            "family",
		Folder:          "family",
		Trigger:         "@andy",
		RequiresTrigger: true,
		AddedAt:         "2026-08-30T10:00:00Z",
		ContainerConfig: `{"memory":"512m"}`,
	}
	if err := s.UpsertRegisteredGroup(ctx, group); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	groups, err := s.LoadRegisteredGroups(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if groups[0] != group {
		t.Errorf("got %+v, want %+v", groups[0], group)
	}
}

func TestUpsertGroupReplacesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := models.RegisteredGroup{JID: "123@g.us", Name: "old", Folder: "old", AddedAt: "2026-01-01T00:00:00Z"}
	if err := s.UpsertRegisteredGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	g.Name = "new"
	g.Trigger = "@new"
	if err := s.UpsertRegisteredGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	groups, _ := s.LoadRegisteredGroups(ctx)
	if len(groups) != 1 || groups[0].Name != "new" || groups[0].Trigger != "@new" {
		t.Errorf("groups = %+v", groups)
	}
}

func TestDeleteRegisteredGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertRegisteredGroup(ctx, models.RegisteredGroup{JID: "123@g.us", Name: "x", Folder: "x", AddedAt: "2026-01-01T00:00:00Z"})
	if err := s.DeleteRegisteredGroup(ctx, "123@g.us"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	groups, _ := s.LoadRegisteredGroups(ctx)
	if len(groups) != 0 {
		t.Errorf("groups = %d after delete", len(groups))
	}

	// Deleting a missing group is not an error.
	if err := s.DeleteRegisteredGroup(ctx, "missing@g.us"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestChatMetadataUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := s.UpsertChatMetadata(ctx, models.ChatMetadata{
		JID: "telegram:42", Channel: models.ChannelTelegram, Name: "devs", IsGroup: true, LastSeen: first,
	}); err != nil {
		t.Fatal(err)
	}

	// A later sighting without a name keeps the known name.
	if err := s.UpsertChatMetadata(ctx, models.ChatMetadata{
		JID: "telegram:42", Channel: models.ChannelTelegram, IsGroup: true, LastSeen: first.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	metas, err := s.LoadChatMetadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 {
		t.Fatalf("metas = %d, want 1", len(metas))
	}
	if metas[0].Name != "devs" {
		t.Errorf("Name = %q, empty update must not erase it", metas[0].Name)
	}
	if !metas[0].LastSeen.Equal(first.Add(time.Hour)) {
		t.Errorf("LastSeen = %v", metas[0].LastSeen)
	}
}

func TestStoreMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := models.InboundMessage{
		ID: "m1", ChatJID: "123@g.us", Channel: models.ChannelWhatsApp,
		Sender: "555", Content: "hello", Timestamp: "2026-08-30T10:00:00Z",
	}
	if err := s.StoreMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same platform id is a no-op.
	if err := s.StoreMessage(ctx, msg); err != nil {
		t.Fatalf("duplicate store: %v", err)
	}

	msgs, err := s.LoadNewMessages(ctx, []string{"123@g.us"}, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

func TestLoadNewMessagesFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put := func(id, jid, content, ts string, isBot bool) {
		t.Helper()
		err := s.StoreMessage(ctx, models.InboundMessage{
			ID: id, ChatJID: jid, Channel: models.ChannelWhatsApp,
			Content: content, Timestamp: ts, IsBotMessage: isBot,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	put("m1", "123@g.us", "old message", "2026-08-01T00:00:00Z", false)
	put("m2", "123@g.us", "new message", "2026-08-30T00:00:00Z", false)
	put("m3", "123@g.us", "Andy: my own reply", "2026-08-30T01:00:00Z", false)
	put("m4", "123@g.us", "tagged bot message", "2026-08-30T02:00:00Z", true)
	put("m5", "other@g.us", "different chat", "2026-08-30T03:00:00Z", false)

	since := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	msgs, err := s.LoadNewMessages(ctx, []string{"123@g.us"}, since, "Andy:")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "m2" {
		t.Errorf("got %q, want m2", msgs[0].ID)
	}
}

func TestLoadNewMessagesOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, m := range []struct{ id, ts string }{
		{"b", "2026-08-30T02:00:00Z"},
		{"a", "2026-08-30T01:00:00Z"},
		{"c", "2026-08-30T03:00:00Z"},
	} {
		s.StoreMessage(ctx, models.InboundMessage{
			ID: m.id, ChatJID: "x@g.us", Channel: models.ChannelWhatsApp,
			Content: "hi", Timestamp: m.ts,
		})
	}

	msgs, err := s.LoadNewMessages(ctx, []string{"x@g.us"}, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].ID != "a" || msgs[1].ID != "b" || msgs[2].ID != "c" {
		t.Errorf("order = %v", []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	}
}

func TestLoadNewMessagesNoJIDs(t *testing.T) {
	s := newTestStore(t)
	msgs, err := s.LoadNewMessages(context.Background(), nil, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if msgs != nil {
		t.Errorf("msgs = %v, want nil", msgs)
	}
}
