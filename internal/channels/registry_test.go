package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qwibitai/nanoclaw-sub004/internal/observability"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// memStore is an in-memory Store for registry tests.
type memStore struct {
	mu     sync.Mutex
	groups map[string]models.RegisteredGroup
	metas  map[string]models.ChatMetadata
	msgs   []models.InboundMessage
}

func newMemStore() *memStore {
	return &memStore{
		groups: make(map[string]models.RegisteredGroup),
		metas:  make(map[string]models.ChatMetadata),
	}
}

func (m *memStore) UpsertRegisteredGroup(_ context.Context, g models.RegisteredGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.JID] = g
	return nil
}

func (m *memStore) DeleteRegisteredGroup(_ context.Context, jid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, jid)
	return nil
}

func (m *memStore) LoadRegisteredGroups(_ context.Context) ([]models.RegisteredGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RegisteredGroup
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out, nil
}

func (m *memStore) UpsertChatMetadata(_ context.Context, meta models.ChatMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas[meta.JID] = meta
	return nil
}

func (m *memStore) StoreMessage(_ context.Context, msg models.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memStore) storedMessages() []models.InboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.InboundMessage(nil), m.msgs...)
}

func TestRegistryRoutesByIDShape(t *testing.T) {
	db := newMemStore()
	registry := NewRegistry(db, Handlers{}, nil, nil)

	tg := newNamedFakeTransport(models.ChannelTelegram, "telegram:")
	dc := newNamedFakeTransport(models.ChannelDiscord, "discord:")
	registry.AddTransport(tg, TransportConfig{Options: fastOptions()})
	registry.AddTransport(dc, TransportConfig{Options: fastOptions()})

	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer registry.Stop()

	if _, err := registry.SendMessage(ctx, "discord:42", "to discord"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "discord send", func() bool { return len(dc.sentMessages()) == 1 })
	if len(tg.sentMessages()) != 0 {
		t.Error("telegram transport must not receive discord traffic")
	}

	if _, err := registry.SendMessage(ctx, "matrix:1", "nobody owns this"); err == nil {
		t.Fatal("unowned id must fail")
	} else if GetErrorCode(err) != ErrCodeNotFound {
		t.Errorf("error code = %v, want not found", GetErrorCode(err))
	}
}

func TestRegistryInboundDelivery(t *testing.T) {
	db := newMemStore()
	db.UpsertRegisteredGroup(context.Background(), models.RegisteredGroup{
		JID:             "telegram:100",
		Name:            "devs",
		RequiresTrigger: false,
	})

	var mu sync.Mutex
	var delivered []models.InboundMessage
	registry := NewRegistry(db, Handlers{
		OnMessage: func(_ context.Context, msg models.InboundMessage) {
			mu.Lock()
			delivered = append(delivered, msg)
			mu.Unlock()
		},
	}, nil, nil)

	tg := newNamedFakeTransport(models.ChannelTelegram, "telegram:")
	registry.AddTransport(tg, TransportConfig{Options: fastOptions()})

	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer registry.Stop()

	tg.events <- models.RawEvent{
		MessageID: "m1",
		ChatJID:   "telegram:100",
		Content:   "hello gateway",
		Timestamp: time.Now(),
	}

	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	})

	mu.Lock()
	msg := delivered[0]
	mu.Unlock()
	if msg.ID != "m1" || msg.Content != "hello gateway" {
		t.Errorf("delivered = %+v", msg)
	}

	// The message was journaled before the handler saw it.
	if stored := db.storedMessages(); len(stored) != 1 || stored[0].ID != "m1" {
		t.Errorf("journal = %+v", stored)
	}
}

func TestRegistryUnregisteredInboundIsMetadataOnly(t *testing.T) {
	db := newMemStore()
	var deliveredCount int
	var mu sync.Mutex
	registry := NewRegistry(db, Handlers{
		OnMessage: func(_ context.Context, _ models.InboundMessage) {
			mu.Lock()
			deliveredCount++
			mu.Unlock()
		},
	}, nil, nil)

	tg := newNamedFakeTransport(models.ChannelTelegram, "telegram:")
	registry.AddTransport(tg, TransportConfig{Options: fastOptions()})

	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer registry.Stop()

	tg.events <- models.RawEvent{
		MessageID: "m1",
		ChatJID:   "telegram:999",
		ChatName:  "unknown chat",
		Content:   "hi",
		Timestamp: time.Now(),
	}

	waitFor(t, "metadata", func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		_, ok := db.metas["telegram:999"]
		return ok
	})

	mu.Lock()
	defer mu.Unlock()
	if deliveredCount != 0 {
		t.Errorf("delivered = %d, unregistered chat must not deliver", deliveredCount)
	}
}

func TestRegistryGroupLifecycle(t *testing.T) {
	db := newMemStore()
	registry := NewRegistry(db, Handlers{}, nil, nil)
	ctx := context.Background()

	group := models.RegisteredGroup{JID: "telegram:5", Name: "ops", Trigger: "@andy", RequiresTrigger: true}
	if err := registry.RegisterGroup(ctx, group); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}

	if got := registry.RegisteredGroups(); len(got) != 1 || got[0].JID != "telegram:5" {
		t.Errorf("RegisteredGroups = %+v", got)
	}
	if _, ok := db.groups["telegram:5"]; !ok {
		t.Error("registration was not persisted")
	}

	if err := registry.UnregisterGroup(ctx, "telegram:5"); err != nil {
		t.Fatalf("UnregisterGroup: %v", err)
	}
	if got := registry.RegisteredGroups(); len(got) != 0 {
		t.Errorf("RegisteredGroups = %+v after unregister", got)
	}
}

func TestRegistryRefreshGroups(t *testing.T) {
	db := newMemStore()
	registry := NewRegistry(db, Handlers{}, nil, nil)
	ctx := context.Background()

	// External edit lands directly in the store.
	db.UpsertRegisteredGroup(ctx, models.RegisteredGroup{JID: "discord:7", Name: "late"})

	if err := registry.RefreshGroups(ctx); err != nil {
		t.Fatalf("RefreshGroups: %v", err)
	}
	if got := registry.RegisteredGroups(); len(got) != 1 || got[0].Name != "late" {
		t.Errorf("RegisteredGroups = %+v", got)
	}
}

func TestRegisterGroupRejectsEmptyTrigger(t *testing.T) {
	db := newMemStore()
	registry := NewRegistry(db, Handlers{}, nil, nil)
	ctx := context.Background()

	err := registry.RegisterGroup(ctx, models.RegisteredGroup{
		JID: "telegram:9", Name: "ops", RequiresTrigger: true,
	})
	if err == nil {
		t.Fatal("a group that requires a trigger must not register without one")
	}
	if len(db.groups) != 0 {
		t.Error("rejected group must not be persisted")
	}

	err = registry.RegisterGroup(ctx, models.RegisteredGroup{
		JID: "telegram:9", Name: "ops", Trigger: "   ", RequiresTrigger: true,
	})
	if err == nil {
		t.Fatal("a blank trigger must be rejected")
	}

	// Without the trigger requirement an empty trigger is fine.
	err = registry.RegisterGroup(ctx, models.RegisteredGroup{
		JID: "telegram:9", Name: "ops", RequiresTrigger: false,
	})
	if err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
}

func TestRegistryRegisterMidStream(t *testing.T) {
	db := newMemStore()
	var mu sync.Mutex
	var delivered []models.InboundMessage
	registry := NewRegistry(db, Handlers{
		OnMessage: func(_ context.Context, msg models.InboundMessage) {
			mu.Lock()
			delivered = append(delivered, msg)
			mu.Unlock()
		},
	}, nil, nil)

	tg := newNamedFakeTransport(models.ChannelTelegram, "telegram:")
	registry.AddTransport(tg, TransportConfig{Options: fastOptions()})

	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer registry.Stop()

	// The chat speaks before anyone registers it: metadata only.
	tg.events <- models.RawEvent{
		MessageID: "before",
		ChatJID:   "telegram:100",
		ChatName:  "devs",
		Content:   "anyone here?",
		Timestamp: time.Now(),
	}
	waitFor(t, "first gate decision", func() bool {
		snaps := registry.MetricsSnapshots()
		return len(snaps) == 1 && snaps[0].GateOutcomes["metadata_only"] == 1
	})

	mu.Lock()
	if len(delivered) != 0 {
		mu.Unlock()
		t.Fatal("unregistered chat must not deliver")
	}
	mu.Unlock()
	if _, ok := db.metas["telegram:100"]; !ok {
		t.Error("first event must still record metadata")
	}

	err := registry.RegisterGroup(ctx, models.RegisteredGroup{
		JID: "telegram:100", Name: "devs", RequiresTrigger: false,
	})
	if err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}

	// The next event on the same chat goes through.
	tg.events <- models.RawEvent{
		MessageID: "after",
		ChatJID:   "telegram:100",
		Content:   "now we are live",
		Timestamp: time.Now(),
	}
	waitFor(t, "delivery after registration", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if delivered[0].ID != "after" {
		t.Errorf("delivered id = %q, want the post-registration event", delivered[0].ID)
	}
}

func TestRegistryMirrorsScrapeMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	obs := observability.NewMetrics(promReg)
	db := newMemStore()
	registry := NewRegistry(db, Handlers{}, nil, obs)

	tg := newNamedFakeTransport(models.ChannelTelegram, "telegram:")
	registry.AddTransport(tg, TransportConfig{Options: fastOptions()})

	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer registry.Stop()

	// A connected send feeds the message counter and the latency histogram.
	if _, err := registry.SendMessage(ctx, "telegram:1", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "send", func() bool { return len(tg.sentMessages()) == 1 })

	// An inbound event feeds the gate outcome counter.
	tg.events <- models.RawEvent{
		MessageID: "m1",
		ChatJID:   "telegram:7",
		Content:   "hi",
		Timestamp: time.Now(),
	}

	// A transient drop feeds the reconnect counter.
	tg.disconnect(ErrConnection("stream closed", nil))
	waitFor(t, "redial", func() bool { return tg.dialCount() == 2 })

	for _, name := range []string{
		"nanoclaw_channels_messages_total",
		"nanoclaw_channels_gate_outcomes_total",
		"nanoclaw_channels_reconnect_attempts_total",
		"nanoclaw_channels_send_latency_seconds",
	} {
		waitFor(t, name, func() bool {
			n, err := testutil.GatherAndCount(promReg, name)
			return err == nil && n > 0
		})
	}
}

func TestRegistryStatus(t *testing.T) {
	db := newMemStore()
	registry := NewRegistry(db, Handlers{}, nil, nil)
	tg := newNamedFakeTransport(models.ChannelTelegram, "telegram:")
	registry.AddTransport(tg, TransportConfig{Options: fastOptions()})

	status := registry.Status()
	if status[models.ChannelTelegram] != StateDisconnected {
		t.Errorf("initial state = %v", status[models.ChannelTelegram])
	}

	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer registry.Stop()

	waitFor(t, "connected status", func() bool {
		return registry.Status()[models.ChannelTelegram] == StateConnected
	})
}
