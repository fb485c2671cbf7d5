package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/qwibitai/nanoclaw-sub004/internal/channels/identity"
	"github.com/qwibitai/nanoclaw-sub004/internal/observability"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// Store is the persistence surface the registry needs: registration records
// survive restarts, chat metadata feeds discovery, and delivered messages
// are journaled for the orchestrator's history.
type Store interface {
	UpsertRegisteredGroup(ctx context.Context, group models.RegisteredGroup) error
	DeleteRegisteredGroup(ctx context.Context, jid string) error
	LoadRegisteredGroups(ctx context.Context) ([]models.RegisteredGroup, error)
	UpsertChatMetadata(ctx context.Context, meta models.ChatMetadata) error
	StoreMessage(ctx context.Context, msg models.InboundMessage) error
}

// Handlers are the orchestrator-facing callbacks shared by every channel.
type Handlers struct {
	// OnMessage receives each message that passed the delivery gate, after it
	// has been journaled.
	OnMessage MessageHandler

	// OnChatMetadata observes every inbound chat, registered or not.
	OnChatMetadata MetadataHandler

	// OnFatal is invoked when a channel terminates.
	OnFatal func(channel models.ChannelType, err error)
}

// TransportConfig wires one transport into the registry.
type TransportConfig struct {
	Options ChannelOptions

	// Directory backs identity resolution for this platform (nil = aliases
	// resolve to themselves).
	Directory identity.Directory

	// BotPrefix marks the gateway's own messages when echoed back.
	BotPrefix string

	// TriggerExempt disables trigger matching for this channel.
	TriggerExempt bool

	Attachments AttachmentPolicy
}

// Registry owns every configured channel. It routes outbound sends by id
// shape, serves the shared registration table to the per-channel gates, and
// schedules the periodic metadata resync and queue-flush backstop.
type Registry struct {
	store    Store
	handlers Handlers
	logger   *slog.Logger
	obs      *observability.Metrics

	mu       sync.RWMutex
	channels []*Channel
	groups   map[string]models.RegisteredGroup

	cron    *cron.Cron
	started bool
}

// NewRegistry creates an empty registry. Transports are added before Start.
func NewRegistry(store Store, handlers Handlers, logger *slog.Logger, obs *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		handlers: handlers,
		logger:   logger.With("component", "registry"),
		obs:      obs,
		groups:   make(map[string]models.RegisteredGroup),
		cron:     cron.New(),
	}
}

// AddTransport wraps a transport in a managed channel with its own delivery
// gate and registers it for routing. Must be called before Start.
func (r *Registry) AddTransport(transport Transport, cfg TransportConfig) *Channel {
	name := transport.Name()

	resolver := identity.New(cfg.Directory, identity.Config{Logger: r.logger})

	gate := NewDeliveryGate(GateConfig{
		Channel:        name,
		Resolver:       resolver,
		Groups:         r.lookupGroup,
		OnMessage:      r.dispatchMessage,
		OnChatMetadata: r.recordMetadata,
		Attachments:    cfg.Attachments,
		BotPrefix:      cfg.BotPrefix,
		TriggerExempt:  cfg.TriggerExempt,
		Logger:         r.logger,
		Metrics:        nil,
	})

	opts := cfg.Options
	opts.Logger = r.logger
	userFatal := opts.OnFatal
	opts.OnFatal = func(channel models.ChannelType, err error) {
		if r.obs != nil {
			r.obs.RecordFatal(string(channel))
		}
		if userFatal != nil {
			userFatal(channel, err)
		}
		if r.handlers.OnFatal != nil {
			r.handlers.OnFatal(channel, err)
		}
	}

	ch := NewChannel(transport, gate, opts)
	gate.metrics = ch.metrics
	if r.obs != nil {
		ch.metrics.SetMirror(r.obs)
	}

	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()

	r.logger.Info("transport registered", "channel", string(name))
	return ch
}

// Start loads registrations from the store, connects every channel, and
// starts the periodic jobs. Channels whose initial connect fails transiently
// keep retrying in the background; only fatal failures are returned.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	channels := append([]*Channel(nil), r.channels...)
	r.mu.Unlock()

	if err := r.RefreshGroups(ctx); err != nil {
		return fmt.Errorf("load registered groups: %w", err)
	}

	for _, ch := range channels {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", ch.Name(), err)
		}
	}

	// Backstop flush catches messages queued by transient send failures while
	// connected, which no reconnect event would otherwise drain.
	if _, err := r.cron.AddFunc("@every 30s", func() { r.flushAll(ctx) }); err != nil {
		return fmt.Errorf("schedule queue flush: %w", err)
	}
	if _, err := r.cron.AddFunc("@every 5m", func() { r.resyncAll(ctx) }); err != nil {
		return fmt.Errorf("schedule metadata resync: %w", err)
	}
	r.cron.Start()

	r.logger.Info("registry started", "channels", len(channels))
	return nil
}

// Stop halts the periodic jobs and disconnects every channel. Queued
// messages are retained in memory only; restart durability is the store's
// concern, not the queue's.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	channels := append([]*Channel(nil), r.channels...)
	r.mu.Unlock()

	stopCtx := r.cron.Stop()
	<-stopCtx.Done()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.Disconnect()
		}(ch)
	}
	wg.Wait()

	r.logger.Info("registry stopped")
}

// SendMessage routes text to whichever channel owns the id. Exactly one
// channel claims any given id because ids are namespaced per platform.
func (r *Registry) SendMessage(ctx context.Context, jid, text string) (queued bool, err error) {
	ch := r.channelFor(jid)
	if ch == nil {
		return false, ErrNotFound(fmt.Sprintf("no channel owns id %q", jid), nil)
	}
	queued, err = ch.SendMessage(ctx, jid, text)
	if r.obs != nil && err == nil && !queued {
		r.obs.RecordMessage(string(ch.Name()), "outbound")
	}
	return queued, err
}

// SetTyping forwards a typing indicator to the owning channel. Unsupported
// transports and unowned ids are silently ignored.
func (r *Registry) SetTyping(ctx context.Context, jid string, typing bool) error {
	ch := r.channelFor(jid)
	if ch == nil {
		return nil
	}
	return ch.SetTyping(ctx, jid, typing)
}

// RegisterGroup persists a registration and makes it visible to the gates.
// A group that requires a trigger must carry one: an empty trigger would
// match nothing and silently drop every message.
func (r *Registry) RegisterGroup(ctx context.Context, group models.RegisteredGroup) error {
	if group.RequiresTrigger {
		if strings.TrimSpace(group.Trigger) == "" {
			return fmt.Errorf("group %s requires a trigger but has none", group.JID)
		}
		if _, err := TriggerPattern(group.Trigger); err != nil {
			return fmt.Errorf("invalid trigger %q: %w", group.Trigger, err)
		}
	}
	if err := r.store.UpsertRegisteredGroup(ctx, group); err != nil {
		return fmt.Errorf("persist group %s: %w", group.JID, err)
	}

	r.mu.Lock()
	r.groups[group.JID] = group
	r.mu.Unlock()

	r.logger.Info("group registered", "jid", group.JID, "name", group.Name)
	return nil
}

// UnregisterGroup removes a registration. The chat's metadata is kept so it
// still shows up in discovery.
func (r *Registry) UnregisterGroup(ctx context.Context, jid string) error {
	if err := r.store.DeleteRegisteredGroup(ctx, jid); err != nil {
		return fmt.Errorf("delete group %s: %w", jid, err)
	}

	r.mu.Lock()
	delete(r.groups, jid)
	r.mu.Unlock()

	r.logger.Info("group unregistered", "jid", jid)
	return nil
}

// RegisteredGroups returns a snapshot of the registration table.
func (r *Registry) RegisteredGroups() []models.RegisteredGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := make([]models.RegisteredGroup, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	return groups
}

// RefreshGroups replaces the in-memory registration table from the store.
// Called at startup and when external edits (config reload, CLI) change the
// persisted set.
func (r *Registry) RefreshGroups(ctx context.Context) error {
	groups, err := r.store.LoadRegisteredGroups(ctx)
	if err != nil {
		return err
	}

	table := make(map[string]models.RegisteredGroup, len(groups))
	for _, g := range groups {
		table[g.JID] = g
	}

	r.mu.Lock()
	r.groups = table
	r.mu.Unlock()

	r.logger.Info("registration table refreshed", "groups", len(table))
	return nil
}

// Status reports each channel's supervisor state.
func (r *Registry) Status() map[models.ChannelType]ConnState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := make(map[models.ChannelType]ConnState, len(r.channels))
	for _, ch := range r.channels {
		status[ch.Name()] = ch.State()
	}
	return status
}

// MetricsSnapshots returns delivery metrics for every channel.
func (r *Registry) MetricsSnapshots() []MetricsSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := make([]MetricsSnapshot, 0, len(r.channels))
	for _, ch := range r.channels {
		snaps = append(snaps, ch.Metrics())
	}
	return snaps
}

func (r *Registry) channelFor(jid string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

func (r *Registry) lookupGroup(jid string) (models.RegisteredGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[jid]
	return g, ok
}

// dispatchMessage journals a gated message and hands it to the orchestrator.
// A store failure is logged but does not block delivery.
func (r *Registry) dispatchMessage(ctx context.Context, msg models.InboundMessage) {
	if r.store != nil {
		if err := r.store.StoreMessage(ctx, msg); err != nil {
			r.logger.Warn("message journaling failed", "id", msg.ID, "error", err)
		}
	}
	if r.obs != nil {
		r.obs.RecordMessage(string(msg.Channel), "inbound")
	}
	if r.handlers.OnMessage != nil {
		r.handlers.OnMessage(ctx, msg)
	}
}

// recordMetadata persists chat metadata from every event, keeping the
// discovery table current even for unregistered chats.
func (r *Registry) recordMetadata(ctx context.Context, meta models.ChatMetadata) {
	if r.store != nil {
		if err := r.store.UpsertChatMetadata(ctx, meta); err != nil {
			r.logger.Debug("metadata upsert failed", "jid", meta.JID, "error", err)
		}
	}
	if r.handlers.OnChatMetadata != nil {
		r.handlers.OnChatMetadata(ctx, meta)
	}
}

func (r *Registry) flushAll(ctx context.Context) {
	r.mu.RLock()
	channels := append([]*Channel(nil), r.channels...)
	r.mu.RUnlock()

	for _, ch := range channels {
		if !ch.IsConnected() || ch.QueueDepth() == 0 {
			continue
		}
		if err := ch.FlushQueue(ctx); err != nil {
			r.logger.Warn("periodic flush failed", "channel", string(ch.Name()), "error", err)
		}
		if r.obs != nil {
			r.obs.SetQueueDepth(string(ch.Name()), float64(ch.QueueDepth()))
		}
	}
}

func (r *Registry) resyncAll(ctx context.Context) {
	r.mu.RLock()
	channels := append([]*Channel(nil), r.channels...)
	r.mu.RUnlock()

	for _, ch := range channels {
		if !ch.IsConnected() {
			continue
		}
		if err := ch.SyncMetadata(ctx, false); err != nil {
			r.logger.Debug("periodic metadata resync failed", "channel", string(ch.Name()), "error", err)
		}
	}
}
