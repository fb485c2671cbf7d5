package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qwibitai/nanoclaw-sub004/internal/channels/identity"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/utils"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// GroupLookup resolves a canonical conversation id to its registration
// record, if any. The backing map is read-mostly and owned by the registry.
type GroupLookup func(jid string) (models.RegisteredGroup, bool)

// MessageHandler consumes one fully delivered inbound message.
type MessageHandler func(ctx context.Context, msg models.InboundMessage)

// MetadataHandler observes every inbound event regardless of registration.
// This is the discovery feed that lets an operator register a chat they have
// never interacted with through the gateway.
type MetadataHandler func(ctx context.Context, meta models.ChatMetadata)

// AttachmentPolicy controls which inbound attachments are materialized.
// Anything outside the allowlist or over the size ceiling degrades to a
// placeholder marker in the message text; delivery always proceeds.
type AttachmentPolicy struct {
	// AllowedMimeTypes is the download allowlist ("image/*" wildcards
	// permitted). Empty means no attachment is ever downloaded.
	AllowedMimeTypes []string

	// MaxBytes is the per-attachment size ceiling (0 = default 50MB).
	MaxBytes int64

	// Dir is where downloaded attachments are written.
	Dir string

	// Timeout bounds each download.
	Timeout time.Duration
}

// GateConfig wires a delivery gate for one channel.
type GateConfig struct {
	Channel        models.ChannelType
	Resolver       *identity.Resolver
	Groups         GroupLookup
	OnMessage      MessageHandler
	OnChatMetadata MetadataHandler
	Attachments    AttachmentPolicy

	// BotPrefix marks the gateway's own outbound messages when a platform
	// echoes them back (e.g. a linked-device session seeing its own sends).
	BotPrefix string

	// TriggerExempt skips trigger matching entirely; set for direct-message
	// channels where the conversation is implicitly addressed to the bot.
	TriggerExempt bool

	Logger  *slog.Logger
	Metrics *Metrics
}

// DeliveryGate decides, per inbound event, between recording metadata only
// and constructing a full InboundMessage for the orchestrator. It is the
// single choke point between raw platform events and delivered messages.
type DeliveryGate struct {
	channel       models.ChannelType
	resolver      *identity.Resolver
	groups        GroupLookup
	onMessage     MessageHandler
	onMetadata    MetadataHandler
	attachments   AttachmentPolicy
	botPrefix     string
	triggerExempt bool
	logger        *slog.Logger
	metrics       *Metrics
}

// NewDeliveryGate builds a gate from its configuration.
func NewDeliveryGate(cfg GateConfig) *DeliveryGate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryGate{
		channel:       cfg.Channel,
		resolver:      cfg.Resolver,
		groups:        cfg.Groups,
		onMessage:     cfg.OnMessage,
		onMetadata:    cfg.OnChatMetadata,
		attachments:   cfg.Attachments,
		botPrefix:     cfg.BotPrefix,
		triggerExempt: cfg.TriggerExempt,
		logger:        logger.With("component", "gate", "channel", string(cfg.Channel)),
		metrics:       cfg.Metrics,
	}
}

// HandleEvent processes one adapter event through the delivery pipeline:
// canonicalize the chat id, record metadata unconditionally, gate on
// registration and trigger, resolve attachments, tag self-origin, and hand
// exactly one InboundMessage to the orchestrator. A malformed event is
// logged and dropped without affecting the channel's loop.
func (g *DeliveryGate) HandleEvent(ctx context.Context, ev models.RawEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic handling inbound event, event dropped", "panic", r, "chat", ev.ChatJID)
		}
	}()

	if ev.ChatJID == "" {
		g.logger.Debug("dropping event without chat id")
		return
	}

	jid := ev.ChatJID
	if g.resolver != nil {
		jid = g.resolver.Resolve(ctx, ev.ChatJID)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if g.onMetadata != nil {
		g.onMetadata(ctx, models.ChatMetadata{
			JID:      jid,
			Channel:  g.channel,
			Name:     ev.ChatName,
			IsGroup:  ev.IsGroup,
			LastSeen: ts,
		})
	}

	// Metadata-only events (group roster syncs, empty platform frames) update
	// discovery but never become messages.
	if ev.Content == "" && len(ev.Attachments) == 0 {
		g.recordOutcome(outcomeMetadataOnly)
		return
	}

	group, registered := g.groups(jid)
	if !registered {
		g.recordOutcome(outcomeMetadataOnly)
		return
	}

	if group.RequiresTrigger && !g.triggerExempt && !MatchesTrigger(group.Trigger, ev.Content) {
		g.recordOutcome(outcomeNoTrigger)
		return
	}

	content, attachments := g.resolveAttachments(ctx, ev)

	isBot := ev.IsFromMe
	if !isBot && g.botPrefix != "" {
		isBot = strings.HasPrefix(ev.Content, g.botPrefix)
	}

	id := ev.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	msg := models.InboundMessage{
		ID:           id,
		ChatJID:      jid,
		Channel:      g.channel,
		Sender:       ev.Sender,
		SenderName:   ev.SenderName,
		Content:      content,
		Timestamp:    ts.UTC().Format(time.RFC3339),
		IsFromMe:     ev.IsFromMe,
		IsBotMessage: isBot,
		Attachments:  attachments,
	}

	g.recordOutcome(outcomeDelivered)
	if g.onMessage != nil {
		g.onMessage(ctx, msg)
	}
}

// resolveAttachments applies the download policy. Disallowed or failed
// attachments become placeholder markers appended to the content; they never
// block delivery of the surrounding message.
func (g *DeliveryGate) resolveAttachments(ctx context.Context, ev models.RawEvent) (string, []models.Attachment) {
	content := ev.Content
	if len(ev.Attachments) == 0 {
		return content, nil
	}

	var resolved []models.Attachment
	for _, raw := range ev.Attachments {
		att, err := g.fetchAttachment(ctx, raw)
		if err != nil {
			g.logger.Debug("attachment degraded to placeholder", "mime", raw.MimeType, "error", err)
			content = appendPlaceholder(content, raw)
			continue
		}
		resolved = append(resolved, att)
	}
	return content, resolved
}

func (g *DeliveryGate) fetchAttachment(ctx context.Context, raw models.RawAttachment) (models.Attachment, error) {
	maxBytes := g.attachments.MaxBytes
	if maxBytes <= 0 {
		maxBytes = utils.DefaultDownloadOptions().MaxSize
	}

	if !utils.MimeAllowed(raw.MimeType, g.attachments.AllowedMimeTypes) {
		return models.Attachment{}, fmt.Errorf("mime type %q not in allowlist", raw.MimeType)
	}
	if raw.Size > 0 && raw.Size > maxBytes {
		return models.Attachment{}, fmt.Errorf("attachment size %d exceeds ceiling %d", raw.Size, maxBytes)
	}

	data := raw.Data
	if data == nil {
		if raw.URL == "" {
			return models.Attachment{}, fmt.Errorf("attachment has neither data nor url")
		}
		var err error
		data, err = utils.DownloadURL(ctx, raw.URL, utils.DownloadOptions{
			Timeout: g.attachments.Timeout,
			MaxSize: maxBytes,
		})
		if err != nil {
			return models.Attachment{}, err
		}
	}
	if int64(len(data)) > maxBytes {
		return models.Attachment{}, fmt.Errorf("attachment payload %d exceeds ceiling %d", len(data), maxBytes)
	}

	id := uuid.NewString()
	name := filepath.Base(raw.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = id
	}
	path := filepath.Join(g.attachments.Dir, id+"_"+name)
	if err := utils.EnsureParentDir(path); err != nil {
		return models.Attachment{}, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return models.Attachment{}, err
	}

	return models.Attachment{
		ID:       id,
		Path:     path,
		Filename: name,
		MimeType: raw.MimeType,
		Size:     int64(len(data)),
	}, nil
}

func appendPlaceholder(content string, raw models.RawAttachment) string {
	label := raw.Filename
	if label == "" {
		label = raw.MimeType
	}
	if label == "" {
		label = "unknown"
	}
	marker := fmt.Sprintf("[attachment unavailable: %s]", label)
	if content == "" {
		return marker
	}
	return content + "\n" + marker
}

func (g *DeliveryGate) recordOutcome(outcome gateOutcome) {
	if g.metrics != nil {
		g.metrics.RecordGateOutcome(outcome)
	}
}
