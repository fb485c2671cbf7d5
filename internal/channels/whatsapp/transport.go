// Package whatsapp implements the WhatsApp transport using whatsmeow with a
// paired linked-device session.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the whatsmeow session store

	"github.com/qwibitai/nanoclaw-sub004/internal/channels"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/chunk"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// Config configures the WhatsApp transport.
type Config struct {
	// SessionPath is the whatsmeow SQLite session database.
	SessionPath string

	// DeviceName is shown in the phone's linked-devices list.
	DeviceName string
}

// Transport is the WhatsApp channels.Transport implementation.
type Transport struct {
	cfg       Config
	logger    *slog.Logger
	container *sqlstore.Container
	client    *whatsmeow.Client

	events chan models.RawEvent

	mu       sync.Mutex
	done     chan error
	doneOnce *sync.Once

	closed bool
}

// New opens the session store and prepares the client. Pairing, if needed,
// happens on the first Dial.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", "whatsapp")

	sessionPath := expandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	t := &Transport{
		cfg:       cfg,
		logger:    logger,
		container: container,
		events:    make(chan models.RawEvent, 64),
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnection is owned by the channel supervisor, not the library.
	client.EnableAutoReconnect = false
	client.AddEventHandler(t.handleEvent)
	t.client = client

	return t, nil
}

// Name implements channels.Transport.
func (t *Transport) Name() models.ChannelType {
	return models.ChannelWhatsApp
}

// Dial connects the session, pairing over QR when no device is linked. The
// returned channel yields the disconnect reason once when the session ends.
func (t *Transport) Dial(ctx context.Context) (<-chan error, error) {
	done := make(chan error, 1)
	t.mu.Lock()
	t.done = done
	t.doneOnce = &sync.Once{}
	t.mu.Unlock()

	if t.client.Store.ID == nil {
		if err := t.pair(ctx); err != nil {
			return nil, err
		}
	} else if err := t.client.Connect(); err != nil {
		return nil, channels.ErrConnection("whatsapp connect failed", err)
	}

	return done, nil
}

// pair runs the QR login flow and blocks until pairing succeeds or fails.
func (t *Transport) pair(ctx context.Context) error {
	qrChan, err := t.client.GetQRChannel(ctx)
	if err != nil {
		return channels.ErrConnection("whatsapp qr channel", err)
	}
	if err := t.client.Connect(); err != nil {
		return channels.ErrConnection("whatsapp connect failed", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return channels.ErrConnection("whatsapp pairing aborted", nil)
			}
			switch evt.Event {
			case "code":
				t.printQR(evt.Code)
			case "success":
				t.logger.Info("whatsapp device paired")
				return nil
			case "timeout":
				return channels.ErrTimeout("whatsapp qr code expired", nil)
			case "err-client-outdated":
				return channels.ErrAuthentication("whatsapp client version rejected", nil)
			}
		}
	}
}

func (t *Transport) printQR(code string) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		t.logger.Info("scan QR code to pair", "code", code)
		return
	}
	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	t.logger.Info("scan the QR code above with WhatsApp on your phone")
}

// Close implements channels.Transport. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.client.Disconnect()
	if err := t.container.Close(); err != nil {
		t.logger.Warn("session store close failed", "error", err)
	}
}

// SendText implements channels.Transport.
func (t *Transport) SendText(ctx context.Context, rawJID, text string) (string, error) {
	jid, err := types.ParseJID(rawJID)
	if err != nil {
		return "", channels.NewError(channels.ErrCodeInternal, fmt.Sprintf("invalid jid %q", rawJID), err)
	}

	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", channels.ErrConnection("whatsapp send failed", err)
	}
	return resp.ID, nil
}

// OwnsJID implements channels.Transport. WhatsApp ids carry a server suffix.
func (t *Transport) OwnsJID(jid string) bool {
	for _, suffix := range []string{"@s.whatsapp.net", "@g.us", "@lid", "@broadcast"} {
		if strings.HasSuffix(jid, suffix) {
			return true
		}
	}
	return false
}

// Events implements channels.Transport.
func (t *Transport) Events() <-chan models.RawEvent {
	return t.events
}

// Limits implements channels.Transport.
func (t *Transport) Limits() channels.Limits {
	return channels.Limits{MaxMessageBytes: chunk.Limit(string(models.ChannelWhatsApp))}
}

// SetTyping implements channels.Typer.
func (t *Transport) SetTyping(ctx context.Context, rawJID string, typing bool) error {
	jid, err := types.ParseJID(rawJID)
	if err != nil {
		return err
	}
	state := types.ChatPresenceComposing
	if !typing {
		state = types.ChatPresencePaused
	}
	return t.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// SyncMetadata implements channels.MetadataSyncer by emitting a metadata-only
// event for every joined group.
func (t *Transport) SyncMetadata(ctx context.Context, force bool) error {
	groups, err := t.client.GetJoinedGroups(ctx)
	if err != nil {
		return channels.ErrConnection("whatsapp group sync failed", err)
	}
	for _, g := range groups {
		t.emit(models.RawEvent{
			ChatJID:   g.JID.String(),
			ChatName:  g.Name,
			IsGroup:   true,
			Timestamp: time.Now(),
		})
	}
	t.logger.Debug("group metadata synced", "groups", len(groups))
	return nil
}

// LookupCanonical implements identity.Directory: privacy aliases (the lid
// server) map back to phone-number ids through the session store.
func (t *Transport) LookupCanonical(ctx context.Context, alias string) (string, error) {
	jid, err := types.ParseJID(alias)
	if err != nil {
		return "", fmt.Errorf("parse jid %q: %w", alias, err)
	}
	if jid.Server != types.HiddenUserServer {
		return alias, nil
	}

	pn, err := t.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil {
		return "", fmt.Errorf("lid lookup for %s: %w", alias, err)
	}
	if pn.IsEmpty() {
		return "", fmt.Errorf("no phone-number mapping for %s", alias)
	}
	return pn.String(), nil
}

func (t *Transport) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		t.logger.Info("whatsapp session up")

	case *events.Disconnected:
		t.reportDisconnect(channels.ErrConnection("whatsapp connection lost", nil))

	case *events.StreamReplaced:
		t.reportDisconnect(channels.ErrConnection("whatsapp stream replaced by another client", nil))

	case *events.LoggedOut:
		t.reportDisconnect(channels.ErrLoggedOut(fmt.Sprintf("whatsapp logged out: %s", v.Reason), nil))

	case *events.Message:
		t.handleMessage(v)
	}
}

// reportDisconnect delivers the disconnect reason to the current dial's
// channel exactly once.
func (t *Transport) reportDisconnect(err error) {
	t.mu.Lock()
	done, once := t.done, t.doneOnce
	t.mu.Unlock()
	if done == nil || once == nil {
		return
	}
	once.Do(func() { done <- err })
}

func (t *Transport) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	content, attachments := t.extractContent(evt)
	if content == "" && len(attachments) == 0 {
		return
	}

	t.emit(models.RawEvent{
		MessageID:   evt.Info.ID,
		ChatJID:     evt.Info.Chat.String(),
		ChatName:    t.chatName(evt.Info),
		Sender:      evt.Info.Sender.String(),
		SenderName:  evt.Info.PushName,
		Content:     content,
		Timestamp:   evt.Info.Timestamp,
		IsFromMe:    evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
		Attachments: attachments,
	})
}

// extractContent pulls text and media out of the protobuf message variants.
func (t *Transport) extractContent(evt *events.Message) (string, []models.RawAttachment) {
	msg := evt.Message
	var content string
	var attachments []models.RawAttachment

	switch {
	case msg.Conversation != nil:
		content = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		content = msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		content = msg.ImageMessage.GetCaption()
		attachments = t.appendMedia(attachments, evt.Info.ID, msg.ImageMessage.GetMimetype(), "", msg.ImageMessage)
	case msg.DocumentMessage != nil:
		content = msg.DocumentMessage.GetCaption()
		attachments = t.appendMedia(attachments, evt.Info.ID, msg.DocumentMessage.GetMimetype(), msg.DocumentMessage.GetFileName(), msg.DocumentMessage)
	case msg.AudioMessage != nil:
		attachments = t.appendMedia(attachments, evt.Info.ID, msg.AudioMessage.GetMimetype(), "", msg.AudioMessage)
	case msg.VideoMessage != nil:
		content = msg.VideoMessage.GetCaption()
		attachments = t.appendMedia(attachments, evt.Info.ID, msg.VideoMessage.GetMimetype(), "", msg.VideoMessage)
	}

	return content, attachments
}

func (t *Transport) appendMedia(attachments []models.RawAttachment, id, mimeType, filename string, media whatsmeow.DownloadableMessage) []models.RawAttachment {
	data, err := t.client.Download(context.Background(), media)
	if err != nil {
		t.logger.Warn("media download failed", "message_id", id, "mime", mimeType, "error", err)
		return append(attachments, models.RawAttachment{Filename: filename, MimeType: mimeType})
	}
	return append(attachments, models.RawAttachment{
		Data:     data,
		Filename: filename,
		MimeType: mimeType,
		Size:     int64(len(data)),
	})
}

func (t *Transport) chatName(info types.MessageInfo) string {
	if !info.IsGroup {
		return info.PushName
	}
	group, err := t.client.GetGroupInfo(context.Background(), info.Chat)
	if err != nil || group.Name == "" {
		return info.Chat.User
	}
	return group.Name
}

// emit delivers an event without ever blocking the whatsmeow callback.
func (t *Transport) emit(ev models.RawEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event buffer full, inbound event dropped", "chat", ev.ChatJID)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
