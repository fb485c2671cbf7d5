// Package telegram implements the Telegram transport using long polling via
// the Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/qwibitai/nanoclaw-sub004/internal/channels"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/chunk"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// jidPrefix namespaces Telegram chat ids in the canonical id space.
const jidPrefix = "telegram:"

// Config configures the Telegram transport.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string
}

// Transport is the Telegram channels.Transport implementation.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	bot    *bot.Bot

	events chan models.RawEvent

	// botID is the bot's own user id, learned from getMe on dial.
	botID int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates the transport. The token is validated on Dial, not here.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{
		cfg:    cfg,
		logger: logger.With("channel", "telegram"),
		events: make(chan models.RawEvent, 64),
	}

	b, err := bot.New(cfg.Token,
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(t.handleUpdate),
	)
	if err != nil {
		return nil, channels.ErrAuthentication("telegram bot init failed", err)
	}
	t.bot = b

	return t, nil
}

// Name implements channels.Transport.
func (t *Transport) Name() models.ChannelType {
	return models.ChannelTelegram
}

// Dial validates the token and starts long polling. Polling only stops on
// cancellation, so the disconnect channel reports context.Canceled for a
// clean shutdown and a connection error otherwise.
func (t *Transport) Dial(ctx context.Context) (<-chan error, error) {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		if isUnauthorized(err) {
			return nil, channels.ErrAuthentication("telegram token rejected", err)
		}
		return nil, channels.ErrConnection("telegram getMe failed", err)
	}
	t.botID = me.ID

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		t.bot.Start(runCtx)
		if runCtx.Err() != nil {
			done <- context.Canceled
			return
		}
		done <- channels.ErrConnection("telegram polling stopped", nil)
	}()

	t.logger.Info("telegram polling started", "bot", me.Username)
	return done, nil
}

// Close implements channels.Transport. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendText implements channels.Transport.
func (t *Transport) SendText(ctx context.Context, rawJID, text string) (string, error) {
	chatID, err := parseChatID(rawJID)
	if err != nil {
		return "", err
	}

	sent, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		if isRateLimited(err) {
			return "", channels.ErrRateLimit("telegram send throttled", err)
		}
		return "", channels.ErrConnection("telegram send failed", err)
	}
	return strconv.Itoa(sent.ID), nil
}

// OwnsJID implements channels.Transport.
func (t *Transport) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, jidPrefix)
}

// Events implements channels.Transport.
func (t *Transport) Events() <-chan models.RawEvent {
	return t.events
}

// Limits implements channels.Transport.
func (t *Transport) Limits() channels.Limits {
	return channels.Limits{MaxMessageBytes: chunk.Limit(string(models.ChannelTelegram))}
}

// SetTyping implements channels.Typer. Telegram auto-expires the indicator,
// so typing=false is a no-op.
func (t *Transport) SetTyping(ctx context.Context, rawJID string, typing bool) error {
	if !typing {
		return nil
	}
	chatID, err := parseChatID(rawJID)
	if err != nil {
		return err
	}
	_, err = t.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}

func (t *Transport) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	attachments := t.collectAttachments(ctx, msg)
	if content == "" && len(attachments) == 0 {
		return
	}

	var sender, senderName string
	var fromMe bool
	if msg.From != nil {
		sender = jidPrefix + strconv.FormatInt(msg.From.ID, 10)
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		fromMe = msg.From.ID == t.botID
	}

	ev := models.RawEvent{
		MessageID:   strconv.Itoa(msg.ID),
		ChatJID:     jidPrefix + strconv.FormatInt(msg.Chat.ID, 10),
		ChatName:    chatName(msg.Chat),
		Sender:      sender,
		SenderName:  senderName,
		Content:     content,
		Timestamp:   time.Unix(int64(msg.Date), 0),
		IsFromMe:    fromMe,
		IsGroup:     msg.Chat.Type == "group" || msg.Chat.Type == "supergroup",
		Attachments: attachments,
	}

	select {
	case t.events <- ev:
	case <-ctx.Done():
	default:
		t.logger.Warn("event buffer full, inbound event dropped", "chat", ev.ChatJID)
	}
}

// collectAttachments turns Telegram media into download links. The Bot API
// serves file content from a per-file URL that stays valid for an hour,
// which comfortably covers the gate's download window.
func (t *Transport) collectAttachments(ctx context.Context, msg *tgmodels.Message) []models.RawAttachment {
	var raws []models.RawAttachment

	add := func(fileID, filename, mimeType string, size int64) {
		file, err := t.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
		if err != nil {
			t.logger.Warn("file lookup failed", "file_id", fileID, "error", err)
			raws = append(raws, models.RawAttachment{Filename: filename, MimeType: mimeType})
			return
		}
		raws = append(raws, models.RawAttachment{
			URL:      t.bot.FileDownloadLink(file),
			Filename: filename,
			MimeType: mimeType,
			Size:     size,
		})
	}

	if len(msg.Photo) > 0 {
		// Telegram sends several resolutions; the last is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		add(photo.FileID, "", "image/jpeg", int64(photo.FileSize))
	}
	if msg.Document != nil {
		add(msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType, msg.Document.FileSize)
	}
	if msg.Voice != nil {
		add(msg.Voice.FileID, "", msg.Voice.MimeType, int64(msg.Voice.FileSize))
	}
	if msg.Audio != nil {
		add(msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType, msg.Audio.FileSize)
	}
	if msg.Video != nil {
		add(msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType, msg.Video.FileSize)
	}

	return raws
}

func chatName(chat tgmodels.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	if chat.Username != "" {
		return chat.Username
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func parseChatID(rawJID string) (int64, error) {
	idStr, ok := strings.CutPrefix(rawJID, jidPrefix)
	if !ok {
		return 0, channels.NewError(channels.ErrCodeInternal, fmt.Sprintf("not a telegram id: %q", rawJID), nil)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, channels.NewError(channels.ErrCodeInternal, fmt.Sprintf("invalid telegram chat id %q", idStr), err)
	}
	return id, nil
}

func isUnauthorized(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Unauthorized")
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Too Many Requests")
}
