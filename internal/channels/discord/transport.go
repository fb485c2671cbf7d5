// Package discord implements the Discord transport over the gateway
// websocket using discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/qwibitai/nanoclaw-sub004/internal/channels"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/chunk"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// jidPrefix namespaces Discord channel ids in the canonical id space.
const jidPrefix = "discord:"

// Config configures the Discord transport.
type Config struct {
	// Token is the bot token from the Discord developer portal.
	Token string
}

// Transport is the Discord channels.Transport implementation.
type Transport struct {
	logger  *slog.Logger
	session *discordgo.Session

	events chan models.RawEvent

	mu       sync.Mutex
	done     chan error
	doneOnce *sync.Once
}

// New creates the transport. The session opens on Dial.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, channels.ErrAuthentication("discord session init failed", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	// Reconnection is owned by the channel supervisor, not the library.
	session.ShouldReconnectOnError = false

	t := &Transport{
		logger:  logger.With("channel", "discord"),
		session: session,
		events:  make(chan models.RawEvent, 64),
	}
	session.AddHandler(t.handleMessageCreate)
	session.AddHandler(t.handleDisconnect)

	return t, nil
}

// Name implements channels.Transport.
func (t *Transport) Name() models.ChannelType {
	return models.ChannelDiscord
}

// Dial opens the gateway websocket.
func (t *Transport) Dial(ctx context.Context) (<-chan error, error) {
	done := make(chan error, 1)
	t.mu.Lock()
	t.done = done
	t.doneOnce = &sync.Once{}
	t.mu.Unlock()

	if err := t.session.Open(); err != nil {
		if isAuthFailure(err) {
			return nil, channels.ErrAuthentication("discord token rejected", err)
		}
		return nil, channels.ErrConnection("discord gateway open failed", err)
	}

	t.logger.Info("discord gateway connected")
	return done, nil
}

// Close implements channels.Transport. Idempotent.
func (t *Transport) Close() {
	if err := t.session.Close(); err != nil {
		t.logger.Debug("session close", "error", err)
	}
}

// SendText implements channels.Transport.
func (t *Transport) SendText(ctx context.Context, rawJID, text string) (string, error) {
	channelID, ok := strings.CutPrefix(rawJID, jidPrefix)
	if !ok {
		return "", channels.NewError(channels.ErrCodeInternal, fmt.Sprintf("not a discord id: %q", rawJID), nil)
	}

	msg, err := t.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		var rateErr *discordgo.RateLimitError
		if errors.As(err, &rateErr) {
			return "", channels.ErrRateLimit("discord send throttled", err)
		}
		return "", channels.ErrConnection("discord send failed", err)
	}
	return msg.ID, nil
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
	return channels.Limits{MaxMessageBytes: chunk.Limit(string(models.ChannelDiscord))}
}

// SetTyping implements channels.Typer. Discord auto-expires the indicator.
func (t *Transport) SetTyping(ctx context.Context, rawJID string, typing bool) error {
	if !typing {
		return nil
	}
	channelID, ok := strings.CutPrefix(rawJID, jidPrefix)
	if !ok {
		return nil
	}
	return t.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func (t *Transport) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	var attachments []models.RawAttachment
	for _, att := range m.Attachments {
		attachments = append(attachments, models.RawAttachment{
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}

	if m.Content == "" && len(attachments) == 0 {
		return
	}

	fromMe := s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID

	ev := models.RawEvent{
		MessageID:   m.ID,
		ChatJID:     jidPrefix + m.ChannelID,
		ChatName:    t.channelName(m.ChannelID),
		Sender:      jidPrefix + m.Author.ID,
		SenderName:  m.Author.Username,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		IsFromMe:    fromMe,
		IsGroup:     m.GuildID != "",
		Attachments: attachments,
	}

	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event buffer full, inbound event dropped", "chat", ev.ChatJID)
	}
}

func (t *Transport) handleDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	t.reportDisconnect(channels.ErrConnection("discord gateway disconnected", nil))
}

func (t *Transport) reportDisconnect(err error) {
	t.mu.Lock()
	done, once := t.done, t.doneOnce
	t.mu.Unlock()
	if done == nil || once == nil {
		return
	}
	once.Do(func() { done <- err })
}

func (t *Transport) channelName(channelID string) string {
	if t.session.State != nil {
		if ch, err := t.session.State.Channel(channelID); err == nil && ch.Name != "" {
			return ch.Name
		}
	}
	ch, err := t.session.Channel(channelID)
	if err != nil {
		return ""
	}
	return ch.Name
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "authentication")
}
