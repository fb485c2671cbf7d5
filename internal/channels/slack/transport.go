// Package slack implements the Slack transport over Socket Mode.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/qwibitai/nanoclaw-sub004/internal/channels"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/chunk"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// jidPrefix namespaces Slack channel ids in the canonical id space.
const jidPrefix = "slack:"

// Config configures the Slack transport.
type Config struct {
	// BotToken is the xoxb- token for Web API calls.
	BotToken string

	// AppToken is the xapp- token for Socket Mode.
	AppToken string
}

// Transport is the Slack channels.Transport implementation.
type Transport struct {
	logger *slog.Logger
	client *slack.Client
	socket *socketmode.Client

	events chan models.RawEvent

	// botUserID is learned from auth.test on dial; used for self-detection.
	botUserID string

	mu        sync.Mutex
	cancel    context.CancelFunc
	nameCache map[string]string
}

// New creates the transport. Tokens are validated on Dial.
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	return &Transport{
		logger:    logger.With("channel", "slack"),
		client:    client,
		socket:    socketmode.New(client),
		events:    make(chan models.RawEvent, 64),
		nameCache: make(map[string]string),
	}
}

// Name implements channels.Transport.
func (t *Transport) Name() models.ChannelType {
	return models.ChannelSlack
}

// Dial authenticates and starts the Socket Mode loop.
func (t *Transport) Dial(ctx context.Context) (<-chan error, error) {
	auth, err := t.client.AuthTestContext(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "invalid_auth") || strings.Contains(err.Error(), "not_authed") {
			return nil, channels.ErrAuthentication("slack token rejected", err)
		}
		return nil, channels.ErrConnection("slack auth test failed", err)
	}
	t.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	done := make(chan error, 1)
	go t.handleEvents(runCtx)
	go func() {
		err := t.socket.RunContext(runCtx)
		if runCtx.Err() != nil {
			done <- context.Canceled
			return
		}
		done <- channels.ErrConnection("slack socket mode stopped", err)
	}()

	t.logger.Info("slack socket mode started", "bot_user", auth.UserID)
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

// SendText implements channels.Transport. The returned id is the message
// timestamp, which is Slack's message identifier.
func (t *Transport) SendText(ctx context.Context, rawJID, text string) (string, error) {
	channelID, ok := strings.CutPrefix(rawJID, jidPrefix)
	if !ok {
		return "", channels.NewError(channels.ErrCodeInternal, fmt.Sprintf("not a slack id: %q", rawJID), nil)
	}

	_, timestamp, err := t.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		var rateErr *slack.RateLimitedError
		if errors.As(err, &rateErr) {
			return "", channels.ErrRateLimit("slack send throttled", err)
		}
		return "", channels.ErrConnection("slack send failed", err)
	}
	return timestamp, nil
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
	return channels.Limits{MaxMessageBytes: chunk.Limit(string(models.ChannelSlack))}
}

func (t *Transport) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.socket.Events:
			if !ok {
				return
			}
			switch ev.Type {
			case socketmode.EventTypeConnectionError:
				t.logger.Warn("socket mode connection error", "data", ev.Data)
			case socketmode.EventTypeEventsAPI:
				t.handleEventsAPI(ev)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if ev.Request != nil {
					t.socket.Ack(*ev.Request)
				}
			}
		}
	}
}

func (t *Transport) handleEventsAPI(ev socketmode.Event) {
	apiEvent, ok := ev.Data.(slackevents.EventsAPIEvent)
	if !ok {
		if ev.Request != nil {
			t.socket.Ack(*ev.Request)
		}
		return
	}
	if ev.Request != nil {
		t.socket.Ack(*ev.Request)
	}

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if inner.SubType != "" && inner.SubType != "file_share" {
			return
		}
		t.handleMessage(inner)
	case *slackevents.AppMentionEvent:
		// App mentions also arrive as message events in channels the bot is
		// in; only mentions from channels without membership need this path.
		t.handleMessage(&slackevents.MessageEvent{
			Type:      "message",
			User:      inner.User,
			Text:      inner.Text,
			Channel:   inner.Channel,
			TimeStamp: inner.TimeStamp,
		})
	}
}

func (t *Transport) handleMessage(ev *slackevents.MessageEvent) {
	attachments := t.collectFiles(ev)
	if ev.Text == "" && len(attachments) == 0 {
		return
	}

	raw := models.RawEvent{
		MessageID:   ev.TimeStamp,
		ChatJID:     jidPrefix + ev.Channel,
		ChatName:    t.channelName(ev.Channel),
		Sender:      jidPrefix + ev.User,
		SenderName:  ev.User,
		Content:     ev.Text,
		Timestamp:   parseTimestamp(ev.TimeStamp),
		IsFromMe:    t.botUserID != "" && ev.User == t.botUserID,
		IsGroup:     !strings.HasPrefix(ev.Channel, "D"),
		Attachments: attachments,
	}

	select {
	case t.events <- raw:
	default:
		t.logger.Warn("event buffer full, inbound event dropped", "chat", raw.ChatJID)
	}
}

// collectFiles downloads shared files eagerly: Slack media URLs require the
// bot token, so handing a bare URL downstream would not work.
func (t *Transport) collectFiles(ev *slackevents.MessageEvent) []models.RawAttachment {
	if ev.Message == nil {
		return nil
	}
	var raws []models.RawAttachment
	for _, f := range ev.Message.Files {
		var buf bytes.Buffer
		if err := t.client.GetFile(f.URLPrivateDownload, &buf); err != nil {
			t.logger.Warn("file download failed", "file", f.Name, "error", err)
			raws = append(raws, models.RawAttachment{Filename: f.Name, MimeType: f.Mimetype})
			continue
		}
		raws = append(raws, models.RawAttachment{
			Data:     buf.Bytes(),
			Filename: f.Name,
			MimeType: f.Mimetype,
			Size:     int64(buf.Len()),
		})
	}
	return raws
}

func (t *Transport) channelName(channelID string) string {
	t.mu.Lock()
	name, ok := t.nameCache[channelID]
	t.mu.Unlock()
	if ok {
		return name
	}

	info, err := t.client.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return ""
	}

	t.mu.Lock()
	t.nameCache[channelID] = info.Name
	t.mu.Unlock()
	return info.Name
}

// parseTimestamp converts Slack's "seconds.fraction" event timestamp.
func parseTimestamp(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
