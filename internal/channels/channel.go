// Package channels implements the channel abstraction and the reliable
// message-delivery pipeline shared by every platform adapter: the transport
// contract, the inbound delivery gate, the per-channel outbound queue, and
// the reconnection supervisor.
package channels

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qwibitai/nanoclaw-sub004/internal/backoff"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/chunk"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// Limits describes platform payload constraints an adapter reports.
type Limits struct {
	// MaxMessageBytes is the maximum single-message payload size (0 = unlimited).
	MaxMessageBytes int
}

// Transport is the narrow interface each platform adapter implements. The
// Channel wrapper layers queueing, chunking, and reconnection on top so that
// delivery guarantees are uniform regardless of whether the platform pushes
// over a socket, long-polls, or is polled.
type Transport interface {
	// Name returns the platform this transport speaks to.
	Name() models.ChannelType

	// Dial establishes the platform session. On success it returns a channel
	// that yields the disconnect reason exactly once when the session ends.
	// A returned error classifies the failure: fatal errors (logged out,
	// revoked credentials) terminate the channel, anything else is retried.
	Dial(ctx context.Context) (<-chan error, error)

	// Close tears the session down. It must be idempotent and safe to call
	// when not connected.
	Close()

	// SendText delivers one already-chunked text payload to a raw platform
	// id and returns the platform message id when available.
	SendText(ctx context.Context, rawJID, text string) (string, error)

	// OwnsJID reports whether an id (raw or canonical) belongs to this
	// platform, judged purely from the id's shape. Ids are namespaced per
	// platform by construction, so the registry routes sends without a
	// separate name-to-adapter table.
	OwnsJID(jid string) bool

	// Events returns the stream of normalized inbound events. The stream is
	// owned by the transport and stays open across reconnects; it is closed
	// only when the transport shuts down for good.
	Events() <-chan models.RawEvent

	// Limits reports platform payload constraints.
	Limits() Limits
}

// Typer is an optional capability for transports that can surface typing
// indicators.
type Typer interface {
	SetTyping(ctx context.Context, rawJID string, typing bool) error
}

// MetadataSyncer is an optional capability for transports that can refresh
// contact and group metadata on demand.
type MetadataSyncer interface {
	SyncMetadata(ctx context.Context, force bool) error
}

// ChannelOptions tunes a managed channel. Zero values fall back to defaults.
type ChannelOptions struct {
	// QueueCapacity bounds the outbound queue (drop-oldest beyond it).
	QueueCapacity int

	// Reconnect is the per-channel backoff policy. Platforms differ: some
	// tolerate quick retries, others rate-limit the handshake.
	Reconnect backoff.Policy

	// MaxReconnectAttempts escalates to fatal once exceeded (0 = unlimited).
	MaxReconnectAttempts int

	// RateLimit and RateBurst pace outbound sends (tokens/sec, burst size).
	RateLimit float64
	RateBurst int

	// FlushInterval is the periodic queue-flush backstop. Zero disables it;
	// the registry usually schedules flushes instead.
	FlushInterval time.Duration

	// OnFatal is invoked once when the channel reaches TERMINATED.
	OnFatal func(channel models.ChannelType, err error)

	Logger *slog.Logger
}

const defaultQueueCapacity = 100

// Channel wraps a Transport with the delivery pipeline: outbound FIFO queue,
// chunked sends, rate limiting, and supervised reconnection. One Channel
// exists per configured platform and owns all of its timers and state, so no
// cross-channel locks are needed.
type Channel struct {
	transport Transport
	gate      *DeliveryGate
	queue     *outboundQueue
	limiter   *RateLimiter
	metrics   *Metrics
	logger    *slog.Logger

	policy      backoff.Policy
	maxAttempts int
	onFatal     func(models.ChannelType, error)

	state    atomic.Int32
	running  atomic.Bool
	flushing atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel builds a managed channel around a transport. The gate may be
// nil for send-only channels.
func NewChannel(transport Transport, gate *DeliveryGate, opts ChannelOptions) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", string(transport.Name()))

	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	rate := opts.RateLimit
	if rate <= 0 {
		rate = 10
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 5
	}

	c := &Channel{
		transport:   transport,
		gate:        gate,
		queue:       newOutboundQueue(capacity),
		limiter:     NewRateLimiter(rate, burst),
		metrics:     NewMetrics(transport.Name()),
		logger:      logger,
		policy:      opts.Reconnect,
		maxAttempts: opts.MaxReconnectAttempts,
		onFatal:     opts.OnFatal,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// Name returns the platform this channel serves.
func (c *Channel) Name() models.ChannelType {
	return c.transport.Name()
}

// OwnsJID reports whether an id belongs to this channel's platform.
func (c *Channel) OwnsJID(jid string) bool {
	return c.transport.OwnsJID(jid)
}

// IsConnected reports whether the channel currently has a live session.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Metrics returns a snapshot of this channel's delivery metrics.
func (c *Channel) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// QueueDepth returns the number of messages waiting in the outbound queue.
func (c *Channel) QueueDepth() int {
	return c.queue.Len()
}

// Connect establishes the platform session and starts supervision. The
// first dial happens synchronously: a fatal failure (revoked credentials,
// logged out) is returned to the caller and the channel terminates; a
// transient failure hands off to the background retry loop and Connect
// returns nil. Calling Connect on an already-running channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnecting)
	done, err := c.transport.Dial(runCtx)
	if err != nil {
		if IsFatal(err) {
			cancel()
			c.running.Store(false)
			c.terminate(err)
			return err
		}
		c.logger.Warn("initial connect failed, retrying in background", "error", err)
		c.wg.Add(2)
		go c.pumpEvents(runCtx)
		go func() {
			defer c.wg.Done()
			c.supervise(runCtx, nil, err)
		}()
		return nil
	}

	c.handleConnected(runCtx)
	c.wg.Add(2)
	go c.pumpEvents(runCtx)
	go func() {
		defer c.wg.Done()
		c.supervise(runCtx, done, nil)
	}()
	return nil
}

// Disconnect stops supervision, cancels any pending reconnect timer, and
// closes the transport. It is idempotent and never fails when called on an
// already-disconnected channel. Queued messages are retained for a later
// Connect.
func (c *Channel) Disconnect() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.transport.Close()
	c.wg.Wait()

	if c.State() != StateTerminated {
		c.setState(StateDisconnected)
	}
	c.logger.Info("channel disconnected", "queued", c.queue.Len())
}

// SendMessage delivers text to a canonical conversation id. When the channel
// is disconnected the message is queued and (true, nil) is returned; the
// caller never blocks or fails on a transient outage. When connected the
// text is chunked to the platform limit and sent in order; any chunk failure
// re-enqueues the entire original message.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (queued bool, err error) {
	if text == "" {
		return false, nil
	}

	if !c.IsConnected() {
		c.enqueue(jid, text)
		return true, nil
	}

	if err := c.sendNow(ctx, jid, text); err != nil {
		c.metrics.RecordMessageFailed()
		c.enqueue(jid, text)
		c.logger.Warn("send failed, message queued for retry", "jid", jid, "error", err)
		return true, nil
	}
	return false, nil
}

// SetTyping forwards a typing indicator when the transport supports it.
func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	t, ok := c.transport.(Typer)
	if !ok {
		return nil
	}
	return t.SetTyping(ctx, jid, typing)
}

// SyncMetadata asks the transport to refresh contact/group metadata when
// supported.
func (c *Channel) SyncMetadata(ctx context.Context, force bool) error {
	s, ok := c.transport.(MetadataSyncer)
	if !ok {
		return nil
	}
	return s.SyncMetadata(ctx, force)
}

// pumpEvents feeds transport events into the delivery gate. Each channel has
// its own pump goroutine so a slow attachment download on one platform never
// stalls delivery on another.
func (c *Channel) pumpEvents(ctx context.Context) {
	defer c.wg.Done()
	if c.gate == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.transport.Events():
			if !ok {
				return
			}
			c.metrics.RecordMessageReceived()
			c.gate.HandleEvent(ctx, ev)
		}
	}
}

func (c *Channel) enqueue(jid, text string) {
	if dropped := c.queue.Push(queueEntry{JID: jid, Text: text, EnqueuedAt: time.Now()}); dropped {
		c.metrics.RecordQueueDrop()
		c.logger.Warn("outbound queue full, dropped oldest entry", "capacity", c.queue.Capacity())
	}
	c.metrics.RecordQueued()
}

// sendNow chunks and sends text, serialized through the rate limiter.
func (c *Channel) sendNow(ctx context.Context, jid, text string) error {
	for _, part := range c.chunks(text) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		if _, err := c.transport.SendText(ctx, jid, part); err != nil {
			return err
		}
		c.metrics.RecordMessageSent()
		c.metrics.RecordSendLatency(time.Since(start))
	}
	return nil
}

func (c *Channel) chunks(text string) []string {
	limit := c.transport.Limits().MaxMessageBytes
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	return chunk.Text(text, limit)
}
