package channels

import (
	"context"
	"errors"
	"fmt"
)

// ConnState is the reconnection supervisor's state for one channel.
type ConnState int32

const (
	// StateDisconnected means no live session and no attempt in flight.
	StateDisconnected ConnState = iota
	// StateConnecting means a dial attempt is in flight or scheduled.
	StateConnecting
	// StateConnected means the platform session is live.
	StateConnected
	// StateTerminated means a fatal condition ended the channel; no further
	// attempts will be made.
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// errConnectionClosed is the reason used when a transport reports a close
// without an explicit error.
var errConnectionClosed = errors.New("connection closed by platform")

// State returns the current supervisor state.
func (c *Channel) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Channel) setState(s ConnState) {
	c.state.Store(int32(s))
}

// supervise is the per-channel reconnection loop. Exactly one instance runs
// per Connect, so at most one dial attempt is ever in flight. When done is
// non-nil the channel is already connected and supervision starts by waiting
// for the disconnect reason; otherwise it starts by scheduling a retry for
// lastErr.
func (c *Channel) supervise(ctx context.Context, done <-chan error, lastErr error) {
	attempt := 0

	if done == nil {
		attempt = 1
	}

	for {
		if done != nil {
			select {
			case <-ctx.Done():
				if c.State() != StateTerminated {
					c.setState(StateDisconnected)
				}
				return
			case reason, ok := <-done:
				c.metrics.RecordConnectionClosed()
				if !ok || reason == nil {
					reason = errConnectionClosed
				}
				if errors.Is(reason, context.Canceled) {
					c.setState(StateDisconnected)
					return
				}
				if IsFatal(reason) {
					c.terminate(reason)
					return
				}
				c.setState(StateDisconnected)
				c.logger.Warn("connection lost", "reason", reason)
				lastErr = reason
				done = nil
				attempt = 1
			}
			continue
		}

		if c.maxAttempts > 0 && attempt > c.maxAttempts {
			c.terminate(fmt.Errorf("reconnect attempts exhausted after %d tries: %w", c.maxAttempts, lastErr))
			return
		}

		if err := c.policy.Sleep(ctx, attempt); err != nil {
			if c.State() != StateTerminated {
				c.setState(StateDisconnected)
			}
			return
		}

		c.setState(StateConnecting)
		c.metrics.RecordReconnectAttempt()
		c.logger.Info("reconnecting", "attempt", attempt)

		ch, err := c.transport.Dial(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.setState(StateDisconnected)
				return
			}
			if IsFatal(err) {
				c.terminate(err)
				return
			}
			lastErr = err
			attempt++
			continue
		}

		done = ch
		attempt = 0
		c.handleConnected(ctx)
	}
}

// handleConnected runs the CONNECTED transition: flush the outbound queue in
// enqueue order, then resync metadata when the transport supports it.
func (c *Channel) handleConnected(ctx context.Context) {
	c.setState(StateConnected)
	c.metrics.RecordConnectionOpened()
	c.logger.Info("connected", "queued", c.queue.Len())

	if err := c.FlushQueue(ctx); err != nil {
		c.logger.Warn("queue flush interrupted, remaining entries kept", "error", err, "remaining", c.queue.Len())
	}

	if s, ok := c.transport.(MetadataSyncer); ok {
		if err := s.SyncMetadata(ctx, false); err != nil {
			c.logger.Warn("metadata resync failed", "error", err)
		}
	}
}

// terminate moves the channel to TERMINATED and surfaces the fatal
// condition. No further delivery is possible on this channel.
func (c *Channel) terminate(err error) {
	c.setState(StateTerminated)
	c.metrics.RecordFatal()
	c.logger.Error("channel terminated", "error", err)
	if c.onFatal != nil {
		c.onFatal(c.transport.Name(), err)
	}
}

// FlushQueue drains the outbound queue strictly in enqueue order, awaiting
// each send before the next so per-platform rate limits are respected. On a
// send failure the failed entry goes back to the head, the flush aborts, and
// the remainder is retried on the next reconnect or periodic flush. Flushes
// never overlap.
func (c *Channel) FlushQueue(ctx context.Context) error {
	if !c.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.flushing.Store(false)

	for c.IsConnected() {
		entry, ok := c.queue.PopFront()
		if !ok {
			return nil
		}
		if err := c.sendNow(ctx, entry.JID, entry.Text); err != nil {
			c.queue.PushFront(entry)
			c.metrics.RecordMessageFailed()
			return err
		}
	}
	return nil
}
