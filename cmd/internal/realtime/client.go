package realtime

import (
	"sync"
	"sync/atomic"

	v1 "agora/shared/contracts/realtime/v1"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 8
)

// Client represents one connected websocket session.
//
// Design notes:
//   - send is NOT closed by the server so concurrent broadcasters never panic.
//   - done is closed once, by Close or Evict, to stop the session goroutines.
//   - the queue is FIFO and drained by a single writer, so the order in which
//     envelopes are delivered is the order they are written.
type Client struct {
	SessionID string

	send chan v1.Envelope

	mu     sync.RWMutex
	userID string

	evicted   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = minSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// UserID returns the identified user, or "" before identification.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) identify(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Deliver enqueues env without blocking. It reports ok=false when the client is
// closed or its queue is full. A full queue evicts the client: it has fallen
// too far behind to keep order and must reconnect and resync from history.
// evicted is true only for the call that caused the eviction.
func (c *Client) Deliver(env v1.Envelope) (ok, evicted bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}

	select {
	case c.send <- env:
		return true, false
	default:
		return false, c.Evict()
	}
}

// Evict closes the client as a slow consumer. It reports whether this call
// performed the eviction.
func (c *Client) Evict() bool {
	if !c.evicted.CompareAndSwap(false, true) {
		return false
	}
	c.Close()
	return true
}

// Evicted reports whether the client was closed as a slow consumer.
func (c *Client) Evicted() bool { return c.evicted.Load() }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
