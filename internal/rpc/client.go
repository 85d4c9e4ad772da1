package rpc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/session"
)

// outBuffer bounds the per-connection outbound queue. A client that
// falls this far behind is closed as slow.
const outBuffer = 64

// Client is one downstream connection's transport-independent state:
// session binding, the outbound byte queue the transport's write pump
// drains, and close coordination. The transports own the sockets.
type Client struct {
	id        string
	transport string
	remote    string
	handler   *Handler

	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	sess   *session.Session
	reason string
}

func newClient(h *Handler, transport, remote string) *Client {
	return &Client{
		id:        uuid.NewString(),
		transport: transport,
		remote:    remote,
		handler:   h,
		out:       make(chan []byte, outBuffer),
		closed:    make(chan struct{}),
	}
}

// Session returns the bound session, nil before authentication.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) setSession(s *session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

// RemoteAddr returns the peer address as reported by the transport.
func (c *Client) RemoteAddr() string { return c.remote }

// Transport returns the transport name, one of the session constants.
func (c *Client) Transport() string { return c.transport }

// Close releases the connection once; the transport's pumps observe the
// closed channel and tear the socket down.
func (c *Client) Close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

// Closed exposes the close signal for the transport pumps.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// CloseReason returns why the connection ended, empty while open.
func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// enqueue hands a serialized message to the write pump without
// blocking. False means the connection is closed or the queue is full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// enqueueResponse queues a request's reply; a full queue here means the
// client stopped reading and gets closed as slow.
func (c *Client) enqueueResponse(msg []byte) {
	if msg == nil {
		return
	}
	if !c.enqueue(msg) {
		c.closeSlow()
		return
	}
	if sess := c.Session(); sess != nil {
		sess.AddBytes(0, uint64(len(msg)))
	}
}

// sendEvent is the session.SendFunc for this connection. Returning
// false leaves the event on the session's offline queue, so a slow
// client loses the connection but not the event.
func (c *Client) sendEvent(ev *events.Event) bool {
	msg, err := notification(ev.Type, ev.Payload)
	if err != nil {
		c.handler.log.Printf("event %s not serializable: %v", ev.Type, err)
		return false
	}
	if !c.enqueue(msg) {
		c.closeSlow()
		return false
	}
	if sess := c.Session(); sess != nil {
		sess.AddBytes(0, uint64(len(msg)))
	}
	return true
}

func (c *Client) closeSlow() {
	select {
	case <-c.closed:
		return
	default:
	}
	c.handler.cfg.Metrics.RecordSlowClientClosed()
	c.handler.log.Printf("closing slow client %s (%s)", c.remote, c.transport)
	c.Close("slow_client")
}
