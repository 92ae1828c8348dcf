package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Transport is the part of a websocket connection the relay uses.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// State of a relay connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one relay connection. group and userID are written once during
// connect, before the client becomes visible to the hub, and are read-only
// afterwards.
type Client struct {
	id     string
	group  string
	userID *int
	info   ConnInfo
	conn   Transport
	state  State

	send     chan []byte
	mu       sync.Mutex
	closed   bool
	pumpDone chan struct{}
}

func newClient(conn Transport, group string, info ConnInfo, queueSize int) *Client {
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}
	return &Client{
		id:       info.ConnID,
		group:    group,
		info:     info,
		conn:     conn,
		state:    StateConnecting,
		send:     make(chan []byte, queueSize),
		pumpDone: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Group returns the group joined at connect time.
func (c *Client) Group() string {
	return c.group
}

// BoundUserID returns the user bound at connect time, if any.
func (c *Client) BoundUserID() (int, bool) {
	if c.userID == nil {
		return 0, false
	}
	return *c.userID, true
}

// deliver applies the per-recipient rules of a broadcast and queues it.
func (c *Client) deliver(d Delivery) error {
	switch d.Kind {
	case EventRoomBroadcast:
		if c.isSender(d.SenderID) {
			return errSuppressed
		}
	case EventPersonalBroadcast:
	default:
		return ErrDelivery
	}
	return c.enqueue(d.Payload)
}

func (c *Client) isSender(senderID *int) bool {
	bound, ok := c.BoundUserID()
	return ok && senderID != nil && bound == *senderID
}

// enqueue never blocks: a full queue drops the payload.
func (c *Client) enqueue(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDelivery
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrDelivery
	}
}

// writePump is the only writer of the transport.
func (c *Client) writePump(log zerolog.Logger) {
	defer close(c.pumpDone)
	failed := false
	for payload := range c.send {
		if failed {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Warn().Err(err).Str("conn_id", c.id).Str("group", c.group).Msg("websocket write error")
			failed = true
			_ = c.conn.Close()
		}
	}
}

// stop closes the outbound queue and waits for the writer to drain it.
func (c *Client) stop() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	<-c.pumpDone
}
