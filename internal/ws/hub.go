package ws

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/observability"
)

// EventKind enumerates the transitions and broadcasts a connection goes through.
type EventKind int

const (
	EventConnect EventKind = iota
	EventReceive
	EventDisconnect
	EventRoomBroadcast
	EventPersonalBroadcast
)

func (k EventKind) audience() string {
	if k == EventPersonalBroadcast {
		return "personal"
	}
	return "room"
}

// Delivery is one outbound payload addressed to a group.
type Delivery struct {
	Kind     EventKind
	Payload  []byte
	SenderID *int
}

var errSuppressed = errors.New("echo suppressed")

// Hub maps group names to their member connections.
type Hub struct {
	groups map[string]map[*Client]struct{}
	mu     sync.RWMutex
	log    zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[*Client]struct{}),
		log:    log,
	}
}

// Join adds the client to group. Joining twice has no further effect.
func (h *Hub) Join(group string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[*Client]struct{})
	}
	h.groups[group][c] = struct{}{}
}

// Leave removes the client from group and prunes empty groups.
func (h *Hub) Leave(group string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// SendToGroup queues d for every member of group and returns how many
// accepted it. Per-member failures are logged, never returned. The write lock
// serializes calls so each member sees deliveries in call order.
func (h *Hub) SendToGroup(group string, d Delivery) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for c := range h.groups[group] {
		err := c.deliver(d)
		switch {
		case err == nil:
			delivered++
			observability.IncRelayDelivery(d.Kind.audience(), "queued")
		case errors.Is(err, errSuppressed):
			observability.IncRelayDelivery(d.Kind.audience(), "suppressed")
		default:
			observability.IncRelayDelivery(d.Kind.audience(), "dropped")
			h.log.Warn().Err(err).Str("group", group).Str("conn_id", c.ID()).Msg("delivery dropped")
		}
	}
	return delivered
}

// GroupSize returns the number of members of group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close closes every member transport. Their relay workers then run the
// disconnect transition and leave their groups.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, members := range h.groups {
		for c := range members {
			_ = c.conn.Close()
		}
	}
}
