package sw

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MessageType names a control message exchanged with the host.
type MessageType string

const (
	// outbound, broadcast to every client
	MsgUpdateAvailable MessageType = "UPDATE_AVAILABLE"
	MsgSyncStarted     MessageType = "SYNC_STARTED"
	MsgSyncNeeded      MessageType = "SYNC_NEEDED"
	MsgSyncError       MessageType = "SYNC_ERROR"

	// inbound
	MsgSkipWaiting MessageType = "SKIP_WAITING"
	MsgGetVersion  MessageType = "GET_VERSION"

	// private reply to MsgGetVersion
	MsgVersionInfo MessageType = "VERSION_INFO"
)

// Message is the wire shape of every control message. Only the fields of the
// given Type are set.
type Message struct {
	Type    MessageType       `json:"type"`
	Version string            `json:"version,omitempty"`
	Count   int               `json:"count,omitempty"`
	Queue   []json.RawMessage `json:"queue,omitempty"`
	Message string            `json:"message,omitempty"`
}

// InboundMessage is a message sent by the host. Reply, when set, receives the
// private answer to requests like GET_VERSION; the sender must not close it
// before the handler returns.
type InboundMessage struct {
	Type  MessageType
	Reply chan<- Message
}

const defaultClientBuffer = 16

// Client is one connected host context. Version is the generation that
// controls it; empty means no proxy generation has claimed it yet.
type Client struct {
	ID string

	ch      chan Message
	mu      sync.Mutex
	version string
}

// Messages delivers broadcasts until the client is unsubscribed.
func (c *Client) Messages() <-chan Message { return c.ch }

// Version returns the generation the client is bound to.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) bind(version string) {
	c.mu.Lock()
	c.version = version
	c.mu.Unlock()
}

// Hub fans control messages out to connected clients. Broadcast never blocks:
// a client whose buffer is full misses the message.
type Hub struct {
	mu           sync.Mutex
	clients      map[string]*Client
	buffer       int
	dropped      uint64
	onDisconnect func(*Client)
}

// NewHub creates a hub whose clients buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &Hub{clients: make(map[string]*Client), buffer: buffer}
}

// Subscribe registers a client bound to version.
func (h *Hub) Subscribe(version string) *Client {
	c := &Client{ID: uuid.NewString(), ch: make(chan Message, h.buffer), version: version}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	return c
}

// Unsubscribe removes c and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	if ok {
		delete(h.clients, c.ID)
		close(c.ch)
	}
	hook := h.onDisconnect
	h.mu.Unlock()

	if ok && hook != nil {
		hook(c)
	}
}

// OnDisconnect installs a callback run after a client leaves.
func (h *Hub) OnDisconnect(fn func(*Client)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// Broadcast sends msg to every client and returns how many received it.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for _, c := range h.clients {
		select {
		case c.ch <- msg:
			delivered++
		default:
			h.dropped++
		}
	}
	return delivered
}

// Claim binds every connected client to version and returns the count.
func (h *Hub) Claim(version string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.bind(version)
	}
	return len(h.clients)
}

// CountBoundElsewhere counts clients controlled by a generation other than
// version. Unclaimed clients do not count.
func (h *Hub) CountBoundElsewhere(version string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.clients {
		if v := c.Version(); v != "" && v != version {
			n++
		}
	}
	return n
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
