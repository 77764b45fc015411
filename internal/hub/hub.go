// Package hub fans monitor frames out to connected clients.
package hub

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-kwp-diag/internal/logging"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // lose the frame for that client
	PolicyKick                           // disconnect the client
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q", s)
}

const defaultOutBuf = 512

// Client is one subscriber. Its owner drains Out and watches Closed.
type Client struct {
	Out       chan wire.Frame
	Closed    chan struct{}
	Name      string
	closeOnce sync.Once
}

// Close signals the client is closed. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient allocates a client sized by OutBufSize and registers it.
func (h *Hub) NewClient(name string) *Client {
	n := h.OutBufSize
	if n <= 0 {
		n = defaultOutBuf
	}
	c := &Client{Out: make(chan wire.Frame, n), Closed: make(chan struct{}), Name: name}
	h.Add(c)
	return c
}

// Add registers c.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("clients_first_connected", "client", c.Name)
	}
}

// Remove unregisters and closes c. Safe to call more than once.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected", "client", c.Name)
	}
}

// Broadcast queues f for every client without blocking.
func (h *Hub) Broadcast(f wire.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	maxDepth, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		maxDepth = max(maxDepth, l)
		sum += l
	}
	metrics.SetQueueDepth(maxDepth, sum/len(clients))
	for _, c := range clients {
		select {
		case c.Out <- f:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // the owner removes it on exit
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a copy of the current client set.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Count returns the number of clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
