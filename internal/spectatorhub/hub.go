// Package spectatorhub fans a host endpoint's confirmed-input stream out to
// any number of spectator processes: one buffered channel and one writer
// goroutine per client, with a configurable backpressure policy (drop vs.
// kick a slow consumer), addressed by net.Addr over a shared
// transport.Socket instead of one goroutine per TCP connection.
package spectatorhub

import (
	"net"
	"sync"

	"github.com/nullframe/rollback/internal/logging"
	"github.com/nullframe/rollback/internal/metrics"
	"github.com/nullframe/rollback/transport"
)

// BackpressurePolicy decides what happens when a spectator's outbound queue
// is full.
type BackpressurePolicy int

const (
	// PolicyDrop silently discards the broadcast for that one spectator.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick removes the spectator from the hub and closes its
	// Client.Closed channel. No event is raised for it: P2PSession does not
	// watch Closed, and the spectator's own session only notices once its
	// disconnect timeout expires.
	PolicyKick
)

// Client is one registered spectator connection.
type Client struct {
	Addr      net.Addr
	Out       chan []byte
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close marks the client closed; idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Closed) })
}

// Hub fans out raw encoded Input datagrams to every registered spectator.
// Each client is drained by its own writer goroutine (the one explicitly
// allowed exception to the session's single-threaded model), so a slow
// spectator's socket write never blocks the broadcaster.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates an empty hub with a reasonable default outbound buffer.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 64} }

// Add registers a spectator and starts its writer goroutine, which drains
// Out and sends each frame through sock.
func (h *Hub) Add(addr net.Addr, sock transport.Socket) *Client {
	c := &Client{Addr: addr, Out: make(chan []byte, h.bufSize()), Closed: make(chan struct{})}
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetSpectatorClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("spectators_first_connected")
	}
	go c.writeLoop(sock)
	return c
}

func (h *Hub) bufSize() int {
	if h.OutBufSize <= 0 {
		return 64
	}
	return h.OutBufSize
}

func (c *Client) writeLoop(sock transport.Socket) {
	for {
		select {
		case data, ok := <-c.Out:
			if !ok {
				return
			}
			if err := sock.SendTo(c.Addr, data); err != nil {
				logging.L().Warn("spectator_send_failed", "addr", c.Addr, "error", err)
			}
		case <-c.Closed:
			return
		}
	}
}

// Remove unregisters a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetSpectatorClients(cur)
	if existed && cur == 0 {
		logging.L().Info("spectators_last_disconnected")
	}
}

// Broadcast fans data out to every registered spectator, honoring Policy
// for whichever clients have a full outbound queue.
func (h *Hub) Broadcast(data []byte) {
	clients := h.Snapshot()
	metrics.SetSpectatorFanout(len(clients))
	metrics.SetSpectatorClients(len(clients))
	if len(clients) > 0 {
		max, sum := 0, 0
		for _, c := range clients {
			l := len(c.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetSpectatorQueueDepth(max, sum/len(clients))
	}
	for _, c := range clients {
		select {
		case c.Out <- data:
		default:
			if h.Policy == PolicyKick {
				metrics.IncSpectatorKick()
				// Remove (not just Close) so the kicked client stops
				// appearing in future Snapshot()s; otherwise every later
				// Broadcast would hit this same default branch forever.
				h.Remove(c)
			} else {
				metrics.IncSpectatorDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active spectators.
func (h *Hub) Count() int {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return n
}
