package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Hub tracks connected peers.
type Hub struct {
	mu     sync.RWMutex
	peers  map[*Peer]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		peers:  make(map[*Peer]struct{}),
		logger: logger,
	}
}

func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a peer and releases anything blocked sending to it.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.done)
	}
	h.mu.Unlock()
}

// Notify sends a notice frame to every peer. Peers with a full buffer miss it.
func (h *Hub) Notify(message string) {
	data, err := json.Marshal(Frame{Type: FrameNotice, Message: message})
	if err != nil {
		h.logger.Error("marshal notice", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for p := range h.peers {
		select {
		case p.send <- data:
		default:
		}
	}
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
