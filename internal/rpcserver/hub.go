package rpcserver

import (
	"encoding/json"
	"sync"

	"github.com/btcsuite/websocket"

	"github.com/subquery/payg-gateway/internal/chanlog"
)

// Hub tracks the control plane's connected WebSocket clients and fans
// unsolicited responses out to all of them, per spec.md §4.7's "unsolicited
// responses fan out to all connected WebSocket clients as broadcasts" —
// the delivery mechanism an async "query"/"payg" control-plane call uses
// to push its eventual result to whichever operator is listening, since
// that result is not available by the time the triggering JSON-RPC call
// itself returns. A completed "response" goes back to the requesting peer
// over its RPC connection and is not broadcast here.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast fans msg out to every connected client, dropping (and
// closing) any client whose write fails.
func (h *Hub) Broadcast(msg Response) {
	raw, err := json.Marshal(msg)
	if err != nil {
		chanlog.RPCSrv.Warnf("hub: failed marshaling broadcast: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.SetWriteDeadline(writeDeadline())
		if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
			chanlog.RPCSrv.Debugf("hub: dropping client after write failure: %v", err)
			c.Close()
			h.remove(c)
		}
	}
}
