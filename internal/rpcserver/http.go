package rpcserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/websocket"

	"github.com/subquery/payg-gateway/internal/chanlog"
)

const maxRequestBody = 1 << 20 // 1 MiB, generous for control-plane payloads

// writeDeadline bounds a single WS write the way DefaultTimeout bounds
// an RPC substream call.
func writeDeadline() time.Time { return time.Now().Add(10 * time.Second) }

// NewHTTPHandler serves spec.md §4.7's JSON-RPC 2.0 control plane over
// plain HTTP POST: one request body in, one Response out, the simplest
// of the two required transports.
func NewHTTPHandler(d *Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeResponse(w, Response{JSONRPC: "2.0", Error: ErrParse(err.Error())})
			return
		}
		resp := d.Dispatch(r.Context(), body)
		writeResponse(w, resp)
	})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWSHandler serves the optional WebSocket control-plane transport:
// every text frame received is dispatched as one JSON-RPC request, and
// its Response is written back on the same connection. The connection is
// also registered with hub for the lifetime of the session so unsolicited
// broadcasts (an async query's eventual result) reach it too.
func NewWSHandler(d *Dispatcher, hub *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			chanlog.RPCSrv.Warnf("control-plane ws upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		hub.add(conn)
		defer hub.remove(conn)

		for {
			_, body, err := conn.ReadMessage()
			if err != nil {
				return
			}
			resp := d.Dispatch(context.Background(), body)
			raw, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(writeDeadline())
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	})
}
