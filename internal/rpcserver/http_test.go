package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/websocket"
	"github.com/stretchr/testify/require"
)

func TestHTTPHandlerDispatches(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		return string(params), nil
	})
	srv := httptest.NewServer(NewHTTPHandler(d))
	defer srv.Close()

	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: "echo", Params: json.RawMessage(`"hi"`), ID: json.RawMessage("1")})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(t, out.Error)
	require.Equal(t, `"hi"`, out.Result)
}

func TestWSHandlerDispatchesAndReceivesBroadcast(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		return string(params), nil
	})
	hub := NewHub()
	srv := httptest.NewServer(NewWSHandler(d, hub))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := json.Marshal(Request{JSONRPC: "2.0", Method: "echo", Params: json.RawMessage(`"hi"`), ID: json.RawMessage("1")})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Nil(t, resp.Error)
	require.Equal(t, `"hi"`, resp.Result)

	hub.Broadcast(Response{JSONRPC: "2.0", Result: "unsolicited"})
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	var bcast Response
	require.NoError(t, json.Unmarshal(raw, &bcast))
	require.Equal(t, "unsolicited", bcast.Result)
}
