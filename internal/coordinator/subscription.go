package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/btcsuite/websocket"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanlog"
)

// gqlWSMessage is the minimal graphql-ws envelope this client speaks:
// connection_init / start / data / connection_ack / error / complete.
type gqlWSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeProjectChanged opens a graphql-ws subscription to
// projectChanged and delivers each event to onEvent until ctx is
// cancelled or the connection drops. It blocks; callers run it in its
// own goroutine.
func (c *Client) SubscribeProjectChanged(ctx context.Context, onEvent func(Project)) error {
	wsURL := toWebsocketURL(c.endpoint)

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", "graphql-ws")
	dialer := websocket.Dialer{Subprotocols: []string{"graphql-ws"}}

	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(gqlWSMessage{Type: "connection_init"}); err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}

	payload, err := json.Marshal(graphQLRequest{
		Query: `subscription { projectChanged { id queryEndpoint } }`,
	})
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidSerialize, err)
	}
	if err := conn.WriteJSON(gqlWSMessage{Type: "start", ID: "1", Payload: payload}); err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg gqlWSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			chanlog.Coord.Errorf("projectChanged subscription closed: %v", err)
			return apierr.Wrap(apierr.KindServiceException, err)
		}
		switch msg.Type {
		case "connection_ack", "ka":
			continue
		case "error":
			chanlog.Coord.Errorf("projectChanged subscription error: %s", string(msg.Payload))
			continue
		case "complete":
			return nil
		case "data":
			var data struct {
				Data struct {
					ProjectChanged Project `json:"projectChanged"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &data); err != nil {
				chanlog.Coord.Warnf("projectChanged: bad payload: %v", err)
				continue
			}
			onEvent(data.Data.ProjectChanged)
		}
	}
}

func toWebsocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
