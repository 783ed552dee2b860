package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanstate"
)

// Resolver maps an indexer's on-chain address to its HTTP front door
// base URL, e.g. from the coordinator's getAliveProjects / indexer
// registry lookup. This module has no built-in service discovery of its
// own (spec.md treats peer addressing as out of scope beyond the
// on-chain registry), so callers supply one.
type Resolver func(indexer chanstate.Address) (baseURL string, err error)

// HTTPTransport implements service.Transport by POSTing to a remote
// indexer's own /open and /query/{deployment} routes — the consumer
// side's simplest path to an indexer that fronts its proxy over HTTP
// rather than (or in addition to) the P2P RPC substream.
type HTTPTransport struct {
	Resolve Resolver
	Client  *http.Client
}

func NewHTTPTransport(resolve Resolver) *HTTPTransport {
	return &HTTPTransport{Resolve: resolve, Client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *HTTPTransport) OpenOnIndexer(ctx context.Context, indexer chanstate.Address, st chanstate.OpenState) (chanstate.OpenState, error) {
	base, err := t.Resolve(indexer)
	if err != nil {
		return chanstate.OpenState{}, apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	var out chanstate.OpenState
	if err := t.postJSON(ctx, base+"/open", st, &out); err != nil {
		return chanstate.OpenState{}, err
	}
	return out, nil
}

func (t *HTTPTransport) QueryOnIndexer(ctx context.Context, indexer chanstate.Address, st chanstate.QueryState, payload json.RawMessage) (json.RawMessage, chanstate.QueryState, error) {
	base, err := t.Resolve(indexer)
	if err != nil {
		return nil, chanstate.QueryState{}, apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	body := struct {
		QueryState chanstate.QueryState `json:"queryState"`
		Payload    json.RawMessage      `json:"payload"`
	}{st, payload}

	var out queryResponse
	url := fmt.Sprintf("%s/query/%s", base, st.ChannelID.Bytes32())
	if err := t.postJSON(ctx, url, body, &out); err != nil {
		return nil, chanstate.QueryState{}, err
	}
	return out.Result, out.QueryState, nil
}

func (t *HTTPTransport) postJSON(ctx context.Context, url string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidSerialize, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return apierr.Newf(apierr.KindServiceException, "indexer responded %d: %s", resp.StatusCode, errBody.Error.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
