// Package backend implements internal/service.Backend by forwarding
// queries and metadata lookups to the indexer's local data service, the
// same plain JSON-over-HTTP shape internal/coordinator uses for the
// external GraphQL endpoint since no GraphQL client library exists
// anywhere in the retrieved pack.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanlog"
	"github.com/subquery/payg-gateway/internal/chanstate"
)

// HTTPBackend forwards deployment queries to baseURL + /query/{deployment}
// and metadata lookups to baseURL + /metadata/{deployment}, matching the
// shape the indexer's own data-service sidecar is expected to expose per
// spec.md §4.5.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

func New(baseURL string) *HTTPBackend {
	return &HTTPBackend{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (b *HTTPBackend) Query(ctx context.Context, deploymentID chanstate.Bytes32, payload json.RawMessage) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/query/%s", b.BaseURL, deploymentID)
	return b.post(ctx, url, payload)
}

func (b *HTTPBackend) Metadata(ctx context.Context, deploymentID chanstate.Bytes32) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/metadata/%s", b.BaseURL, deploymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	return b.do(req)
}

func (b *HTTPBackend) post(ctx context.Context, url string, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

func (b *HTTPBackend) do(req *http.Request) (json.RawMessage, error) {
	resp, err := b.Client.Do(req)
	if err != nil {
		chanlog.Service.Errorf("backend request to %s failed: %v", req.URL, err)
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	if resp.StatusCode >= 300 {
		return nil, apierr.Newf(apierr.KindServiceException, "backend responded %d", resp.StatusCode)
	}
	return raw, nil
}
