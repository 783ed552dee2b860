// Package coordinator implements the client side of the external
// coordinator GraphQL surface from spec.md §6: accountMetadata,
// getAliveProjects, channelOpen/channelUpdate mutations, and the
// projectChanged subscription. No GraphQL client library exists
// anywhere in the retrieved pack, so queries/mutations are plain
// encoding/json-marshaled HTTP POST bodies — the ecosystem-idiomatic
// fallback, same shape as the hand-rolled JSON-RPC dispatcher in
// internal/rpcserver.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanlog"
)

// AccountMetadata is the accountMetadata query result.
type AccountMetadata struct {
	Indexer    string `json:"indexer"`
	Controller string `json:"controller"` // encrypted JSON {iv, content}
}

// Project is one entry of getAliveProjects / a projectChanged event.
type Project struct {
	ID            string `json:"id"`
	QueryEndpoint string `json:"queryEndpoint"`
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// Client talks to the coordinator's GraphQL endpoint. It caches
// getAliveProjects results for a short TTL via an LRU so a busy indexer
// proxy doesn't refetch the project list on every query dispatch.
type Client struct {
	endpoint string
	http     *http.Client
	cache    *lru.Cache[string, cachedProjects]
	cacheTTL time.Duration
}

type cachedProjects struct {
	projects []Project
	at       time.Time
}

func New(endpoint string) (*Client, error) {
	cache, err := lru.New[string, cachedProjects](8)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		cache:    cache,
		cacheTTL: 30 * time.Second,
	}, nil
}

func (c *Client) do(ctx context.Context, req graphQLRequest, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidSerialize, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidServiceEndpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		chanlog.Coord.Errorf("coordinator request failed: %v", err)
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	defer resp.Body.Close()

	var gqlResp graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	if len(gqlResp.Errors) > 0 {
		return apierr.Newf(apierr.KindServiceException, "coordinator: %s", gqlResp.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return apierr.Wrap(apierr.KindServiceException, err)
		}
	}
	return nil
}

// AccountMetadata fetches the indexer's metadata and encrypted
// controller key.
func (c *Client) AccountMetadata(ctx context.Context) (AccountMetadata, error) {
	var out struct {
		AccountMetadata AccountMetadata `json:"accountMetadata"`
	}
	req := graphQLRequest{Query: `query { accountMetadata { indexer controller } }`}
	if err := c.do(ctx, req, &out); err != nil {
		return AccountMetadata{}, err
	}
	return out.AccountMetadata, nil
}

// AliveProjects fetches the live project/deployment list, using a
// short-lived cache to bound request rate.
func (c *Client) AliveProjects(ctx context.Context) ([]Project, error) {
	const key = "alive"
	if cached, ok := c.cache.Get(key); ok && time.Since(cached.at) < c.cacheTTL {
		return cached.projects, nil
	}

	var out struct {
		Projects []Project `json:"getAliveProjects"`
	}
	req := graphQLRequest{Query: `query { getAliveProjects { id queryEndpoint } }`}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	c.cache.Add(key, cachedProjects{projects: out.Projects, at: time.Now()})
	return out.Projects, nil
}

// ChannelOpen notifies the coordinator a channel opened, returning the
// indexer's last quoted price for the deployment.
func (c *Client) ChannelOpen(ctx context.Context, channelID, deploymentID, consumer string, amount string) (lastPrice string, err error) {
	var out struct {
		ChannelOpen struct {
			LastPrice string `json:"lastPrice"`
		} `json:"channelOpen"`
	}
	req := graphQLRequest{
		Query: `mutation($id: String!, $deployment: String!, $consumer: String!, $amount: String!) {
			channelOpen(channelId: $id, deploymentId: $deployment, consumer: $consumer, amount: $amount) { lastPrice }
		}`,
		Variables: map[string]interface{}{
			"id": channelID, "deployment": deploymentID, "consumer": consumer, "amount": amount,
		},
	}
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	return out.ChannelOpen.LastPrice, nil
}

// ChannelUpdate notifies the coordinator of a new query count on a
// channel.
func (c *Client) ChannelUpdate(ctx context.Context, channelID string, count string) error {
	var out struct {
		ChannelUpdate struct {
			ID string `json:"id"`
		} `json:"channelUpdate"`
	}
	req := graphQLRequest{
		Query: `mutation($id: String!, $count: String!) { channelUpdate(channelId: $id, count: $count) { id } }`,
		Variables: map[string]interface{}{
			"id": channelID, "count": count,
		},
	}
	return c.do(ctx, req, &out)
}

func (c *Client) String() string {
	return fmt.Sprintf("coordinator(%s)", c.endpoint)
}
