package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/subquery/payg-gateway/internal/auth"
	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/service"
	"github.com/subquery/payg-gateway/internal/store"
)

type loopbackTransport struct {
	indexerSvc *service.Service
}

func (t *loopbackTransport) OpenOnIndexer(ctx context.Context, indexer chanstate.Address, st chanstate.OpenState) (chanstate.OpenState, error) {
	return t.indexerSvc.OpenIndexer(ctx, st)
}

func (t *loopbackTransport) QueryOnIndexer(ctx context.Context, indexer chanstate.Address, st chanstate.QueryState, payload json.RawMessage) (json.RawMessage, chanstate.QueryState, error) {
	return t.indexerSvc.QueryIndexer(ctx, st, payload)
}

type fixedBackend struct{}

func (fixedBackend) Query(ctx context.Context, deploymentID chanstate.Bytes32, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"data":"ok"}`), nil
}

func (fixedBackend) Metadata(ctx context.Context, deploymentID chanstate.Bytes32) (json.RawMessage, error) {
	return json.RawMessage(`{"indexerHealthy":true}`), nil
}

func newTestAPI(t *testing.T) (*API, chanstate.Address) {
	t.Helper()

	consumerKey, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	indexerKey, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)

	consumerAddr := chanstate.Address(crypto.PubkeyToAddress(consumerKey.PublicKey))
	indexerAddr := chanstate.Address(crypto.PubkeyToAddress(indexerKey.PublicKey))

	indexerSvc := &service.Service{
		Role:    service.RoleIndexer,
		Key:     indexerKey,
		Self:    indexerAddr,
		Store:   store.New(),
		Backend: fixedBackend{},
	}
	consumerSvc := &service.Service{
		Role:      service.RoleConsumer,
		Key:       consumerKey,
		Self:      consumerAddr,
		Store:     store.New(),
		Backend:   fixedBackend{},
		Transport: &loopbackTransport{indexerSvc: indexerSvc},
	}

	return &API{Service: consumerSvc}, indexerAddr
}

func newTestIndexerAPI(t *testing.T) *API {
	t.Helper()
	indexerKey, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	indexerAddr := chanstate.Address(crypto.PubkeyToAddress(indexerKey.PublicKey))

	return &API{Service: &service.Service{
		Role:    service.RoleIndexer,
		Key:     indexerKey,
		Self:    indexerAddr,
		Store:   store.New(),
		Backend: fixedBackend{},
	}}
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHandleOpenReturnsSignedState(t *testing.T) {
	api, indexerAddr := newTestAPI(t)
	srv := httptest.NewServer(NewRouter(api))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/open", openRequest{
		Indexer:      indexerAddr,
		Amount:       chanstate.NewU256FromUint64(1000),
		Expiration:   chanstate.NewU256FromUint64(uint64(new(big.Int).SetInt64(9999999999).Int64())),
		DeploymentID: chanstate.Bytes32{1, 2, 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["channelId"])
}

func TestHandleQueryRejectsUnknownDeployment(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(NewRouter(api))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/query/not-a-valid-hex", queryRequest{Payload: json.RawMessage(`{}`)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, body["error"])
}

func TestHandleMetadataReturnsBackendPayload(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(NewRouter(api))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/metadata/"+(chanstate.Bytes32{9}).String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["indexerHealthy"])
}

func TestHandleOpenOnIndexerCountersignsState(t *testing.T) {
	indexerAPI := newTestIndexerAPI(t)
	srv := httptest.NewServer(NewRouter(indexerAPI))
	defer srv.Close()

	consumerKey, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	consumerAddr := chanstate.Address(crypto.PubkeyToAddress(consumerKey.PublicKey))

	st, err := chanstate.ConsumerGenerateOpen(nil, indexerAPI.Service.Self, consumerAddr,
		chanstate.NewU256FromUint64(1000), chanstate.NewU256FromUint64(9999999999), chanstate.Bytes32{1}, nil, consumerKey)
	require.NoError(t, err)

	resp, body := doJSON(t, srv, http.MethodPost, "/open", st)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["indexerSign"])
}

func TestHandleQueryRequiresBearerTokenWhenAuthConfigured(t *testing.T) {
	api, _ := newTestAPI(t)
	tm := auth.NewTokenManager([]byte("test-secret"), time.Hour)
	api.Auth = tm
	srv := httptest.NewServer(NewRouter(api))
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/query/"+(chanstate.Bytes32{1}).String(), queryRequest{Payload: json.RawMessage(`{}`)})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, body["error"])

	token, err := tm.IssueToken("test-caller")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/query/"+(chanstate.Bytes32{1}).String(), bytes.NewReader([]byte(`{"payload":{}}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp2, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	// No channel exists for this deployment, so the request still fails, but
	// past the auth check: a bad-deployment 400 rather than a 401.
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHandlePaygCoSignsAgainstAuthorizationHeader(t *testing.T) {
	indexerAPI := newTestIndexerAPI(t)
	srv := httptest.NewServer(NewRouter(indexerAPI))
	defer srv.Close()

	consumerKey, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	consumerAddr := chanstate.Address(crypto.PubkeyToAddress(consumerKey.PublicKey))

	openState, err := chanstate.ConsumerGenerateOpen(nil, indexerAPI.Service.Self, consumerAddr,
		chanstate.NewU256FromUint64(1000), chanstate.NewU256FromUint64(9999999999), chanstate.Bytes32{1}, nil, consumerKey)
	require.NoError(t, err)
	openResp, openBody := doJSON(t, srv, http.MethodPost, "/open", openState)
	require.Equal(t, http.StatusOK, openResp.StatusCode)
	channelID, err := chanstate.ParseU256(openBody["channelId"].(string))
	require.NoError(t, err)

	qs := chanstate.QueryState{
		ChannelID: channelID,
		Indexer:   indexerAPI.Service.Self,
		Consumer:  consumerAddr,
		Count:     chanstate.NewU256FromUint64(1),
		Price:     chanstate.NewU256FromUint64(10),
		NextPrice: chanstate.NewU256FromUint64(10),
	}
	require.NoError(t, chanstate.SignQuery(&qs, chanstate.RoleConsumer, consumerKey))
	authHeader, err := json.Marshal(qs)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/payg/"+chanstate.Bytes32{1}.String(), bytes.NewReader([]byte(`{"q":1}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", string(authHeader))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decoded, 2)
}
