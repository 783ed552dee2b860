// Package httpapi is the consumer-facing HTTP front door from spec.md
// §4.5: open/query/payg/metadata, routed with go-chi/chi/v5 the way
// orbas1-Synnergy's node wires its HTTP surface, with every handler
// error mapped through internal/apierr.HTTPStatus so the wire status
// code always reflects the underlying Kind instead of a blanket 500.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/auth"
	"github.com/subquery/payg-gateway/internal/chanlog"
	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/service"
)

// API holds the dependencies the HTTP handlers need. The outbound
// counterpart living at the same front door is HTTPTransport, which
// implements service.Transport by calling these same routes on a peer
// indexer's API. Auth is optional: when nil, the consumer-facing /query
// route accepts unauthenticated callers; when set, it requires a valid
// bearer token per spec.md §4.8.
type API struct {
	Service *service.Service
	Auth    *auth.TokenManager
}

// NewRouter builds the chi.Router serving spec.md §4.5's four routes.
func NewRouter(api *API) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/open", api.handleOpen)
	r.Post("/query/{deployment}", api.handleQuery)
	r.Post("/payg/{deployment}", api.handlePayg)
	r.Get("/metadata/{deployment}", api.handleMetadata)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chanlog.HTTP.Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type openRequest struct {
	Indexer      chanstate.Address  `json:"indexer"`
	Amount       chanstate.U256     `json:"amount"`
	Expiration   chanstate.U256     `json:"expiration"`
	DeploymentID chanstate.Bytes32  `json:"deploymentId"`
	Callback     chanstate.HexBytes `json:"callback"`
}

// handleOpen serves both sides of spec.md §4.8's /open route. A
// consumer proxy exposes it to its own end users, who submit plain
// open parameters and never touch a private key themselves (the proxy
// signs on their behalf via OpenConsumer). An indexer proxy exposes the
// same path to receive the consumer-signed OpenState that a peer's
// HTTPTransport posts here, verifying and countersigning it via
// OpenIndexer. Role picks which body shape to expect.
func (api *API) handleOpen(w http.ResponseWriter, r *http.Request) {
	if api.Service.Role == service.RoleIndexer {
		var st chanstate.OpenState
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			writeError(w, apierr.New(apierr.KindInvalidSerialize, err.Error()))
			return
		}
		signed, err := api.Service.OpenIndexer(r.Context(), st)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, signed)
		return
	}

	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindInvalidSerialize, err.Error()))
		return
	}
	st, err := api.Service.OpenConsumer(r.Context(), req.Indexer, req.Amount, req.Expiration, req.DeploymentID, req.Callback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type queryRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type queryResponse struct {
	Result     json.RawMessage      `json:"result"`
	QueryState chanstate.QueryState `json:"queryState"`
}

// indexerQueryRequest is the body HTTPTransport.QueryOnIndexer posts:
// the consumer-signed QueryState plus the opaque user query payload.
// The URL's {deployment} segment carries the channel id in this
// direction instead (the indexer resolves the channel, and with it the
// deployment, from the state itself).
type indexerQueryRequest struct {
	QueryState chanstate.QueryState `json:"queryState"`
	Payload    json.RawMessage      `json:"payload"`
}

func (api *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	if api.Service.Role == service.RoleIndexer {
		var req indexerQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.New(apierr.KindInvalidSerialize, err.Error()))
			return
		}
		result, signed, err := api.Service.QueryIndexer(r.Context(), req.QueryState, req.Payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, queryResponse{Result: result, QueryState: signed})
		return
	}

	if api.Auth != nil {
		if err := api.requireBearer(r); err != nil {
			writeError(w, err)
			return
		}
	}

	deploymentStr := chi.URLParam(r, "deployment")
	deployment, err := chanstate.ParseBytes32(deploymentStr)
	if err != nil {
		writeError(w, apierr.New(apierr.KindInvalidRequest, "invalid deployment id"))
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindInvalidSerialize, err.Error()))
		return
	}
	result, signed, err := api.Service.Query(r.Context(), deployment, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Result: result, QueryState: signed})
}

// paygResponse is the [result, state] pair spec.md §4.8 specifies for
// /payg, encoded as a JSON array rather than an object since the spec
// names it positionally.
type paygResponse [2]interface{}

// handlePayg serves the indexer-side pay-as-you-go route: the user's
// raw query is the request body, and the Authorization header carries
// the consumer-signed QueryState JSON (not a bearer token) that this
// node co-signs before forwarding the query to its back-end.
func (api *API) handlePayg(w http.ResponseWriter, r *http.Request) {
	if api.Service.Role != service.RoleIndexer {
		writeError(w, apierr.New(apierr.KindInvalidRequest, "payg is served by indexer proxies only"))
		return
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		writeError(w, apierr.New(apierr.KindInvalidAuthHeader, "missing Authorization header"))
		return
	}
	var qs chanstate.QueryState
	if err := json.Unmarshal([]byte(auth), &qs); err != nil {
		writeError(w, apierr.New(apierr.KindInvalidAuthHeader, "Authorization header is not a valid QueryState"))
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.New(apierr.KindInvalidSerialize, err.Error()))
		return
	}

	result, signed, err := api.Service.QueryIndexer(r.Context(), qs, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paygResponse{result, signed})
}

func (api *API) handleMetadata(w http.ResponseWriter, r *http.Request) {
	deploymentStr := chi.URLParam(r, "deployment")
	deployment, err := chanstate.ParseBytes32(deploymentStr)
	if err != nil {
		writeError(w, apierr.New(apierr.KindInvalidRequest, "invalid deployment id"))
		return
	}
	if api.Service.Backend == nil {
		writeError(w, apierr.New(apierr.KindInvalidServiceEndpoint, "no backend configured"))
		return
	}
	meta, err := api.Service.Backend.Metadata(r.Context(), deployment)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindServiceException, err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(meta)
}

// requireBearer validates the consumer-facing caller's bearer token
// against api.Auth, returning an apierr.Error suitable for writeError on
// failure.
func (api *API) requireBearer(r *http.Request) error {
	tokenString, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	_, err = api.Auth.ValidateToken(tokenString)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	writeJSON(w, apierr.HTTPStatus(kind), map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    kind.String(),
			"message": err.Error(),
		},
	})
}
