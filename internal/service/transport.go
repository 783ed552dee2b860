package service

import (
	"context"
	"encoding/json"

	"github.com/subquery/payg-gateway/internal/chanstate"
)

// Transport dispatches an OpenState/QueryState to a remote indexer.
// The one implementation in this module is httpapi.HTTPTransport, which
// posts to the indexer's HTTP front door; there is no P2P RPC
// implementation. Service depends only on this small interface, never on
// internal/httpapi or internal/p2p/rpc directly, so dependency flows
// one way: httpapi and node import service, not the reverse —
// the same shape as gcash/bchwallet's paymentchannels.WalletBackend
// interface, carved out to avoid a cyclic import.
type Transport interface {
	// OpenOnIndexer posts a consumer-signed OpenState to indexer and
	// returns the dual-signed result.
	OpenOnIndexer(ctx context.Context, indexer chanstate.Address, st chanstate.OpenState) (chanstate.OpenState, error)
	// QueryOnIndexer sends a consumer-signed QueryState plus the user's
	// query payload to indexer and returns the back-end's result
	// alongside the dual-signed QueryState.
	QueryOnIndexer(ctx context.Context, indexer chanstate.Address, st chanstate.QueryState, payload json.RawMessage) (json.RawMessage, chanstate.QueryState, error)
}

// Backend is the opaque back-end data service an indexer proxy forwards
// queries to. Its real schema is out of scope (spec.md §1 treats it as
// an opaque GraphQL endpoint); this is just enough surface for the
// indexer-side query/metadata operations to compile against.
type Backend interface {
	Query(ctx context.Context, deploymentID chanstate.Bytes32, payload json.RawMessage) (json.RawMessage, error)
	Metadata(ctx context.Context, deploymentID chanstate.Bytes32) (json.RawMessage, error)
}
