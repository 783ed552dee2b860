package rpcserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchEcho(t *testing.T) {
	d := NewDispatcher()
	d.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		return string(params), nil
	})

	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"echo","params":"hi","id":1}`))
	require.Nil(t, resp.Error)
	require.Equal(t, `"hi"`, resp.Result)
}

func TestDispatchMethodNotFound(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"nope","id":1}`))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
}

func TestDispatchParseError(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), []byte(`not json`))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32700, resp.Error.Code)
}

func TestDispatchInvalidRequest(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(context.Background(), []byte(`{"method":"echo"}`))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32600, resp.Error.Code)
}

func TestMethodsSorted(t *testing.T) {
	d := NewDispatcher()
	noop := func(ctx context.Context, params json.RawMessage) (interface{}, *Error) { return nil, nil }
	d.Register("zeta", noop)
	d.Register("alpha", noop)
	require.Equal(t, []string{"alpha", "zeta"}, d.Methods())
}
