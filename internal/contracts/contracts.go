// Package contracts binds the on-chain ABI surface the gateway needs:
// StateChannel (checkpoint/challenge/respond/claim), SQToken, and
// IndexerRegistry. It follows go-perun's pattern of a thin
// bind.BoundContract wrapper per contract instead of fully generated
// abigen bindings, since only a handful of methods from each contract
// are ever called here.
package contracts

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanlog"
)

// stateChannelABI, sqTokenABI and indexerRegistryABI list only the
// methods this gateway actually calls; the rest of each contract's real
// surface is irrelevant here.
const stateChannelABI = `[
{"type":"function","name":"channel","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],
 "outputs":[{"name":"status","type":"uint8"},{"name":"indexer","type":"address"},{"name":"consumer","type":"address"},
            {"name":"count","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"expiration","type":"uint256"}]},
{"type":"function","name":"checkpoint","stateMutability":"nonpayable",
 "inputs":[{"name":"state","type":"tuple","components":[
   {"name":"id","type":"uint256"},{"name":"is_final","type":"bool"},{"name":"count","type":"uint256"},
   {"name":"price","type":"uint256"},{"name":"indexer_sig","type":"bytes"},{"name":"consumer_sig","type":"bytes"}]}],
 "outputs":[]},
{"type":"function","name":"challenge","stateMutability":"nonpayable",
 "inputs":[{"name":"state","type":"tuple","components":[
   {"name":"id","type":"uint256"},{"name":"is_final","type":"bool"},{"name":"count","type":"uint256"},
   {"name":"price","type":"uint256"},{"name":"indexer_sig","type":"bytes"},{"name":"consumer_sig","type":"bytes"}]}],
 "outputs":[]},
{"type":"function","name":"respond","stateMutability":"nonpayable",
 "inputs":[{"name":"state","type":"tuple","components":[
   {"name":"id","type":"uint256"},{"name":"is_final","type":"bool"},{"name":"count","type":"uint256"},
   {"name":"price","type":"uint256"},{"name":"indexer_sig","type":"bytes"},{"name":"consumer_sig","type":"bytes"}]}],
 "outputs":[]},
{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]}
]`

const sqTokenABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
{"type":"function","name":"increaseAllowance","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"addedValue","type":"uint256"}],"outputs":[{"type":"bool"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
{"type":"function","name":"getMinter","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]}
]`

const indexerRegistryABI = `[
{"type":"function","name":"isIndexer","stateMutability":"view","inputs":[{"name":"addr","type":"address"}],"outputs":[{"type":"bool"}]},
{"type":"function","name":"registerIndexer","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"metadata","type":"bytes32"},{"name":"rate","type":"uint256"}],"outputs":[]},
{"type":"function","name":"setControllerAccount","stateMutability":"nonpayable","inputs":[{"name":"controller","type":"address"}],"outputs":[]},
{"type":"function","name":"indexerToController","stateMutability":"view","inputs":[{"name":"indexer","type":"address"}],"outputs":[{"type":"address"}]}
]`

// CheckpointState is the tuple accepted by checkpoint/challenge/respond.
type CheckpointState struct {
	ID          *big.Int
	IsFinal     bool
	Count       *big.Int
	Price       *big.Int
	IndexerSig  []byte
	ConsumerSig []byte
}

// Backend wraps the three contract surfaces the gateway calls over one
// ethclient connection and one signing key (the controller key).
type Backend struct {
	client *ethclient.Client
	signer *bind.TransactOpts

	stateChannel     *bind.BoundContract
	sqToken          *bind.BoundContract
	indexerRegistry  *bind.BoundContract
	stateChannelAddr common.Address
}

// New parses the three ABIs, binds them to their deployed addresses, and
// builds a chain-id-bound transactor from the controller private key.
func New(ctx context.Context, rpcURL string, chainID *big.Int, controllerKey *ecdsa.PrivateKey, stateChannelAddr, sqTokenAddr, indexerRegistryAddr common.Address) (*Backend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	signer, err := bind.NewKeyedTransactorWithChainID(controllerKey, chainID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}

	scABI, err := abi.JSON(strings.NewReader(stateChannelABI))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(sqTokenABI))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	regABI, err := abi.JSON(strings.NewReader(indexerRegistryABI))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}

	return &Backend{
		client:           client,
		signer:           signer,
		stateChannel:     bind.NewBoundContract(stateChannelAddr, scABI, client, client, client),
		sqToken:          bind.NewBoundContract(sqTokenAddr, tokenABI, client, client, client),
		indexerRegistry:  bind.NewBoundContract(indexerRegistryAddr, regABI, client, client, client),
		stateChannelAddr: stateChannelAddr,
	}, nil
}

// ChannelOnChain returns the on-chain channel.channel(id) view tuple.
func (b *Backend) ChannelOnChain(ctx context.Context, id *big.Int) (status uint8, indexer, consumer common.Address, count, amount, expiration *big.Int, err error) {
	out := []interface{}{}
	if err = b.stateChannel.Call(&bind.CallOpts{Context: ctx}, &out, "channel", id); err != nil {
		return 0, common.Address{}, common.Address{}, nil, nil, nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	return out[0].(uint8), out[1].(common.Address), out[2].(common.Address), out[3].(*big.Int), out[4].(*big.Int), out[5].(*big.Int), nil
}

// Checkpoint submits the latest dual-signed state to advance
// onchain_count.
func (b *Backend) Checkpoint(ctx context.Context, st CheckpointState) (*types.Transaction, error) {
	return b.call(ctx, "checkpoint", st)
}

// Challenge disputes a channel with a newer state than what's on chain.
func (b *Backend) Challenge(ctx context.Context, st CheckpointState) (*types.Transaction, error) {
	return b.call(ctx, "challenge", st)
}

// Respond answers a challenge with a newer state, reopening the
// channel.
func (b *Backend) Respond(ctx context.Context, st CheckpointState) (*types.Transaction, error) {
	return b.call(ctx, "respond", st)
}

// Claim settles a finalized, expired channel.
func (b *Backend) Claim(ctx context.Context, id *big.Int) (*types.Transaction, error) {
	opts := *b.signer
	opts.Context = ctx
	tx, err := b.stateChannel.Transact(&opts, "claim", id)
	if err != nil {
		chanlog.Chain.Errorf("claim(%s) failed: %v", id, err)
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	return tx, nil
}

func (b *Backend) call(ctx context.Context, method string, st CheckpointState) (*types.Transaction, error) {
	opts := *b.signer
	opts.Context = ctx
	tx, err := b.stateChannel.Transact(&opts, method, struct {
		ID          *big.Int
		IsFinal     bool
		Count       *big.Int
		Price       *big.Int
		IndexerSig  []byte
		ConsumerSig []byte
	}{st.ID, st.IsFinal, st.Count, st.Price, st.IndexerSig, st.ConsumerSig})
	if err != nil {
		chanlog.Chain.Errorf("%s(%s) failed: %v", method, st.ID, err)
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	return tx, nil
}

// IsIndexer checks IndexerRegistry.isIndexer(addr).
func (b *Backend) IsIndexer(ctx context.Context, addr common.Address) (bool, error) {
	out := []interface{}{}
	if err := b.indexerRegistry.Call(&bind.CallOpts{Context: ctx}, &out, "isIndexer", addr); err != nil {
		return false, apierr.Wrap(apierr.KindServiceException, err)
	}
	return out[0].(bool), nil
}

// IndexerController returns IndexerRegistry.indexerToController(indexer).
func (b *Backend) IndexerController(ctx context.Context, indexer common.Address) (common.Address, error) {
	out := []interface{}{}
	if err := b.indexerRegistry.Call(&bind.CallOpts{Context: ctx}, &out, "indexerToController", indexer); err != nil {
		return common.Address{}, apierr.Wrap(apierr.KindServiceException, err)
	}
	return out[0].(common.Address), nil
}

// TokenBalance checks SQToken.balanceOf(account).
func (b *Backend) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	out := []interface{}{}
	if err := b.sqToken.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	return out[0].(*big.Int), nil
}
