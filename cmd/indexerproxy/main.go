// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command indexerproxy runs the indexer side of the payment-channel
// gateway: it countersigns consumer-opened channels, answers queries by
// forwarding them to a local data service, and checkpoints/claims state
// on-chain. See spec.md §4 for the full operation set.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/subquery/payg-gateway/internal/backend"
	"github.com/subquery/payg-gateway/internal/chanlog"
	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/config"
	"github.com/subquery/payg-gateway/internal/contracts"
	"github.com/subquery/payg-gateway/internal/coordinator"
	"github.com/subquery/payg-gateway/internal/httpapi"
	"github.com/subquery/payg-gateway/internal/identity"
	"github.com/subquery/payg-gateway/internal/node"
	"github.com/subquery/payg-gateway/internal/rpcserver"
	"github.com/subquery/payg-gateway/internal/service"
	"github.com/subquery/payg-gateway/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexerproxy: config:", err)
		return 1
	}

	if cfg.Dev {
		chanlog.UseLoggers(devLoggers())
	}

	priv, err := identity.LoadOrCreate(cfg.KeyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexerproxy: identity:", err)
		return 1
	}

	controllerKey, err := crypto.LoadECDSA(cfg.ControllerKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexerproxy: controller key:", err)
		return 1
	}
	self := chanstate.Address(crypto.PubkeyToAddress(controllerKey.PublicKey))

	if cfg.ContractsFile == "" {
		fmt.Fprintln(os.Stderr, "indexerproxy: --contracts is required")
		return 1
	}
	addrs, err := cfg.LoadContracts()
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexerproxy: contracts:", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain, err := contracts.New(ctx, cfg.ChainRPC, big.NewInt(cfg.ChainID), controllerKey,
		commonHex(addrs.StateChannel), commonHex(addrs.SQToken), commonHex(addrs.IndexerRegistry))
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexerproxy: chain backend:", err)
		return 1
	}

	var coord *coordinator.Client
	if cfg.CoordinatorURL != "" {
		coord, err = coordinator.New(cfg.CoordinatorURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "indexerproxy: coordinator:", err)
			return 1
		}
	}

	svc := &service.Service{
		Role:        service.RoleIndexer,
		Key:         controllerKey,
		Self:        self,
		Store:       store.New(),
		Coordinator: coord,
		Chain:       chain,
		Backend:     backend.New(cfg.BackendURL),
		Dev:         cfg.Dev,
	}

	n, err := node.New(ctx, node.Config{
		PrivateKey:     priv,
		Port:           cfg.P2PPort,
		BootstrapAddrs: cfg.BootstrapPeers,
		Service:        svc,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "indexerproxy: node:", err)
		return 1
	}
	n.Start()
	defer n.Stop()

	api := &httpapi.API{Service: svc}
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.NewRouter(api)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			chanlog.HTTP.Errorf("http server exited: %v", err)
		}
	}()

	rpcMux := http.NewServeMux()
	rpcMux.Handle("/rpc", rpcserver.NewHTTPHandler(n.Dispatcher()))
	rpcMux.Handle("/rpc/ws", rpcserver.NewWSHandler(n.Dispatcher(), n.Hub()))
	rpcServer := &http.Server{Addr: cfg.RPCAddr, Handler: rpcMux}
	go func() {
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			chanlog.RPCSrv.Errorf("control-plane server exited: %v", err)
		}
	}()

	if coord != nil {
		go watchProjectChanges(ctx, coord)
	}

	chanlog.Node.Infof("indexerproxy listening: p2p=%s http=%s rpc=%s peer=%s", n.Host.Addrs(), cfg.HTTPAddr, cfg.RPCAddr, n.Host.ID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = rpcServer.Shutdown(shutdownCtx)
	return 0
}

// watchProjectChanges logs every projectChanged event from the
// coordinator (it keeps no project list of its own), reconnecting (with a
// short backoff) whenever the subscription drops, until ctx is cancelled.
func watchProjectChanges(ctx context.Context, coord *coordinator.Client) {
	for {
		err := coord.SubscribeProjectChanged(ctx, func(p coordinator.Project) {
			chanlog.Coord.Infof("project changed: id=%s queryEndpoint=%s", p.ID, p.QueryEndpoint)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			chanlog.Coord.Warnf("projectChanged subscription failed, retrying: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(projectSubscriptionBackoff):
		}
	}
}
