// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command consumerproxy runs the consumer side of the payment-channel
// gateway: it accepts plain queries from end users, opens and advances
// channels against indexer proxies, and signs every state advance with
// the consumer's own key. See spec.md §4 for the full operation set.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/auth"
	"github.com/subquery/payg-gateway/internal/chanlog"
	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/config"
	"github.com/subquery/payg-gateway/internal/contracts"
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
		fmt.Fprintln(os.Stderr, "consumerproxy: config:", err)
		return 1
	}

	if cfg.Dev {
		chanlog.UseLoggers(devLoggers())
	}

	priv, err := identity.LoadOrCreate(cfg.KeyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "consumerproxy: identity:", err)
		return 1
	}

	controllerKey, err := crypto.LoadECDSA(cfg.ControllerKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "consumerproxy: controller key:", err)
		return 1
	}
	self := chanstate.Address(crypto.PubkeyToAddress(controllerKey.PublicKey))

	endpoints, err := cfg.LoadIndexerEndpoints()
	if err != nil {
		fmt.Fprintln(os.Stderr, "consumerproxy: indexer endpoints:", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var chain *contracts.Backend
	if cfg.ChainRPC != "" && cfg.ContractsFile != "" {
		addrs, err := cfg.LoadContracts()
		if err != nil {
			fmt.Fprintln(os.Stderr, "consumerproxy: contracts:", err)
			return 1
		}
		chain, err = contracts.New(ctx, cfg.ChainRPC, big.NewInt(cfg.ChainID), controllerKey,
			commonHex(addrs.StateChannel), commonHex(addrs.SQToken), commonHex(addrs.IndexerRegistry))
		if err != nil {
			fmt.Fprintln(os.Stderr, "consumerproxy: chain backend:", err)
			return 1
		}
	}

	svc := &service.Service{
		Role:      service.RoleConsumer,
		Key:       controllerKey,
		Self:      self,
		Store:     store.New(),
		Chain:     chain,
		Transport: httpapi.NewHTTPTransport(resolverFromEndpoints(endpoints)),
		Dev:       cfg.Dev,
	}

	// Every AutoCheckpointEvery accepted queries (or any next_price
	// change), the service schedules a checkpoint; this consumer
	// process is the one side the contract expects to pay that gas, so
	// it drives the submission itself instead of waiting on an operator.
	svc.SetCheckpointHook(func(channelID chanstate.U256) {
		if chain == nil {
			return
		}
		if err := svc.Checkpoint(ctx, channelID); err != nil {
			chanlog.Service.Warnf("auto-checkpoint for channel %s failed: %v", channelID, err)
		}
	})

	n, err := node.New(ctx, node.Config{
		PrivateKey:     priv,
		Port:           cfg.P2PPort,
		BootstrapAddrs: cfg.BootstrapPeers,
		Service:        svc,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "consumerproxy: node:", err)
		return 1
	}
	n.Start()
	defer n.Stop()

	var tm *auth.TokenManager
	if cfg.JWTSecret != "" {
		tm = auth.NewTokenManager([]byte(cfg.JWTSecret), cfg.JWTExpiry)
	}

	api := &httpapi.API{Service: svc, Auth: tm}
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

	chanlog.Node.Infof("consumerproxy listening: p2p=%s http=%s rpc=%s peer=%s", n.Host.Addrs(), cfg.HTTPAddr, cfg.RPCAddr, n.Host.ID())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = rpcServer.Shutdown(shutdownCtx)
	return 0
}

// resolverFromEndpoints adapts the static indexer-address-to-URL map
// loaded from cfg.IndexerEndpointsFile into an httpapi.Resolver; a miss
// is surfaced as InvalidServiceEndpoint, the same Kind the coordinator
// bootstrap path uses for an unresolvable peer.
func resolverFromEndpoints(endpoints map[string]string) httpapi.Resolver {
	return func(indexer chanstate.Address) (string, error) {
		base, ok := endpoints[indexer.String()]
		if !ok {
			return "", apierr.Newf(apierr.KindInvalidServiceEndpoint, "no HTTP endpoint configured for indexer %s", indexer)
		}
		return base, nil
	}
}
