// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Command harmony runs the call broker control plane (spec §4.3, §6): it
// tracks the cluster-wide set of pulse nodes from the bus, places calls,
// mints CallTokens, and serves the client-facing RPC over WebSocket.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulse-sfu/harmony/broker"
	"github.com/pulse-sfu/harmony/bus"
	harmonylogger "github.com/pulse-sfu/harmony/logger"
	"github.com/pulse-sfu/harmony/rpc"
	"github.com/pulse-sfu/harmony/service/perf"
	"github.com/pulse-sfu/harmony/service/store"
	"github.com/pulse-sfu/harmony/service/ws"
)

// nodeEvictSweepInterval is how often the node registry is swept for
// stale pulse nodes (spec §3/§8-4's nodeStaleAfter window).
const nodeEvictSweepInterval = 5 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/harmony.toml", "Path to the harmony configuration file.")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("harmony: failed to load config: %s", err.Error())
	}
	if err := cfg.IsValid(); err != nil {
		log.Fatalf("harmony: failed to validate config: %s", err.Error())
	}

	logr, err := harmonylogger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("harmony: failed to init logger: %s", err.Error())
	}
	defer func() {
		if err := logr.Shutdown(); err != nil {
			log.Printf("harmony: failed to shutdown logger: %s", err.Error())
		}
	}()

	logr.Info("harmony: starting up")

	metrics := perf.NewMetrics(cfg.MetricsNamespace, prometheus.NewRegistry())

	st, err := store.New(cfg.RedisURI)
	if err != nil {
		logr.Error("harmony: failed to connect to store", mlog.Err(err))
		return
	}
	defer func() {
		if err := st.Close(); err != nil {
			logr.Error("harmony: failed to close store", mlog.Err(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busClient, err := bus.NewClient(ctx, cfg.RedisURI, "harmony-"+processID(), logr)
	if err != nil {
		logr.Error("harmony: failed to connect to cluster bus", mlog.Err(err))
		return
	}

	nodes := broker.NewNodeRegistry(logr)
	tok := broker.NewTokenIssuer(cfg.JWTSecret)
	perm := broker.NewInMemoryPermissionChecker()
	authr := broker.NewInMemoryAuthenticator()

	b := broker.NewBroker(st, nodes, busClient, tok, perm, logr)

	rpcSrv := rpc.NewServer(b, authr, logr)

	wsSrv, err := ws.NewServer(cfg.WS, logr, ws.WithAuthCb(rpcSrv.AuthCb))
	if err != nil {
		logr.Error("harmony: failed to create ws server", mlog.Err(err))
		return
	}
	rpcSrv.Attach(wsSrv)

	go dispatchBusEvents(ctx, busClient, nodes, b, logr)
	go evictStaleNodesLoop(ctx, nodes, b, logr)

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcSrv.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/rpc", wsSrv)
	mux.Handle("/metrics", metrics.Handler())

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: mux,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("harmony: http server failed", mlog.Err(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logr.Info("harmony: shutting down")
	case err := <-rpcErrCh:
		logr.Error("harmony: rpc server loop exited", mlog.Err(err))
	}

	cancel()
	_ = httpSrv.Shutdown(context.Background())
	wsSrv.Close()
	if err := busClient.Close(); err != nil {
		logr.Error("harmony: failed to close bus client", mlog.Err(err))
	}
}

// dispatchBusEvents is harmony's side of the cluster bus (spec §4.1): it
// keeps the node registry current and resolves JoinCall's pending answers.
func dispatchBusEvents(ctx context.Context, busClient *bus.Client, nodes *broker.NodeRegistry, b *broker.Broker, logr mlog.LoggerIFace) {
	for ev := range busClient.Subscribe(ctx) {
		switch ev.Type {
		case bus.EventDescription:
			data, ok := ev.Data.(bus.Description)
			if !ok {
				continue
			}
			nodes.Upsert(ev.SenderID, data.Region)
		case bus.EventPing:
			nodes.Upsert(ev.SenderID, "")
		case bus.EventDisconnect:
			nodes.Remove(ev.SenderID)
		case bus.EventUserCreate:
			data, ok := ev.Data.(bus.UserCreate)
			if !ok {
				continue
			}
			b.HandleUserCreate(data)
		default:
			logr.Debug("harmony: ignoring bus event", mlog.String("type", string(ev.Type)))
		}
	}
}

// evictStaleNodesLoop drops a node that stops pinging from the registry
// (spec §8-S2) and hands its id to Broker.EvictNodeCalls, which does not
// tear down the node's calls.
func evictStaleNodesLoop(ctx context.Context, nodes *broker.NodeRegistry, b *broker.Broker, logr mlog.LoggerIFace) {
	ticker := time.NewTicker(nodeEvictSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, nodeID := range nodes.EvictStale() {
				logr.Info("harmony: evicting stale node", mlog.String("nodeID", nodeID))
				b.EvictNodeCalls(ctx, nodeID)
			}
		}
	}
}

// processID derives a bus sender id suffix unique enough to avoid
// collisions between replicas on the same host.
func processID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "0"
	}
	return host
}
