// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Command pulse runs one pulse node (spec §4.2): it hosts the local SFU
// and bridges it to the cluster bus so the harmony call broker can place
// sessions on it.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulse-sfu/harmony/bus"
	harmonylogger "github.com/pulse-sfu/harmony/logger"
	"github.com/pulse-sfu/harmony/node"
	"github.com/pulse-sfu/harmony/service/perf"
	"github.com/pulse-sfu/harmony/service/rtc"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/pulse.toml", "Path to the pulse node configuration file.")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("pulse: failed to load config: %s", err.Error())
	}
	if err := cfg.IsValid(); err != nil {
		log.Fatalf("pulse: failed to validate config: %s", err.Error())
	}

	logr, err := harmonylogger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("pulse: failed to init logger: %s", err.Error())
	}
	defer func() {
		if err := logr.Shutdown(); err != nil {
			log.Printf("pulse: failed to shutdown logger: %s", err.Error())
		}
	}()

	logr.Info("pulse: starting up", mlog.String("region", cfg.Region))

	metrics := perf.NewMetrics(cfg.MetricsNamespace, prometheus.NewRegistry())

	rtcSrv, err := rtc.NewServer(cfg.RTC, logr, metrics)
	if err != nil {
		logr.Error("pulse: failed to create rtc server", mlog.Err(err))
		return
	}
	if err := rtcSrv.Start(); err != nil {
		logr.Error("pulse: failed to start rtc server", mlog.Err(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busClient, err := bus.NewClient(ctx, cfg.RedisURI, nodeID(), logr)
	if err != nil {
		logr.Error("pulse: failed to connect to cluster bus", mlog.Err(err))
		return
	}

	n := node.New(busClient.ID(), cfg.Region, busClient, rtcSrv, logr)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- n.Run(ctx)
	}()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: metrics.Handler(),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("pulse: metrics server failed", mlog.Err(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logr.Info("pulse: shutting down")
	case err := <-runErrCh:
		logr.Error("pulse: node loop exited", mlog.Err(err))
	}

	cancel()
	_ = httpSrv.Shutdown(context.Background())
	if err := rtcSrv.Stop(); err != nil {
		logr.Error("pulse: failed to stop rtc server", mlog.Err(err))
	}
	if err := busClient.Close(); err != nil {
		logr.Error("pulse: failed to close bus client", mlog.Err(err))
	}
}

// nodeID derives this process's bus sender id from its hostname, falling
// back to a fixed value if unavailable (e.g. inside a minimal container).
func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "pulse-node"
	}
	return host
}
