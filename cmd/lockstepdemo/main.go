package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/nullframe/rollback/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Helper implementations live in dedicated files: config.go, logger.go,
// mdns.go, metrics_logger.go, sim.go, p2p.go, spectate.go, synctest.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("lockstepdemo %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	if cfg.mdnsEnable && cfg.mode != "synctest" {
		if port, ok := listenPort(cfg.listenAddr); ok {
			cleanupMDNS, err := startMDNS(ctx, cfg, port)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
				defer cleanupMDNS()
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	var runErr error
	switch cfg.mode {
	case "host", "join":
		runErr = runP2P(ctx, cfg, l)
	case "spectate":
		runErr = runSpectate(ctx, cfg, l)
	case "synctest":
		runErr = runSyncTest(ctx, cfg, l)
	}
	cancel()
	wg.Wait()
	if runErr != nil {
		l.Error("session_error", "error", runErr)
		os.Exit(1)
	}
}

// listenPort extracts the numeric port from a "host:port" or ":port"
// listen address, for mDNS advertisement.
func listenPort(addr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			return 0, false
		}
		portStr = addr[idx+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false
	}
	return port, true
}
