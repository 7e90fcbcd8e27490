// Command fsmrtd runs the persistent event-driven state machine runtime
// against the call-control demo domain (examples/callfsm): registry,
// timeout manager, history tracker, debug channel, and metrics endpoint
// wired together the way a production deployment would assemble them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/telcofsm/runtime/examples/callfsm"
	"github.com/telcofsm/runtime/pkg/config"
	"github.com/telcofsm/runtime/pkg/debughub"
	"github.com/telcofsm/runtime/pkg/fsm"
	"github.com/telcofsm/runtime/pkg/history"
	"github.com/telcofsm/runtime/pkg/logx"
	"github.com/telcofsm/runtime/pkg/registry"
	"github.com/telcofsm/runtime/pkg/store"
	"github.com/telcofsm/runtime/pkg/telemetry"
	"github.com/telcofsm/runtime/pkg/timeout"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file (defaults built in if omitted)")
	flag.Parse()

	logger := logx.NewDefaultLogger()

	cfg := DefaultConfig()
	if *configPath != "" {
		if err := config.LoadWithEnv(*configPath, "FSMRTD", &cfg); err != nil {
			logger.Errorf("fsmrtd: load config: %v", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def, err := callfsm.Definition()
	if err != nil {
		logger.Errorf("fsmrtd: build call definition: %v", err)
		os.Exit(1)
	}

	metrics := telemetry.New("fsmrtd")

	activeStore, archiveStore, err := buildStores(cfg)
	if err != nil {
		logger.Errorf("fsmrtd: build stores: %v", err)
		os.Exit(1)
	}
	defer activeStore.Close()
	defer archiveStore.Close()

	histCfg := history.DefaultConfig(cfg.History.DSN)
	if cfg.History.QueueCapacity > 0 {
		histCfg.QueueCapacity = cfg.History.QueueCapacity
	}
	hist, err := history.NewTracker(histCfg, logger)
	if err != nil {
		logger.Errorf("fsmrtd: open history tracker: %v", err)
		os.Exit(1)
	}
	hist.WithMetrics(metrics)
	defer hist.Close()

	onFail := func(machineID string, err error) {
		logger.Errorf("fsmrtd: critical archival failure for %s: %v — shutting down", machineID, err)
		cancel()
	}

	regCfg := registry.DefaultConfig()
	if cfg.Registry.MailboxCapacity > 0 {
		regCfg.MailboxCapacity = cfg.Registry.MailboxCapacity
	}
	if cfg.Registry.ArchivalRetries > 0 {
		regCfg.ArchivalRetries = cfg.Registry.ArchivalRetries
	}
	if cfg.Registry.ArchivalBaseDelay > 0 {
		regCfg.ArchivalBaseDelay = cfg.Registry.ArchivalBaseDelay
	}

	reg := registry.New[*callfsm.Call](def, activeStore, archiveStore, hist, callfsm.NewVolatile, onFail, logger, regCfg)
	reg.WithMetrics(metrics)

	timeoutCfg := timeout.DefaultConfig()
	if cfg.Timeout.Workers > 0 {
		timeoutCfg.Workers = cfg.Timeout.Workers
	}
	if cfg.Timeout.QueueSize > 0 {
		timeoutCfg.QueueSize = cfg.Timeout.QueueSize
	}
	timeouts := timeout.NewManager(ctx, timeoutCfg, reg.CurrentState, reg.Fire, logger).WithMetrics(metrics)
	reg.WireTimeouts(timeouts)

	var hub *debughub.Hub
	if cfg.DebugHub.Enabled {
		backend := &debugBackend{reg: reg, hist: hist}
		var verify debughub.TokenVerifier
		if cfg.DebugHub.JWTSecret != "" {
			verify = debughub.NewHMACVerifier([]byte(cfg.DebugHub.JWTSecret))
		}
		hub = debughub.New(backend, verify, logger)
		reg.OnStateChange(func(sc fsm.StateChange) {
			raw, err := json.Marshal(sc)
			if err != nil {
				return
			}
			hub.BroadcastStateChange(raw)
			if sc.Final {
				hub.BroadcastComplete(sc.MachineID)
			}
		})
	}

	startupFrom := time.Now().AddDate(0, -1, 0)
	archived, err := reg.StartupScan(ctx, startupFrom, time.Now())
	if err != nil {
		logger.Warnf("fsmrtd: startup scan failed: %v", err)
	} else if archived > 0 {
		logger.Infof("fsmrtd: startup scan archived %d completed machine(s)", archived)
	}

	var servers []*http.Server
	if hub != nil {
		servers = append(servers, startServer(cfg.DebugHub.ListenAddr, hub, logger, "debughub"))
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, startServer(cfg.Metrics.ListenAddr, mux, logger, "metrics"))
	}

	logger.Infof("fsmrtd: runtime started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Infof("fsmrtd: shutdown signal received")
	case <-ctx.Done():
		logger.Infof("fsmrtd: shutting down due to a critical failure")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	if err := timeouts.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("fsmrtd: timeout manager shutdown: %v", err)
	}
}

func buildStores(cfg Config) (store.Adapter[*callfsm.Call], store.Adapter[*callfsm.Call], error) {
	codec := callfsm.Codec()
	archiveCodec := codec
	archiveCodec.Table = "calls_archive"

	switch cfg.Store.Mode {
	case "partitioned":
		active, err := store.NewPartitionedPostgres[*callfsm.Call](context.Background(), cfg.Store.DSN, codec, 90)
		if err != nil {
			return nil, nil, err
		}
		archive, err := store.NewPartitionedPostgres[*callfsm.Call](context.Background(), cfg.Store.DSN, archiveCodec, 365)
		if err != nil {
			return nil, nil, err
		}
		return active, archive, nil
	default:
		active, err := store.NewMultiTable[*callfsm.Call](store.MultiTableConfig{DSN: cfg.Store.DSN, DriverName: cfg.Store.DriverName}, codec)
		if err != nil {
			return nil, nil, err
		}
		archive, err := store.NewMultiTable[*callfsm.Call](store.MultiTableConfig{DSN: cfg.Store.DSN, DriverName: cfg.Store.DriverName}, archiveCodec)
		if err != nil {
			return nil, nil, err
		}
		return active, archive, nil
	}
}

func startServer(addr string, handler http.Handler, logger logx.Logger, name string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		logger.Infof("fsmrtd: %s listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("fsmrtd: %s server error: %v", name, err)
		}
	}()
	return srv
}
