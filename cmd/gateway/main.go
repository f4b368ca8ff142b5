// Command gateway is the SCADA gateway core process: it wires the
// Device Service, Poller, Command Executor/Service, Alarm Engine,
// Access Control, and Broadcast Hub together and runs them until a
// shutdown signal arrives.
//
// Grounded on cmd/api/main.go's startup shape (config.Get() ->
// construct singletons in dependency order -> start background
// workers -> signal.Notify/graceful shutdown), trimmed to this
// core's own subsystems — spec.md §1 keeps REST/WebSocket transport,
// HTTP middleware, and request schemas as external collaborators, so
// this process exposes only a metrics endpoint, not an API surface.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sunnyfields/scada-core/internal/access"
	"github.com/sunnyfields/scada-core/internal/alarm"
	"github.com/sunnyfields/scada-core/internal/broadcast"
	"github.com/sunnyfields/scada-core/internal/command"
	"github.com/sunnyfields/scada-core/internal/config"
	"github.com/sunnyfields/scada-core/internal/core"
	"github.com/sunnyfields/scada-core/internal/device"
	"github.com/sunnyfields/scada-core/internal/metrics"
	"github.com/sunnyfields/scada-core/internal/poller"
	"github.com/sunnyfields/scada-core/internal/ratelimit"
	"github.com/sunnyfields/scada-core/internal/snapshot"
	"github.com/sunnyfields/scada-core/internal/store"
)

func main() {
	cfg := config.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConn, cfg.Database.MaxIdleConn)
	if err != nil {
		log.Fatalf("gateway: store open failed: %v", err)
	}
	defer db.Close()

	treeCache := store.NewTreeCache(db)
	if err := treeCache.Refresh(ctx); err != nil {
		log.Fatalf("gateway: initial tree load failed: %v", err)
	}

	ruleCache := alarm.NewRuleCache(db)
	if err := ruleCache.Refresh(ctx); err != nil {
		slog.Warn("gateway: initial alarm rule load failed", "error", err)
	}

	roster := buildRoster(treeCache.Get())
	if len(roster) == 0 {
		// Bootstrap fallback: cfg_plc has no rows yet (fresh deployment,
		// or a legacy one that hasn't migrated its roster into the
		// database). Fall back to the tolerant multi-section YAML loader
		// (SPEC_FULL.md "SUPPLEMENTED FEATURES") so the Device Service
		// still has something to connect to.
		legacy, err := config.LoadPLCRoster(cfg.Modbus.PLCConfigPath)
		if err != nil {
			slog.Warn("gateway: no PLCs in config tree and legacy roster file unavailable", "path", cfg.Modbus.PLCConfigPath, "error", err)
		} else {
			roster = make([]device.PLCConfig, 0, len(legacy))
			for _, e := range legacy {
				roster = append(roster, device.PLCConfig{Name: e.Name, Host: e.IP, Port: e.Port, UnitID: 0})
			}
			slog.Info("gateway: loaded PLC roster from legacy config file", "path", cfg.Modbus.PLCConfigPath, "count", len(roster))
		}
	}

	deviceSvc := device.New(roster, device.Options{
		TimeoutS:       cfg.Modbus.TimeoutS,
		Retries:        cfg.Modbus.Retries,
		BackoffS:       cfg.Modbus.BackoffS,
		MaxBackoffS:    cfg.Modbus.MaxBackoffS,
		ReconnectBaseS: cfg.Modbus.ReconnectBaseS,
		ReconnectMaxS:  cfg.Modbus.ReconnectMaxS,
	}, slog.Default())

	metricsRegistry := metrics.New()
	snapshotStore := snapshot.New()
	hub := broadcast.New(slog.Default())

	alarmEngine := alarm.New(db, treeCache.Get, slog.Default())
	alarmEngine.SetBroadcast(func(payload map[string]any) {
		hub.Broadcast(broadcast.ChannelAlarms, payload)
		state, _ := payload["state"].(string)
		source, _ := payload["source"].(string)
		if state != "" {
			metricsRegistry.RecordAlarmTransition(source, state)
		}
	})

	limiter := newLimiter(cfg)

	executor := command.NewExecutor(db, deviceSvc, command.Options{
		MaxRetries: cfg.Commands.MaxRetries,
		BackoffS:   cfg.Commands.BackoffS,
	}, slog.Default())
	executor.SetBroadcast(func(payload map[string]any) {
		hub.Broadcast(broadcast.ChannelCommands, payload)
		if cmd, ok := payload["command"].(map[string]any); ok {
			if status, ok := cmd["status"].(string); ok && isTerminalStatus(status) {
				plcName, _ := cmd["plc"].(string)
				metricsRegistry.RecordCommandTerminal(plcName, status)
			}
		}
	})

	// commandSvc and accessSvc are the entry points an external
	// transport (REST/WebSocket, explicitly out of scope per spec.md
	// §1) would call into; this process wires and runs them without
	// exposing that surface itself.
	commandSvc := command.NewService(db, executor, limiter, treeCache.Get, cfg.Commands.RateLimitPerMinute, slog.Default())
	accessSvc := access.New(db, treeCache.Get)
	_ = commandSvc
	_ = accessSvc

	pollerSvc := poller.New(deviceSvc, snapshotStore, treeCache.Get, ruleCache.Get, alarmEngine, poller.Options{
		IntervalS:       cfg.Polling.IntervalS,
		SleepSliceMs:    cfg.Polling.SleepSliceMs,
		RealExtraOffset: cfg.Modbus.RealExtraOffset,
		MaxGapRegs:      cfg.Modbus.MaxGapRegs,
		MaxBlockRegs:    cfg.Modbus.MaxBlockRegs,
	}, slog.Default(), metricsRegistry)

	rosterNames := make([]string, 0, len(roster))
	for _, p := range roster {
		rosterNames = append(rosterNames, p.Name)
	}
	pollerSvc.Start(rosterNames)

	stopHealthReport := startPeriodicMetrics(ctx, deviceSvc, executor, metricsRegistry)
	metricsSrv := startMetricsServer()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Info("gateway: shutdown signal received")
	cancel()
	close(stopHealthReport)

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	pollerSvc.Stop(shutdownTimeout)

	commandTimeout := time.Duration(cfg.Commands.WorkerJoinTimeoutS * float64(time.Second))
	if commandTimeout <= 0 {
		commandTimeout = 3 * time.Second
	}
	executor.Stop(commandTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway: metrics server shutdown error", "error", err)
	}

	slog.Info("gateway: stopped")
}

// buildRoster flattens the configuration tree's PLCs into the
// device.PLCConfig roster the Device Service needs to start. The
// configuration tree has no unit-id column yet (see DESIGN.md); every
// PLC defaults to Modbus unit 0.
func buildRoster(tree *core.Tree) []device.PLCConfig {
	if tree == nil {
		return nil
	}
	roster := make([]device.PLCConfig, 0, len(tree.PLCs))
	for _, p := range tree.PLCs {
		roster = append(roster, device.PLCConfig{
			Name:   p.Name,
			Host:   p.Address,
			Port:   p.Port,
			UnitID: 0,
		})
	}
	return roster
}

func startMetricsServer() *http.Server {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9100"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway: metrics server failed", "error", err)
		}
	}()
	slog.Info("gateway: metrics server listening", "addr", addr)
	return srv
}

func isTerminalStatus(status string) bool {
	switch status {
	case "success", "failed", "cancelled":
		return true
	}
	return false
}

func newLimiter(cfg *config.Config) ratelimit.Limiter {
	if cfg.Redis.Enabled {
		r, err := ratelimit.NewRedis(cfg.Redis.Addr, "", cfg.Redis.DB)
		if err != nil {
			slog.Warn("gateway: redis rate limiter unavailable, falling back to in-memory", "error", err)
		} else {
			slog.Info("gateway: redis rate limiter wired", "addr", cfg.Redis.Addr)
			return r
		}
	}
	return ratelimit.NewMemory()
}

// startPeriodicMetrics polls the Device Service's health snapshot and
// the Command Executor's queue depths on a fixed tick, since neither
// has a push-based change notification of its own.
func startPeriodicMetrics(ctx context.Context, deviceSvc *device.Service, executor *command.Executor, m *metrics.Metrics) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				for plc, h := range deviceSvc.HealthSnapshot() {
					m.RecordDeviceHealth(plc, h.Connected, h.ConsecutiveFailures)
				}
				for plc, depth := range executor.QueueDepths() {
					m.CommandQueueDepth.WithLabelValues(plc).Set(float64(depth))
				}
			}
		}
	}()
	return stop
}
