package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/monitor"
)

var monitorAddr string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve fleet health and metrics over HTTP",
	Long: `Serve the fleet health report until interrupted.

Endpoints:
  GET  /health                      200 when healthy, 503 otherwise
  GET  /agents                      full report
  GET  /agents/{id}                 one agent
  POST /agents/{id}/breaker/reset   close an agent's breaker
  GET  /metrics                     Prometheus metrics

The heartbeat directory is watched so heartbeat gauges stay current
between scrapes.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorAddr, "addr", "", "Listen address (default: monitor.addr)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, "json")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := monitorAddr
	if addr == "" {
		addr = cfg.Monitor.Addr
	}
	logger.Info("starting monitor",
		zap.String("addr", addr),
		zap.Int("agents", len(a.agents)),
		zap.String("ledger", cfg.Storage.LedgerBackend))

	srv := monitor.NewServer(a.monitor(), a.metrics, a.beats, cfg.Monitor.PollInterval, logger)
	return srv.Run(ctx, addr)
}
