// The iggy-server command runs the message broker: the streaming engine plus
// the binary TCP server and the HTTP gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ilikepi63/iggy/internal/api"
	"github.com/ilikepi63/iggy/internal/config"
	"github.com/ilikepi63/iggy/internal/metrics"
	"github.com/ilikepi63/iggy/internal/protocol"
	"github.com/ilikepi63/iggy/internal/streaming"
	"github.com/ilikepi63/iggy/internal/tcp"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "iggy-server",
	Short:         "Persistent message streaming broker",
	Long:          "iggy-server is a persistent message broker: streams hold topics, topics hold partitions, partitions hold append-only segments. Clients speak either the binary TCP protocol or the HTTP/JSON gateway.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func main() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	log.Info("starting iggy-server", "data_root", cfg.DataRoot)

	met := metrics.New(log)

	sys, err := streaming.NewSystem(cfg.EngineConfig(), log, met)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	sys.Start()

	var tcpServer *tcp.Server
	if cfg.TCP.Enabled {
		tcpServer = tcp.NewServer(tcp.ServerConfig{
			Addr:           cfg.TCP.Addr,
			MaxFrameSize:   cfg.TCP.MaxFrameSize,
			BytesPerSecond: cfg.RateLimit.BytesPerSecond,
			RequireAuth:    cfg.TCP.RequireAuth,
		}, protocol.NewDispatcher(sys, log), log, met)
		if err := tcpServer.Start(); err != nil {
			return fmt.Errorf("start tcp server: %w", err)
		}
	}

	var httpServer *api.Server
	if cfg.HTTP.Enabled {
		httpServer = api.NewServer(sys, api.ServerConfig{
			Addr:         cfg.HTTP.Addr,
			ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.HTTP.IdleTimeoutSecs) * time.Second,
		}, log, met)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Transports first so no new work reaches the engine while it flushes.
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
	}
	if tcpServer != nil {
		if err := tcpServer.Shutdown(ctx); err != nil {
			log.Error("tcp shutdown failed", "error", err)
		}
	}
	if err := sys.Shutdown(ctx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
