package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cinience/threadbridge/internal/bridge"
	"github.com/cinience/threadbridge/internal/hostproc"
	"github.com/cinience/threadbridge/internal/hub"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		addr        string
		hostCommand string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:           "threadbridge",
		Short:         "Bridge between remote clients and a local assistant host process",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Listen.Addr = addr
			}
			if hostCommand != "" {
				parts := strings.Fields(hostCommand)
				cfg.Host.Command = parts[0]
				cfg.Host.Args = parts[1:]
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&hostCommand, "host-command", "", "host process command line (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	return cmd
}

func run(ctx context.Context, cfg *Config) error {
	log := newLogger(cfg.Log.Level)
	log.Info().Str("addr", cfg.Listen.Addr).Str("host", cfg.Host.Command).Msg("starting threadbridge")

	host, err := hostproc.StartProcess(ctx, hostproc.ProcessConfig{
		Command:        cfg.Host.Command,
		Args:           cfg.Host.Args,
		Dir:            cfg.Host.Cwd,
		RequestTimeout: cfg.hostRequestTimeout(),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("start host process: %w", err)
	}
	defer func() { _ = host.Close() }()

	events := hub.New(log)
	store := bridge.NewThreadStore()
	orch := bridge.NewOrchestrator(host, store, events, bridge.OrchestratorConfig{
		TurnTimeout: cfg.turnTimeout(),
		Logger:      log,
	})

	server := newRPCServer(cfg.Listen.Addr, cfg.Listen.Token, cfg.Listen.AllowQueryToken, orch, events, log)
	if err := server.start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-host.Done():
		log.Error().Msg("host process died, shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
