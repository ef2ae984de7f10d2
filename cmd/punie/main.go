// Package main is the punie host binary: a local coding-agent host serving
// one stdio editor client and any number of WebSocket clients over a shared
// JSON-RPC protocol, with model-generated code confined to a restricted
// sandbox.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pauleveritt/punie-sub003/hostcap"
	"github.com/pauleveritt/punie-sub003/internal/agent"
	"github.com/pauleveritt/punie-sub003/internal/config"
	"github.com/pauleveritt/punie-sub003/internal/engine"
	"github.com/pauleveritt/punie-sub003/internal/logctx"
	"github.com/pauleveritt/punie-sub003/internal/metrics"
	"github.com/pauleveritt/punie-sub003/internal/registry"
	"github.com/pauleveritt/punie-sub003/internal/sandbox"
	"github.com/pauleveritt/punie-sub003/stdio"
	"github.com/pauleveritt/punie-sub003/websock"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "punie",
		Short:        "Local coding-agent host",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		flagStdio        bool
		flagSingleClient bool
		flagListenAddr   string
		flagWorkspace    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("stdio") {
				cfg.Stdio = flagStdio
			}
			if cmd.Flags().Changed("single-client") {
				cfg.SingleClient = flagSingleClient
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = flagListenAddr
			}
			if cmd.Flags().Changed("workspace") {
				cfg.Workspace = flagWorkspace
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&flagStdio, "stdio", false, "serve a legacy client on stdin/stdout")
	cmd.Flags().BoolVar(&flagSingleClient, "single-client", false, "allow unowned sessions for the stdio client")
	cmd.Flags().StringVar(&flagListenAddr, "listen", "", "WebSocket listen address")
	cmd.Flags().StringVar(&flagWorkspace, "workspace", "", "workspace root for file and command capabilities")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	// Stdout carries protocol frames when --stdio is set; logs go to stderr.
	log := slog.New(logctx.Handler{
		Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	sink := metrics.NewPromSink()

	reg := registry.New(registry.Config{
		SingleClient: cfg.SingleClient,
		Metrics:      sink,
		Logger:       log,
	})

	caps := hostcap.NewRegistry()
	fs, err := hostcap.NewFSOps(cfg.Workspace)
	if err != nil {
		return err
	}
	if err := fs.RegisterAll(caps); err != nil {
		return err
	}
	if err := caps.Register(hostcap.NewExecOps(fs).RunCommand()); err != nil {
		return err
	}

	loop := sandbox.NewLoop(log)
	sb := sandbox.NewEngine(loop, sandbox.Config{
		Workers:     cfg.SandboxWorkers,
		ExecTimeout: cfg.SandboxTimeout,
		CallTimeout: cfg.BridgeCallTimeout,
		Logger:      log,
	})

	eng := engine.New(reg, caps, sb, agent.NewScriptedRunner(log), engine.Config{
		ServerName:     "punie",
		ServerVersion:  version,
		RequestTimeout: cfg.RequestTimeout,
		PromptTimeout:  cfg.PromptTimeout,
		Logger:         log,
	})

	watcher := hostcap.NewWatcher(fs, eng, log)

	srv := websock.NewServer(eng, websock.Options{
		Addr:    cfg.ListenAddr,
		Logger:  log,
		Metrics: sink.Handler(),
	})

	errCh := make(chan error, 4)

	go func() { errCh <- loop.Run(ctx) }()
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Warn("workspace watcher stopped", slog.String("err", err.Error()))
		}
	}()
	go func() { errCh <- srv.Serve(ctx) }()

	if cfg.Stdio {
		h := stdio.NewHandler(eng,
			stdio.WithLogger(log),
			stdio.WithIdleTimeout(cfg.IdleTimeout),
		)
		go func() { errCh <- h.Serve(ctx) }()
	}

	log.Info("punie host started",
		slog.String("listen", cfg.ListenAddr),
		slog.String("workspace", fs.Root()),
		slog.Bool("stdio", cfg.Stdio),
		slog.Bool("single_client", cfg.SingleClient))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}
