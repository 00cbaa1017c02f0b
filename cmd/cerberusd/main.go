// Command cerberusd is the on-device background-app governor daemon. It
// tracks every process on the device, groups them into per-user app
// instances, and freezes idle background apps via a coordinated
// binder/cgroup protocol. Requires root.
//
// It loads a YAML configuration file (substituting and persisting defaults
// when the file is missing or corrupt), opens the SQLite state store and the
// event journal, starts the kernel process monitor and the admin/probe IPC
// server, and shuts down cleanly on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cerberus/daemon/internal/config"
	"github.com/cerberus/daemon/internal/daemon"
	"github.com/cerberus/daemon/internal/debughttp"
	"github.com/cerberus/daemon/internal/freezer"
	"github.com/cerberus/daemon/internal/journal"
	"github.com/cerberus/daemon/internal/procmon"
	"github.com/cerberus/daemon/internal/server"
	"github.com/cerberus/daemon/internal/state"
	"github.com/cerberus/daemon/internal/store"
	"github.com/cerberus/daemon/internal/sysmon"
)

func main() {
	configPath := flag.String("config", "/data/adb/cerberus/cerberusd.yaml", "path to the daemon YAML configuration file")
	flag.Parse()

	// Load configuration; a missing or corrupt file substitutes the built-in
	// defaults and writes them back so the next boot starts from a file.
	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
		fmt.Fprintf(os.Stderr, "cerberusd: using default configuration: %v\n", err)
		if werr := cfg.WriteFile(*configPath); werr != nil {
			fmt.Fprintf(os.Stderr, "cerberusd: cannot persist default configuration: %v\n", werr)
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("data_dir", cfg.DataDir),
		slog.String("socket", cfg.SocketName),
		slog.String("log_level", cfg.LogLevel),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", slog.String("dir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "cerberus.db"), logger)
	if err != nil {
		logger.Error("failed to open state store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	jrnl, err := journal.Open(filepath.Join(cfg.DataDir, "logs"))
	if err != nil {
		// The journal is supplementary; the SQLite event log remains.
		logger.Warn("event journal unavailable", slog.Any("error", err))
		jrnl = nil
	}
	if jrnl != nil {
		defer jrnl.Close()
	}

	// The action executor probes the binder driver and the cgroup-v2
	// hierarchy; missing kernel features degrade it rather than fail it.
	exec := freezer.New(logger)
	defer exec.Close()

	monitor := sysmon.New(logger)

	mgrOpts := []state.Option{state.WithSystemMonitor(monitor)}
	if jrnl != nil {
		mgrOpts = append(mgrOpts, state.WithJournal(jrnl))
	}
	mgr := state.New(cfg, logger, exec, st, mgrOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ipc := server.New(cfg.SocketName, mgr, st, logger, func() {
		logger.Info("restart requested, shutting down")
		cancel()
	})

	d := daemon.New(mgr, logger,
		daemon.WithProcessSource(procmon.New(logger)),
		daemon.WithIPCServer(ipc),
	)

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	var dbg *debughttp.Server
	if cfg.DebugHTTPAddr != "" {
		dbg = debughttp.New(cfg.DebugHTTPAddr, mgr, ipc.ProbeConnected, logger)
		dbg.Start()
	}

	// Run until SIGTERM/SIGINT or an admin-requested restart.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("caught signal, shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	if dbg != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		dbg.Stop(shutdownCtx)
		shutdownCancel()
	}
	d.Stop()
	logger.Info("cerberusd shut down cleanly")
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
