package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/conductor/internal/api"
	"github.com/joescharf/conductor/internal/daemon"
	"github.com/joescharf/conductor/internal/store"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session control API",
	Long: `Run the HTTP session control API in the foreground.

Sessions live in memory; every apply is recorded in the SQLite ledger.
Use 'serve start' to run in the background, 'serve status' and 'serve stop'
to manage it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd, serveStatusCmd, serveStopCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))
}

func pidFile() *daemon.PIDFile {
	return daemon.ServePIDFile(viper.GetString("state_dir"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "conductor-serve.log")
}

func serveRun(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	eng, err := getEngine()
	if err != nil {
		return err
	}
	var ledger store.Store
	if s, err := getStore(); err == nil {
		ledger = s
	}

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(eng, ledger, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving session API", "addr", addr, "backend", eng.Backend().Kind(), "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx, viper.GetDuration("session.sweep_interval"))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), eng.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveStartRun re-executes `conductor serve` detached, logging to the state
// directory.
func serveStartRun() error {
	if pid, running := pidFile().IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	if dryRun {
		ui.DryRunMsg("Would start %s serve (log: %s)", exe, serveLogPath())
		return nil
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("port"))}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server starting on port %d (log: %s)", viper.GetInt("port"), serveLogPath())
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server is running (pid %d, port %d)", pid, viper.GetInt("port"))
	return nil
}

// serveStopRun sends a termination signal and escalates to kill when the
// server has not exited within the shutdown timeout.
func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server is not running")
	}
	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			_ = pf.Remove()
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Server did not stop in %s, killing", shutdownTimeout)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	return nil
}
