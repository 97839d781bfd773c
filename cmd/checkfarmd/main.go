package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/opsgrid/checkfarm/internal/api"
	"github.com/opsgrid/checkfarm/internal/config"
	"github.com/opsgrid/checkfarm/internal/dispatch"
	"github.com/opsgrid/checkfarm/internal/events"
	"github.com/opsgrid/checkfarm/internal/history"
	"github.com/opsgrid/checkfarm/internal/jobtable"
	"github.com/opsgrid/checkfarm/internal/lock"
	"github.com/opsgrid/checkfarm/internal/log"
	"github.com/opsgrid/checkfarm/internal/logrelay"
	"github.com/opsgrid/checkfarm/internal/mux"
	"github.com/opsgrid/checkfarm/internal/protocol"
	"github.com/opsgrid/checkfarm/internal/registry"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "status":
		os.Exit(runStatus(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("checkfarmd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`checkfarmd - check dispatch master

Usage:
  checkfarmd <command> [flags]

Commands:
  start           Start the master in foreground
  status          Show connected workers and in-flight jobs
  config check    Validate configuration syntax and integrity
  config lock     Authorize current config state (update integrity hashes)
  version         Show version information
  help            Show this help message
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: checkfarmd config <check|lock> [flags]")
		return 1
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	discovered, err := config.DiscoverConfigPath()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	if err := config.VerifyChecksums(path); err != nil {
		fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
		return 1
	}

	fmt.Println("Configuration OK")
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	if err := config.GenerateChecksums(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksums: %v\n", err)
		return 1
	}

	fmt.Println("Checksums written")
	return 0
}

// muxSender forwards dispatcher sends to the multiplexer. The mux is built
// after the dispatcher, so the reference is filled in before Serve runs.
type muxSender struct {
	mux *mux.Mux
}

func (s *muxSender) Send(connID string, f protocol.Frame) error {
	return s.mux.Send(connID, f)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := config.VerifyChecksums(path); err != nil {
		fmt.Fprintf(os.Stderr, "Config integrity check failed: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("checkfarmd starting", "version", version, "config", path)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		logger.Error("failed to open history database", "path", cfg.History.Path, "error", err)
		return 1
	}
	defer db.Close()
	hist := history.NewStore(db)
	logger.Info("history database opened", "path", cfg.History.Path)

	reg := registry.New()
	table := jobtable.New()
	hub := events.NewHub(256)
	relay := logrelay.New(nil)

	sender := &muxSender{}
	disp, err := dispatch.New(dispatch.Params{
		Sender:           sender,
		Registry:         reg,
		Table:            table,
		Relay:            relay,
		Hub:              hub,
		History:          hist,
		Completions:      dispatch.CompletionFunc(logOutcome),
		TickInterval:     cfg.Service.TickInterval,
		HistoryRetention: cfg.History.Retention,
	})
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err)
		return 1
	}

	m := mux.New(disp, mux.WithHandshakeTimeout(cfg.Service.HandshakeTimeout))
	sender.mux = m

	ln, err := net.Listen("tcp", cfg.Service.Listen)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.Service.Listen, "error", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := m.Serve(gctx, ln); err != nil && gctx.Err() == nil {
			return fmt.Errorf("mux: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := disp.Run(gctx); err != nil && err != context.Canceled {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, reg, table, hist, hub, disp, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && err != context.Canceled {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("status API enabled", "listen", cfg.API.Listen)
	}

	logger.Info("checkfarmd running (press Ctrl+C to stop)")

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("checkfarmd stopped")
	return 0
}

func logOutcome(o *jobtable.Outcome) {
	l := log.WithJob(o.JobID)
	if o.Result.IsError() {
		l.Warn("check failed", "worker", o.WorkerName, "error_code", o.Result.ErrorCode, "error", o.Result.ErrorMsg)
		return
	}
	l.Info("check completed", "worker", o.WorkerName, "runtime", o.Result.Runtime, "exited_ok", o.Result.ExitedOK)
}
