package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/opsgrid/checkfarm/internal/log"
)

const version = "0.1.0"

func main() {
	master := flag.String("master", "127.0.0.1:7557", "Master address to connect to")
	name := flag.String("name", "", "Worker name (defaults to hostname:pid)")
	maxJobs := flag.Int("max-jobs", runtime.NumCPU()*4, "Maximum concurrent jobs")
	plugins := flag.String("plugins", "", "Comma-separated plugin names to advertise")
	grace := flag.Duration("grace", 5*time.Second, "Grace period between SIGTERM and SIGKILL")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "Log format (json, text)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("checkfarm-worker version %s\n", version)
		os.Exit(0)
	}

	log.Setup(*logLevel, *logFormat)

	if *name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		*name = fmt.Sprintf("%s:%d", hostname, os.Getpid())
	}
	if *maxJobs <= 0 {
		fmt.Fprintln(os.Stderr, "max-jobs must be positive")
		os.Exit(1)
	}

	var pluginList []string
	for _, p := range strings.Split(*plugins, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pluginList = append(pluginList, p)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := newWorker(workerConfig{
		Master:  *master,
		Name:    *name,
		MaxJobs: *maxJobs,
		Plugins: pluginList,
		Grace:   *grace,
	})

	if err := w.run(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
	w.logger.Info("worker stopped")
}
