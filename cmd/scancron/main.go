// Command scancron runs scheduled scans until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jcleary/sigscan/internal/app"
	"github.com/jcleary/sigscan/internal/config"
	"github.com/jcleary/sigscan/internal/logging"
	"github.com/jcleary/sigscan/internal/scheduler"
)

func main() {
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(*debug || cfg.Logging.Debug)
	defer log.Sync()

	// Scheduled scans for different users often overlap on popular accounts,
	// so the cron path coalesces upstream fetches.
	a, err := app.New(cfg, app.Options{Coalesce: true}, log)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Ledger.StartGC(ctx)

	ev := scheduler.New(a.Store, a.Engine, scheduler.DefaultOptions(), log)
	if err := ev.Start(); err != nil {
		log.Fatalf("failed to start evaluator: %v", err)
	}

	log.Infof("[scancron] running, ctrl-c to stop")
	<-ctx.Done()

	log.Infof("[scancron] shutting down, waiting for running scans")
	<-ev.Stop().Done()
}
