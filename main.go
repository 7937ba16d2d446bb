// Command sigscan runs a one-off signal scan from the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jcleary/sigscan/internal/app"
	"github.com/jcleary/sigscan/internal/config"
	"github.com/jcleary/sigscan/internal/logging"
	"github.com/jcleary/sigscan/internal/types"
)

func main() {
	accounts := flag.String("accounts", "", "comma-separated account handles to scan")
	rangeDays := flag.Int("range", 0, "posts newer than this many days (default from config)")
	model := flag.String("model", "", "override the analysis model")
	user := flag.String("user", "local", "user id for credits and scan history")
	selfCreds := flag.Bool("self", false, "scan with your own upstream credentials (no credit charge)")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if *accounts == "" {
		fmt.Fprintln(os.Stderr, "usage: sigscan -accounts handle1,handle2 [-range days] [-model name]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *model != "" {
		cfg.Analysis.Model = *model
	}

	log := logging.New(*debug || cfg.Logging.Debug)
	defer log.Sync()

	a, err := app.New(cfg, app.Options{}, log)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := types.ScanRequest{
		Accounts:        splitAccounts(*accounts),
		RangeDays:       cfg.Scan.RangeDays,
		UserID:          *user,
		SelfCredentials: *selfCreds,
	}
	if *rangeDays > 0 {
		req.RangeDays = *rangeDays
	}

	result, err := a.Engine.RunScan(ctx, req,
		func(msg string) { fmt.Fprintf(os.Stderr, "... %s\n", msg) },
		func(msg string) { fmt.Println(msg) })
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}
	if result == nil {
		return
	}

	printResult(result)
}

func splitAccounts(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimPrefix(strings.TrimSpace(a), "@")
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func printResult(r *types.ScanResult) {
	for _, w := range r.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	for i, s := range r.Signals {
		fmt.Printf("\n%d. %s [%s]\n", i+1, s.Title, s.Category)
		if s.Summary != "" {
			fmt.Printf("   %s\n", s.Summary)
		}
		for _, t := range s.Tickers {
			fmt.Printf("   $%s (%s)\n", t.Symbol, t.Action)
		}
		if s.PostURL != "" {
			fmt.Printf("   %s\n", s.PostURL)
		}
	}

	fmt.Printf("\n%d signals from %d posts", len(r.Signals), r.TotalPosts)
	if r.FromCache {
		fmt.Print(" (cached)")
	}
	if r.CreditsUsed > 0 {
		fmt.Printf(", %d credits used", r.CreditsUsed)
	}
	fmt.Println()
}
