// Command sigscanctl is a dev CLI for sigscan maintenance and debugging tasks.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/jcleary/sigscan/internal/config"
	"github.com/jcleary/sigscan/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "paths":
		runPaths()
	case "init":
		runInit()
	case "balance":
		requireArgs(3, "Usage: sigscanctl balance <user>")
		runBalance(os.Args[2])
	case "grant":
		requireArgs(4, "Usage: sigscanctl grant <user> <amount>")
		runGrant(os.Args[2], os.Args[3])
	case "schedules":
		runSchedules()
	case "enable":
		requireArgs(3, "Usage: sigscanctl enable <schedule-id>")
		runSetEnabled(os.Args[2], true)
	case "disable":
		requireArgs(3, "Usage: sigscanctl disable <schedule-id>")
		runSetEnabled(os.Args[2], false)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: sigscanctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  paths                  Print config, cache, and database paths")
	fmt.Println("  init                   Write a default config file")
	fmt.Println("  balance <user>         Print a user's credit balance")
	fmt.Println("  grant <user> <amount>  Add credits to a user's balance")
	fmt.Println("  schedules              List scan schedules")
	fmt.Println("  enable <id>            Enable a schedule")
	fmt.Println("  disable <id>           Disable a schedule")
}

func requireArgs(n int, usage string) {
	if len(os.Args) < n {
		fmt.Println(usage)
		os.Exit(1)
	}
}

func openStore() *store.Store {
	dbPath, err := config.DataPath()
	if err != nil {
		log.Fatalf("Failed to get database path: %v", err)
	}
	st, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	return st
}

func runPaths() {
	configPath, err := config.ConfigPath()
	if err != nil {
		log.Fatalf("Failed to get config path: %v", err)
	}
	cacheDir, err := config.CacheDir()
	if err != nil {
		log.Fatalf("Failed to get cache dir: %v", err)
	}
	dbPath, err := config.DataPath()
	if err != nil {
		log.Fatalf("Failed to get database path: %v", err)
	}

	fmt.Printf("config:   %s\n", configPath)
	fmt.Printf("cache:    %s\n", cacheDir)
	fmt.Printf("database: %s\n", dbPath)
}

func runInit() {
	path, err := config.ConfigPath()
	if err != nil {
		log.Fatalf("Failed to get config path: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		log.Fatalf("Config already exists at %s", path)
	}

	if err := config.Default().Save(); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	fmt.Printf("Wrote default config to %s\n", path)
}

func runBalance(user string) {
	st := openStore()
	defer st.Close()

	balance, err := st.GetBalance(user)
	if err != nil {
		log.Fatalf("Failed to get balance: %v", err)
	}
	fmt.Printf("%s: %d credits\n", user, balance)
}

func runGrant(user, amountArg string) {
	amount, err := strconv.Atoi(amountArg)
	if err != nil || amount <= 0 {
		log.Fatalf("Amount must be a positive integer, got %q", amountArg)
	}

	st := openStore()
	defer st.Close()

	balance, err := st.GrantCredits(user, amount)
	if err != nil {
		log.Fatalf("Failed to grant credits: %v", err)
	}
	fmt.Printf("%s: %d credits\n", user, balance)
}

func runSchedules() {
	st := openStore()
	defer st.Close()

	schedules, err := st.ListSchedules()
	if err != nil {
		log.Fatalf("Failed to list schedules: %v", err)
	}
	if len(schedules) == 0 {
		fmt.Println("No schedules.")
		return
	}

	for _, sc := range schedules {
		state := "disabled"
		if sc.Enabled {
			state = "enabled"
		}
		fmt.Printf("%s  %-20s %s %s  %d accounts  [%s, %s]\n",
			sc.ID, sc.Label, sc.TimeOfDay, sc.Timezone, len(sc.Accounts), state, sc.Status)
		if sc.LastMessage != "" {
			fmt.Printf("    last run: %s\n", sc.LastMessage)
		}
	}
}

func runSetEnabled(id string, enabled bool) {
	st := openStore()
	defer st.Close()

	if err := st.SetScheduleEnabled(id, enabled); err != nil {
		log.Fatalf("Failed to update schedule: %v", err)
	}
	fmt.Printf("Schedule %s enabled=%v\n", id, enabled)
}
