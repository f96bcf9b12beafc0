package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/shepherd/internal/config"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("shepherd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Channels:")
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		fmt.Printf("    %-12s enabled\n", "Telegram:")
	} else {
		fmt.Printf("    %-12s DISABLED (set SHEPHERD_TELEGRAM_TOKEN)\n", "Telegram:")
	}

	fmt.Println()
	fmt.Println("  Agent:")
	if path, lookErr := exec.LookPath(cfg.Agent.Command); lookErr != nil {
		fmt.Printf("    %-12s %s (NOT FOUND on PATH)\n", "Command:", cfg.Agent.Command)
	} else {
		fmt.Printf("    %-12s %s\n", "Command:", path)
	}
	if cfg.Agent.APIKey == "" {
		fmt.Printf("    %-12s NOT SET (set SHEPHERD_AGENT_API_KEY)\n", "API key:")
	} else {
		fmt.Printf("    %-12s set\n", "API key:")
	}
	fmt.Printf("    %-12s %d\n", "Concurrency:", cfg.Agent.MaxConcurrent)
	fmt.Printf("    %-12s %s idle + %s grace\n", "Timeouts:", cfg.Agent.IdleTimeout.Std(), cfg.Agent.Grace.Std())

	fmt.Println()
	fmt.Println("  Data:")
	fmt.Printf("    %-12s %s\n", "Directory:", cfg.StoreDir())
	start := time.Now()
	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Store:", err)
		return
	}
	defer st.Close()
	fmt.Printf("    %-12s OK (%s)\n", "Store:", time.Since(start).Round(time.Millisecond))

	groups, err := st.GetRegisteredGroups(context.Background())
	if err != nil {
		fmt.Printf("    %-12s QUERY FAILED (%s)\n", "Groups:", err)
		return
	}
	fmt.Printf("    %-12s %d registered\n", "Groups:", len(groups))

	if cfg.Scheduler.Timezone != "" {
		if _, tzErr := time.LoadLocation(cfg.Scheduler.Timezone); tzErr != nil {
			fmt.Printf("    %-12s INVALID (%s)\n", "Timezone:", cfg.Scheduler.Timezone)
		} else {
			fmt.Printf("    %-12s %s\n", "Timezone:", cfg.Scheduler.Timezone)
		}
	}
}
