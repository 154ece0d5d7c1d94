package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/config"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
)

type statusReport struct {
	Version     string            `json:"version"`
	HomeDir     string            `json:"home_dir"`
	DBPath      string            `json:"db_path"`
	StoreOK     bool              `json:"store_ok"`
	StoreError  string            `json:"store_error,omitempty"`
	Stats       persistence.Stats `json:"stats"`
	LastSweepAt string            `json:"last_sweep_at,omitempty"`
	Channel     string            `json:"channel"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOut := false
	for _, a := range args {
		if a == "-json" || a == "--json" {
			jsonOut = true
			continue
		}
		fmt.Fprintln(os.Stderr, "usage: notifier status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	report := statusReport{
		Version: Version,
		HomeDir: cfg.HomeDir,
		DBPath:  cfg.DBPath,
		Channel: "none",
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		report.Channel = "telegram"
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		report.StoreError = err.Error()
	} else {
		defer store.Close()
		report.StoreOK = true
		if stats, err := store.Stats(ctx); err == nil {
			report.Stats = stats
		} else {
			report.StoreError = err.Error()
		}
		if last, err := store.MetaGet(ctx, "last_sweep_at"); err == nil {
			report.LastSweepAt = last
		}
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("notifier %s\n", report.Version)
		fmt.Printf("home:        %s\n", report.HomeDir)
		fmt.Printf("db:          %s\n", report.DBPath)
		fmt.Printf("channel:     %s\n", report.Channel)
		if report.StoreOK {
			fmt.Printf("tasks:       %d (%d open)\n", report.Stats.TotalTasks, report.Stats.OpenTasks)
			fmt.Printf("threads:     %d\n", report.Stats.Threads)
			if report.LastSweepAt != "" {
				fmt.Printf("last sweep:  %s\n", report.LastSweepAt)
			} else {
				fmt.Printf("last sweep:  never\n")
			}
		} else {
			fmt.Printf("store:       unavailable (%s)\n", report.StoreError)
		}
	}

	if !report.StoreOK {
		return 1
	}
	return 0
}
