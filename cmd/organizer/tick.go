package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/config"
	"github.com/basket/organizer/internal/cron"
	"github.com/basket/organizer/internal/telemetry"
)

// runTickCommand runs one job against the database and exits. It is meant
// for system cron or manual catch-up while the daemon is stopped; against a
// running daemon the inbox leases and calendar claims keep the two apart.
func runTickCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, "usage: organizer tick <job>")
		fmt.Fprintln(os.Stderr, "jobs:", jobNames(cron.DefaultSpecs))
		return 2
	}
	name := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := a.scheduler.RunOnce(ctx, name); err != nil {
		if errors.Is(err, cron.ErrUnknownJob) {
			var names []string
			for _, j := range a.scheduler.Jobs() {
				names = append(names, j.Name)
			}
			sort.Strings(names)
			fmt.Fprintf(os.Stderr, "unknown job %q; registered: %v\n", name, names)
			return 2
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	fmt.Printf("%s: ok\n", name)
	return 0
}

func jobNames(specs map[string]string) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
