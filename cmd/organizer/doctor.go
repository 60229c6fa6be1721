package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/basket/organizer/internal/config"
	"github.com/basket/organizer/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: organizer doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	diag := doctor.Run(ctx, &cfg, err, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		doctor.Print(os.Stdout, diag, colorOutput(os.Stdout))
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
