package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/organizer/internal/persistence"
)

const (
	verifySource = "verify"
	verifyChat   = 4242
	verifyUpdate = 1
)

// Crash drill for inbox leases: prepare enqueues one item, claim-sleep holds
// its lease until the process is killed, recover checks the item is handed
// out again once the lease has run out.
func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	lease := flag.Duration("lease", 5*time.Second, "claim lease")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		payload, _ := json.Marshal(map[string]string{"text": "lease-crash"})
		res, err := store.Enqueue(ctx, persistence.EnqueueParams{
			Source:   verifySource,
			ChatID:   verifyChat,
			UpdateID: verifyUpdate,
			Kind:     persistence.KindText,
			Payload:  payload,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_ITEM_ID=%d INSERTED=%t\n", res.ItemID, res.Inserted)
	case "claim-sleep":
		items, err := store.Claim(ctx, "verify-crasher", 1, *lease)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim: %v\n", err)
			os.Exit(1)
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "no claimable item")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_ITEM_ID=%d\n", items[0].ID)
		fmt.Printf("LEASE_UNTIL=%s\n", items[0].LeaseUntil.Format(time.RFC3339Nano))
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		// Step the clock past any lease the crashed worker could have held.
		store.SetClock(func() time.Time { return time.Now().Add(*lease + time.Second) })
		reaped, err := store.ReapExpiredLeases(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reap: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("REAPED=%d\n", reaped)
		items, err := store.Claim(ctx, "verify-recoverer", 10, *lease)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim after reap: %v\n", err)
			os.Exit(1)
		}
		pass := false
		for _, item := range items {
			fmt.Printf("ITEM id=%d status=%s claimed_by=%q attempts=%d\n", item.ID, item.Status, item.ClaimedBy, item.Attempts)
			if item.Source == verifySource && item.ChatID == verifyChat && item.UpdateID == verifyUpdate {
				pass = true
			}
			if err := store.Complete(ctx, item.ID, "verify-recoverer"); err != nil {
				fmt.Fprintf(os.Stderr, "complete: %v\n", err)
				os.Exit(1)
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: crashed claim was not redelivered")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
