package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/agentrun/internal/persistence"
)

const (
	sessionKey = "lease-crash-drill"
	agentID    = "lease-crash-agent"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
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
		workItemID, err := store.CreateWorkItem(ctx, "", sessionKey, "drill", "lease-crash", "lease crash drill", `{"text":"lease-crash"}`)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create work item: %v\n", err)
			os.Exit(1)
		}
		queueKey := sessionKey + ":" + agentID
		if _, err := store.EnqueueMessage(ctx, queueKey, workItemID, "lease-crash", "drill", 0, 0, 50); err != nil {
			fmt.Fprintf(os.Stderr, "enqueue message: %v\n", err)
			os.Exit(1)
		}
		dispatchID, err := store.CoalesceLane(ctx, queueKey, workItemID, agentID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "coalesce lane: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_DISPATCH_ID=%s\n", dispatchID)
	case "claim-sleep":
		claimed, err := store.ClaimNextRunDispatch(ctx, "lease-crash-worker", 5)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim run dispatch: %v\n", err)
			os.Exit(1)
		}
		if claimed == nil {
			fmt.Fprintln(os.Stderr, "no claimable dispatch")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_DISPATCH_ID=%s\n", claimed.ID)
		fmt.Printf("CLAIMED_EPOCH=%d\n", claimed.ExpectedEpoch)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RecoverStaleDispatches(ctx, time.Now().UTC(), true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover stale dispatches: %v\n", err)
			os.Exit(1)
		}
		queueKey := sessionKey + ":" + agentID
		lanes, err := store.DueLanes(ctx, time.Now().UTC())
		if err != nil {
			fmt.Fprintf(os.Stderr, "due lanes: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := true
		laneSeen := false
		for _, lk := range lanes {
			if lk == queueKey {
				laneSeen = true
			}
		}
		if recovered == 0 {
			pass = false
			fmt.Println("NOTE no dispatch needed recovery (unexpected for this drill)")
		}
		fmt.Printf("LANE_REQUEUED=%v\n", laneSeen)
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL — dispatch did not recover from its abandoned lease")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
