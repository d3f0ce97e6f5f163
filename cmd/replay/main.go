// Command replay feeds a recorded attempt log through an in-memory
// ledger and prints each decision, which makes policy tuning concrete:
// change the numbers, re-run, see where clients would have been blocked.
//
// Usage:
//
//	go run ./cmd/replay -events data/attempts.json
//
// The events file is a JSON array of:
//
//	{"fingerprint": "...", "action": "login", "at": "2026-08-30T12:00:00Z",
//	 "userAgent": "...", "path": "/login"}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/luisfsill/abusegate/internal/config"
	"github.com/luisfsill/abusegate/internal/domain"
	"github.com/luisfsill/abusegate/internal/ledger"
	"github.com/luisfsill/abusegate/internal/storage"
)

type replayEvent struct {
	Fingerprint string    `json:"fingerprint"`
	Action      string    `json:"action"`
	At          time.Time `json:"at"`
	UserAgent   string    `json:"userAgent"`
	Path        string    `json:"path"`
}

func main() {
	eventsFile := flag.String("events", "data/attempts.json", "path to recorded attempts JSON")
	cfgPath := flag.String("config", "", "optional YAML config for policies")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	policies := cfg.DomainPolicies()

	data, err := os.ReadFile(*eventsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read events: %v\n", err)
		os.Exit(1)
	}
	var events []replayEvent
	if err := json.Unmarshal(data, &events); err != nil {
		fmt.Fprintf(os.Stderr, "parse events: %v\n", err)
		os.Exit(1)
	}

	// Replay in chronological order, driving the ledger clock from the
	// event timestamps.
	sort.Slice(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })

	clock := time.Now()
	led := ledger.New(
		storage.NewMirror(storage.NewMemoryKV(), storage.NewMemoryKV()),
		storage.NewCodec(cfg.SecretKey),
		ledger.WithClock(func() time.Time { return clock }),
	)

	ctx := context.Background()
	var allowed, denied int

	for _, ev := range events {
		policy, ok := policies[ev.Action]
		if !ok {
			fmt.Printf("skip %s: no policy for action %q\n", ev.At.Format(time.RFC3339), ev.Action)
			continue
		}
		clock = ev.At

		d := led.Check(ctx, ev.Fingerprint, ev.Action, policy)
		if d.Allowed {
			allowed++
			meta := domain.AttemptMeta{UserAgent: ev.UserAgent, Path: ev.Path}
			if err := led.Record(ctx, ev.Fingerprint, ev.Action, policy, meta); err != nil {
				fmt.Fprintf(os.Stderr, "record: %v\n", err)
			}
			fmt.Printf("%s  %-8s %-12s allow (%d remaining)\n",
				ev.At.Format(time.RFC3339), ev.Action, ev.Fingerprint[:min(12, len(ev.Fingerprint))], d.Remaining-1)
		} else {
			denied++
			until := ""
			if d.BlockedUntil != nil {
				until = " until " + d.BlockedUntil.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-8s %-12s DENY %s%s\n",
				ev.At.Format(time.RFC3339), ev.Action, ev.Fingerprint[:min(12, len(ev.Fingerprint))], d.Reason, until)
		}
	}

	fmt.Printf("\nreplayed %d events: %d allowed, %d denied\n", len(events), allowed, denied)
}
