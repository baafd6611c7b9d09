// Command spacectl is a thin operator CLI for inspecting and poking a
// running daemon's SQLite database directly; it does not talk to the
// daemon's HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/space-swarm/space/internal/eventbus"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/provider"
	"github.com/space-swarm/space/internal/quotarouter"
	"github.com/space-swarm/space/internal/spawnengine"
	"github.com/space-swarm/space/internal/store"
)

func main() {
	dbPath := flag.String("db", "data/space.db", "path to the daemon's SQLite database")
	action := flag.String("action", "", "action to perform: agents, spawns, terminate, cooldown")
	spawnID := flag.String("spawn", "", "spawn id (required by terminate)")
	providerName := flag.String("provider", "", "provider name (required by cooldown)")
	jsonOutput := flag.Bool("json", false, "emit JSON instead of a text table")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: spacectl -db <path> -action <agents|spawns|terminate|cooldown> [-spawn <id>] [-provider <name>] [-json]")
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spacectl: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	l, err := ledger.New(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spacectl: open ledger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	switch *action {
	case "agents":
		agents, err := l.FetchAgents(ledger.AgentFilter{})
		fail(err)
		emit(*jsonOutput, agents, func() {
			for _, a := range agents {
				fmt.Printf("%s\t%s\t%s\t%s\n", a.ID, a.Handle, a.Type, a.Model)
			}
		})

	case "spawns":
		active, err := l.ActiveSovereignSpawns()
		fail(err)
		emit(*jsonOutput, active, func() {
			for _, s := range active {
				fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.AgentID, s.Status, s.Provider)
			}
		})

	case "terminate":
		if *spawnID == "" {
			fmt.Fprintln(os.Stderr, "spacectl: -spawn is required for terminate")
			os.Exit(1)
		}
		engine := spawnengine.New(l, provider.NewRegistry(), quotarouter.New(st, 15, 0), eventbus.New(0), nil, "", "")
		s, err := engine.Terminate(ctx, *spawnID)
		fail(err)
		emit(*jsonOutput, s, func() {
			fmt.Printf("terminated %s (status=%s)\n", s.ID, s.Status)
		})

	case "cooldown":
		if *providerName == "" {
			fmt.Fprintln(os.Stderr, "spacectl: -provider is required for cooldown")
			os.Exit(1)
		}
		qr := quotarouter.New(st, 15, 0)
		ok, until, err := qr.InCooldown(ctx, *providerName)
		fail(err)
		emit(*jsonOutput, map[string]interface{}{"provider": *providerName, "in_cooldown": ok, "until": until}, func() {
			if ok {
				fmt.Printf("%s is in cooldown until %v\n", *providerName, until)
			} else {
				fmt.Printf("%s is not in cooldown\n", *providerName)
			}
		})

	default:
		fmt.Fprintf(os.Stderr, "spacectl: unknown action %q\n", *action)
		os.Exit(1)
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "spacectl: %v\n", err)
		os.Exit(1)
	}
}

func emit(asJSON bool, v interface{}, printText func()) {
	if asJSON {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	printText()
}
