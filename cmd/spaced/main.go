// Command spaced is the daemon entrypoint. Invoked with no special flag
// it runs as the supervisor: it acquires the singleton lock and forks
// itself again with --worker, restarting that child on crash. The
// --worker invocation is the actual daemon loop and is not meant to be
// run directly by an operator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/space-swarm/space/internal/busrelay"
	"github.com/space-swarm/space/internal/config"
	"github.com/space-swarm/space/internal/contextbuilder"
	"github.com/space-swarm/space/internal/daemonsup"
	"github.com/space-swarm/space/internal/eventbus"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/notifications"
	"github.com/space-swarm/space/internal/provider"
	"github.com/space-swarm/space/internal/provider/claude"
	"github.com/space-swarm/space/internal/provider/codex"
	"github.com/space-swarm/space/internal/provider/gemini"
	"github.com/space-swarm/space/internal/quotarouter"
	"github.com/space-swarm/space/internal/scheduler"
	"github.com/space-swarm/space/internal/server"
	"github.com/space-swarm/space/internal/spawnengine"
	"github.com/space-swarm/space/internal/state"
	"github.com/space-swarm/space/internal/statsjson"
	"github.com/space-swarm/space/internal/store"
)

const (
	capacityThreshold = 15.0
	capacityCacheTTL  = 60 * time.Second
)

func main() {
	baseDir := flag.String("base-dir", ".", "daemon base directory (config.yaml, data/, logs/)")
	configPath := flag.String("config", "", "path to config.yaml (default: <base-dir>/config.yaml)")
	addr := flag.String("addr", "127.0.0.1:7420", "status/live-tail HTTP listen address")
	relayURL := flag.String("relay-url", "", "optional NATS URL for cross-host event relay (disabled if empty)")
	worker := flag.Bool("worker", false, "run as the worker process (invoked internally by the supervisor)")
	flag.Parse()

	abs, err := filepath.Abs(*baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spaced: resolve base dir: %v\n", err)
		os.Exit(1)
	}
	*baseDir = abs
	if *configPath == "" {
		*configPath = filepath.Join(*baseDir, "config.yaml")
	}

	if *worker {
		runWorker(*baseDir, *configPath, *addr, *relayURL)
		return
	}
	runSupervisor(*baseDir, *configPath, *addr, *relayURL)
}

func runSupervisor(baseDir, configPath, addr, relayURL string) {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "spaced: resolve executable: %v\n", err)
		os.Exit(1)
	}

	logsDir := filepath.Join(baseDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "spaced: create logs dir: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	argv := []string{exe, "--worker", "--base-dir", baseDir, "--config", configPath, "--addr", addr}
	if relayURL != "" {
		argv = append(argv, "--relay-url", relayURL)
	}

	err = daemonsup.RunSupervisor(ctx, daemonsup.SupervisorConfig{
		BaseDir:    baseDir,
		WorkerArgv: argv,
		LogPath:    filepath.Join(logsDir, "worker.log"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "spaced: supervisor exited: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(baseDir, configPath, addr, relayURL string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spaced: load config: %v\n", err)
		os.Exit(1)
	}
	dbPath := resolvePath(baseDir, cfg.DBPath, "data/space.db")
	spawnsDir := resolvePath(baseDir, cfg.SpawnsDir, "data/spawns")
	identityDir := resolvePath(baseDir, cfg.IdentityDir, "data/identity")
	statePath := resolvePath(baseDir, "", "data/state.yaml")
	statsPath := resolvePath(baseDir, cfg.StatsJSONPath, "data/stats.json")

	for _, dir := range []string{filepath.Dir(dbPath), spawnsDir, identityDir, filepath.Dir(statePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "spaced: create %s: %v\n", dir, err)
			os.Exit(1)
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spaced: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	l, err := ledger.New(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spaced: open ledger: %v\n", err)
		os.Exit(1)
	}

	registry := provider.NewRegistry(claude.New(), codex.New(), gemini.New())

	quota := quotarouter.New(st, capacityThreshold, capacityCacheTTL)
	quota.RegisterProbe("gemini", gemini.New().ProbeCapacity)

	bus := eventbus.New(eventbus.DefaultCapacity)
	cb := contextbuilder.New(l)
	engine := spawnengine.New(l, registry, quota, bus, cb, spawnsDir, identityDir)
	engine.Notifier = notifications.NewToastNotifierWithURL("space", "http://"+addr)

	loader := config.NewCachedLoader(configPath)
	stateStore := state.New(statePath)
	sched := scheduler.New(l, engine, quota, stateStore, loader)

	statsWriter := &statsjson.Writer{
		Ledger: l,
		Path:   statsPath,
		SwarmEnabled: func() bool {
			c, err := loader.Get()
			return err == nil && c.Swarm.Enabled
		},
	}

	w := &daemonsup.Worker{
		Ledger:      l,
		Engine:      engine,
		Scheduler:   sched,
		Config:      loader,
		Store:       st,
		StatsWriter: statsWriter.Write,
	}

	var relay *busrelay.Relay
	if relayURL != "" {
		relay, err = busrelay.Connect(relayURL, hostTag(), bus)
		if err != nil {
			fmt.Fprintf(os.Stderr, "spaced: busrelay connect: %v\n", err)
			os.Exit(1)
		}
		if err := relay.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "spaced: busrelay start: %v\n", err)
			os.Exit(1)
		}
		defer relay.Close()
	}

	srv := server.New(addr, l, quota, bus)
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Start(ctx) }()

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	select {
	case err := <-workerDone:
		cancel()
		<-srvDone
		if err != nil {
			fmt.Fprintf(os.Stderr, "spaced: worker exited: %v\n", err)
			os.Exit(1)
		}
	case err := <-srvDone:
		cancel()
		<-workerDone
		if err != nil {
			fmt.Fprintf(os.Stderr, "spaced: server exited: %v\n", err)
			os.Exit(1)
		}
	}
}

func resolvePath(baseDir, configured, fallback string) string {
	p := configured
	if p == "" {
		p = fallback
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func hostTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("pid-%d", os.Getpid())
	}
	return host
}
