// Zelan control-plane server: runs the alert orchestrator, the stream
// channel, the source adapters, and this node's process supervisor, all
// wired over the in-process event bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zelan-stream/zelan/pkg/api"
	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/channel"
	"github.com/zelan-stream/zelan/pkg/config"
	"github.com/zelan-stream/zelan/pkg/eventlog"
	"github.com/zelan-stream/zelan/pkg/fleet"
	"github.com/zelan-stream/zelan/pkg/health"
	"github.com/zelan-stream/zelan/pkg/orchestrator"
	"github.com/zelan-stream/zelan/pkg/sources"
	"github.com/zelan-stream/zelan/pkg/supervisor"
)

// Exit codes: 0 clean shutdown, 1 fatal initialization failure, 2
// unhandled panic.
func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Unhandled panic", "panic", r)
			code = 2
		}
	}()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, using existing environment", "error", err)
	}

	// 1. Configuration
	opts, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: opts.LogLevel})))
	slog.Info("Starting zelan",
		"node", opts.NodeID, "server_port", opts.ServerPort, "tcp_port", opts.TCPPort,
		"peers", len(opts.Peers))

	streamCfg := config.DefaultStreamConfig()
	if opts.StreamConfigFile != "" {
		streamCfg, err = config.LoadStreamConfig(opts.StreamConfigFile)
		if err != nil {
			slog.Error("Failed to load stream config", "path", opts.StreamConfigFile, "error", err)
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Component stopped unexpectedly", "component", name, "error", err)
			}
		}()
	}

	// 2. Event bus and orchestrator
	b := bus.New()
	orch := orchestrator.New(b, streamCfg, opts.TickerInterval)
	start("orchestrator", orch.Run)

	// 3. Process supervisor and health monitor
	sup := supervisor.New(opts.NodeID, b)
	if opts.ConfigFile != "" {
		specs, err := config.LoadProcessConfig(opts.ConfigFile)
		if err != nil {
			slog.Error("Failed to load process config", "path", opts.ConfigFile, "error", err)
			return 1
		}
		sup.LoadSpecs(specs)
		slog.Info("Process config loaded", "path", opts.ConfigFile, "processes", len(specs))
	}
	monitor := health.New(opts.NodeID, b, sup)
	start("health", monitor.Run)

	// 4. Fleet router and peer watcher
	router := fleet.NewRouter(opts.NodeID, sup, opts.Peers)
	if len(opts.Peers) > 0 {
		watcher := fleet.NewWatcher(opts.NodeID, b, opts.Peers)
		start("fleet_watcher", watcher.Run)
	}

	// 5. Stream channel
	mgr := channel.NewManager(b, orch.Snapshot,
		channel.NewDispatcher(router, orch), streamCfg.ForwardTopics)
	start("channel", mgr.Run)

	// 6. Event log (optional)
	var store *eventlog.Store
	if opts.DatabaseURL != "" {
		openCtx, openCancel := context.WithTimeout(ctx, 15*time.Second)
		store, err = eventlog.Open(openCtx, opts.DatabaseURL)
		openCancel()
		if err != nil {
			slog.Error("Failed to open event log database", "error", err)
			return 1
		}
		defer store.Close()
		start("eventlog", eventlog.NewRecorder(store, b).Run)
		slog.Info("Event log recording enabled")
	}

	// 7. Source adapters
	adapters := []sources.Adapter{
		sources.NewIronmonTCP(fmt.Sprintf(":%d", opts.TCPPort), b),
	}
	if opts.MusicURL != "" {
		adapters = append(adapters, sources.NewMusicPoller(opts.MusicURL, opts.MusicInterval, b))
	}
	if opts.TwitchFeedURL != "" {
		adapters = append(adapters, sources.NewTwitchFeed(opts.TwitchFeedURL, b))
	}
	start("sources", sources.NewRunner(b, adapters...).Run)

	// 8. HTTP server
	transcriber := sources.NewTranscriber(b)
	server := api.NewServer(api.Deps{
		Node:        opts.NodeID,
		Orch:        orch,
		Sup:         sup,
		Router:      router,
		Channel:     mgr,
		Transcriber: transcriber,
		Store:       store,
	})
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr <- server.Run(ctx, opts.ServerPort)
	}()

	slog.Info("Zelan started", "node", opts.NodeID)

	// 9. Signal handling: SIGINT/SIGTERM shut down, SIGHUP reloads the
	// process config.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadProcessConfig(sup, opts.ConfigFile)
				continue
			}
			slog.Info("Shutdown signal received", "signal", sig)
		case err := <-serverErr:
			if err != nil && ctx.Err() == nil {
				slog.Error("HTTP server failed", "error", err)
				cancel()
				wg.Wait()
				return 1
			}
			continue
		}
		break
	}

	// 10. Graceful shutdown: stop accepting clients, flush channels, then
	// stop supervised processes in reverse start order.
	cancel()
	sup.StopAll(30 * time.Second)
	wg.Wait()
	slog.Info("Shutdown complete")
	return 0
}

func reloadProcessConfig(sup *supervisor.Supervisor, path string) {
	if path == "" {
		slog.Warn("SIGHUP received but CONFIG_FILE is not set")
		return
	}
	specs, err := config.LoadProcessConfig(path)
	if err != nil {
		slog.Error("Process config reload failed, keeping previous config",
			"path", path, "error", err)
		return
	}
	sup.LoadSpecs(specs)
	slog.Info("Process config reloaded", "path", path, "processes", len(specs))
}
