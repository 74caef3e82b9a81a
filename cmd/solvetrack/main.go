// Package main provides the solvetrack engine entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/internal/dispatch"
	"github.com/thebtf/solvetrack/internal/engine"
	"github.com/thebtf/solvetrack/internal/feed"
	"github.com/thebtf/solvetrack/internal/journal"
	"github.com/thebtf/solvetrack/internal/poller"
	"github.com/thebtf/solvetrack/internal/session"
	"github.com/thebtf/solvetrack/internal/watcher"
	"github.com/thebtf/solvetrack/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	listenAddr := flag.String("listen", "", "Listen address (overrides settings file)")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load settings, using defaults")
		cfg = config.Default()
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	settings := config.NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down solvetrack")
		cancel()
	}()

	jnl, err := journal.NewStore(journal.StoreConfig{Path: config.JournalPath()})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event journal")
	}
	defer jnl.Close()

	dispatcher := dispatch.NewDispatcher(settings, jnl, Version)
	defer dispatcher.Stop()
	if err := dispatcher.RestoreFromJournal(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore queued events from journal")
	}

	accountant := session.NewAccountant(settings)
	registry := session.NewRegistry(accountant)
	feedClient := feed.NewClient(settings)
	submissionPoller := poller.NewPoller(settings, feedClient, registry, dispatcher)
	eng := engine.NewEngine(settings, registry, dispatcher, submissionPoller, jnl, Version)
	service := worker.NewService(Version, settings, eng, dispatcher)

	if w := startSettingsWatcher(settings, dispatcher); w != nil {
		defer w.Stop()
	}

	log.Info().
		Str("version", Version).
		Str("addr", settings.Get().ListenAddr).
		Msg("Starting solvetrack engine")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return eng.Run(groupCtx) })
	group.Go(func() error { return service.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Engine exited with error")
	}

	// Sessions are already ended; give their terminal events one last
	// delivery attempt before the process goes away.
	dispatcher.ProcessRetryQueue(context.Background())
	log.Info().Msg("Shutdown complete")
}

// startSettingsWatcher hot-reloads the settings file into the store. A
// reload that configures a backend releases any parked events.
func startSettingsWatcher(settings *config.Store, dispatcher *dispatch.Dispatcher) *watcher.Watcher {
	path := config.SettingsPath()
	w, err := watcher.New(path, func() {
		cfg, err := config.Load()
		if err != nil {
			log.Warn().Err(err).Msg("Settings reload failed, keeping current settings")
			return
		}
		settings.Replace(cfg)
		log.Info().Int64("generation", settings.Generation()).Msg("Settings reloaded from file")

		if cfg.BackendURL != "" && dispatcher.QueueDepth() > 0 {
			go dispatcher.ProcessRetryQueue(context.Background())
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
		return nil
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to start settings watcher")
		return nil
	}
	log.Info().Str("path", path).Msg("Settings file watcher started")
	return w
}
