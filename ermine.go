package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/admin"
	"github.com/ermine-db/ermine/cfg"
	"github.com/ermine-db/ermine/manager"
	"github.com/ermine-db/ermine/publisher"
	_ "github.com/ermine-db/ermine/publisher/sink"
	"github.com/ermine-db/ermine/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Ermine - replicated key-value storage overlay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Start the storage manager: router, storages, alignment, GC
	log.Info().Msg("Starting storage manager")
	mgr, err := manager.Start(cfg.Config, manager.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start storage manager")
		return
	}
	defer mgr.Stop()

	// Optional change feed publication
	if cfg.Config.Publisher.Enabled {
		log.Info().Msg("Starting change publisher")
		registry, err := publisher.NewRegistry(mgr.Hub(), cfg.Config.Publisher.Sinks)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start change publisher")
			return
		}
		registry.Start()
		defer registry.Close()
	}

	// Admin API and metrics endpoint
	if cfg.Config.Admin.Enabled {
		adminServer := admin.NewServer(cfg.Config.Admin, mgr)
		adminServer.Start()
		defer adminServer.Stop()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int("storages", mgr.Len()).
		Msg("Node is operational")

	// Run until interrupted, then drain everything via the deferred stops
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
