package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/bidview/go/internal/config"
	"github.com/mcdev12/bidview/go/internal/sandbox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	increment, err := cfg.SandboxIncrement()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid sandbox increment")
	}

	book := sandbox.NewBook(sandbox.BookConfig{
		Increment:      increment,
		RecentBidLimit: cfg.Store.RecentBidLimit,
	}, nil)

	connections := sandbox.NewConnectionManager(sandbox.DefaultConnectionConfig())
	book.AddSink(connections)

	if cfg.Sandbox.NATSEnabled {
		jsConfig := sandbox.DefaultJetStreamConfig()
		jsConfig.URL = cfg.Push.NATSURL
		jsConfig.StreamName = cfg.Push.NATSStream
		jsConfig.SubjectPrefix = cfg.Push.NATSPrefix

		publisher, err := sandbox.NewEventPublisher(jsConfig)
		if err != nil {
			log.Fatal().Err(err).Str("nats_url", jsConfig.URL).Msg("failed to create event publisher")
		}
		defer publisher.Close()
		book.AddSink(publisher)
	}

	server := sandbox.NewServer(fmt.Sprintf(":%s", cfg.Sandbox.Port), sandbox.NewHandler(book, connections))

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go connections.Start(ctx)
	go sandbox.NewSweeper(book, nil, cfg.Sandbox.SweepInterval).Run(ctx)

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Bool("nats", cfg.Sandbox.NATSEnabled).
			Str("increment", increment.String()).
			Msg("auction sandbox starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stops the connection manager and sweeper
	cancel()

	log.Info().Msg("auction sandbox shutdown complete")
}
