package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mcdev12/bidview/go/clients/auction_client"
	"github.com/mcdev12/bidview/go/internal/config"
	"github.com/mcdev12/bidview/go/internal/liveview"
	"github.com/mcdev12/bidview/go/internal/liveview/push"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	auctionID := os.Getenv("AUCTION_ID")
	if auctionID == "" {
		log.Fatal().Msg("AUCTION_ID environment variable is required")
	}

	var bidAmount decimal.Decimal
	if raw := os.Getenv("BID_AMOUNT"); raw != "" {
		if bidAmount, err = decimal.NewFromString(raw); err != nil {
			log.Fatal().Err(err).Str("bid_amount", raw).Msg("invalid BID_AMOUNT")
		}
	}

	client := auction_client.NewAuctionClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)

	var subscriber push.Subscriber
	switch cfg.Push.Transport {
	case config.TransportNATS:
		subscriber = push.NewNATSSubscriber(cfg.NATSConfig())
	default:
		subscriber = push.NewWebSocketSubscriber(cfg.WebSocketConfig(), nil)
	}

	watcher := newWatcher()
	store := liveview.NewStore(cfg.StoreConfig(), client, client, subscriber, liveview.WithListener(watcher.render))

	log.Info().
		Str("auction_id", auctionID).
		Str("user_id", cfg.UserID).
		Str("api", cfg.API.BaseURL).
		Str("transport", cfg.Push.Transport).
		Msg("starting auction watcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, err := store.Initialize(ctx, auctionID)
	if err != nil {
		log.Fatal().Err(err).Str("auction_id", auctionID).Msg("failed to load auction")
	}
	log.Info().
		Str("status", string(state.Status)).
		Str("current_bid", state.CurrentBid.String()).
		Str("minimum_next_bid", state.MinimumNextBid.String()).
		Msg("auction loaded")

	if !bidAmount.IsZero() {
		go func() {
			if err := store.SubmitBid(ctx, bidAmount); err != nil {
				log.Warn().Err(err).Str("amount", bidAmount.String()).Msg("bid not accepted")
				return
			}
			log.Info().Str("amount", bidAmount.String()).Msg("bid accepted, waiting for confirmation")
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	cancel()
	store.Dispose()
	log.Info().Msg("auction watcher stopped")
}
