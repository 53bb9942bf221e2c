package push

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the JetStream push channel
type NATSConfig struct {
	URL           string
	Token         string
	ClientName    string
	StreamName    string
	SubjectPrefix string
	Backoff       Backoff
}

// DefaultNATSConfig returns default NATS channel configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		ClientName:    "bidview",
		StreamName:    "AUCTION_EVENTS",
		SubjectPrefix: "auction.events",
		Backoff:       DefaultBackoff(),
	}
}

// NATSSubscriber follows an auction's subject through a JetStream ordered consumer.
// Ordered consumers deliver in stream sequence and recreate themselves on a gap, so the
// store can apply frames in arrival order.
type NATSSubscriber struct {
	config NATSConfig
}

// NewNATSSubscriber creates a JetStream subscriber
func NewNATSSubscriber(config NATSConfig) *NATSSubscriber {
	return &NATSSubscriber{config: config}
}

// Subscribe opens a dedicated connection for auctionID. An unreachable server is retried
// under the configured Backoff; the consumer starts once the first connection is up.
func (s *NATSSubscriber) Subscribe(ctx context.Context, auctionID string, h Handler) (Subscription, error) {
	sub := &natsSubscription{
		subscriber: s,
		auctionID:  auctionID,
		subject:    Topic(s.config.SubjectPrefix, auctionID),
		handler:    h,
		ctx:        context.WithoutCancel(ctx),
		ready:      make(chan struct{}),
	}
	h.HandleConnState(StateConnecting, nil)

	nc, err := nats.Connect(s.config.URL, s.connectOptions(sub)...)
	if err != nil {
		close(sub.ready)
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	sub.mu.Lock()
	sub.nc = nc
	sub.mu.Unlock()

	if !nc.IsConnected() {
		log.Warn().
			Str("auction_id", auctionID).
			Str("url", s.config.URL).
			Msg("NATS unavailable, retrying connect")
		h.HandleConnState(StateReconnecting, nats.ErrNoServers)
	}
	close(sub.ready)

	return sub, nil
}

func (s *NATSSubscriber) connectOptions(sub *natsSubscription) []nats.Option {
	backoff := s.config.Backoff
	maxReconnects := backoff.MaxAttempts
	if maxReconnects <= 0 {
		maxReconnects = -1 // Infinite
	}
	h := sub.handler

	opts := []nats.Option{
		nats.Name(s.config.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return backoff.Delay(attempts)
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			go sub.consume(nc)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if sub.closing.Load() {
				return
			}
			log.Warn().Err(err).Str("auction_id", sub.auctionID).Msg("NATS disconnected")
			h.HandleConnState(StateReconnecting, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if sub.closing.Load() {
				return
			}
			log.Info().Str("url", nc.ConnectedUrl()).Str("auction_id", sub.auctionID).Msg("NATS reconnected")
			h.HandleConnState(StateConnected, nil)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if sub.closing.Load() {
				return
			}
			err := nc.LastError()
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			log.Error().Err(err).Str("auction_id", sub.auctionID).Msg("NATS connection closed, giving up")
			h.HandleConnState(StateFailed, err)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Str("auction_id", sub.auctionID).Msg("NATS error")
		}),
	}
	if s.config.Token != "" {
		opts = append(opts, nats.Token(s.config.Token))
	}
	return opts
}

const consumerSetupTimeout = 5 * time.Second

type natsSubscription struct {
	subscriber *NATSSubscriber
	auctionID  string
	subject    string
	handler    Handler
	ctx        context.Context

	// closed once Subscribe has reported the initial connection state
	ready chan struct{}

	mu         sync.Mutex
	nc         *nats.Conn
	consumeCtx jetstream.ConsumeContext
	closing    atomic.Bool
	closeOnce  sync.Once
}

// consume runs once the first connection is established. Ordered consumers survive
// reconnects on their own, so later connections only report StateConnected.
func (s *natsSubscription) consume(nc *nats.Conn) {
	<-s.ready
	if s.closing.Load() {
		return
	}

	consumer, err := s.orderedConsumer(nc)
	if err != nil {
		s.fail(nc, err)
		return
	}

	cfg := s.subscriber.config
	log.Info().
		Str("auction_id", s.auctionID).
		Str("stream", cfg.StreamName).
		Str("subject", s.subject).
		Msg("NATS push channel subscribed")
	s.handler.HandleConnState(StateConnected, nil)

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return
	}
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if s.closing.Load() {
			return
		}
		s.handler.HandleMessage(msg.Data())
	})
	if err == nil {
		s.consumeCtx = consumeCtx
	}
	s.mu.Unlock()

	if err != nil {
		s.fail(nc, fmt.Errorf("start consumer: %w", err))
	}
}

func (s *natsSubscription) orderedConsumer(nc *nats.Conn) (jetstream.Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, consumerSetupTimeout)
	defer cancel()

	consumer, err := js.OrderedConsumer(ctx, s.subscriber.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.subject},
		// the latest frame per subject is a full state, it covers anything missed since the snapshot
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}
	return consumer, nil
}

// fail reports a terminal subscribe error and mutes the connection callbacks
func (s *natsSubscription) fail(nc *nats.Conn, err error) {
	if s.closing.Swap(true) {
		return
	}
	log.Error().Err(err).Str("auction_id", s.auctionID).Msg("NATS push channel failed to subscribe")
	nc.Close()
	s.handler.HandleConnState(StateFailed, err)
}

func (s *natsSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.mu.Lock()
		consumeCtx, nc := s.consumeCtx, s.nc
		s.consumeCtx, s.nc = nil, nil
		s.mu.Unlock()

		if consumeCtx != nil {
			consumeCtx.Stop()
		}
		if nc != nil {
			nc.Close()
		}
		log.Debug().Str("auction_id", s.auctionID).Msg("NATS push channel closed")
	})
	return nil
}
