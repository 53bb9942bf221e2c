package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the websocket push channel
type WebSocketConfig struct {
	// BaseURL is the ws:// or wss:// origin of the push gateway
	BaseURL          string
	Path             string
	UserID           string
	Token            string
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	Backoff          Backoff
}

// DefaultWebSocketConfig returns default websocket channel configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		BaseURL:          "ws://localhost:8081",
		Path:             "/ws/auction",
		HandshakeTimeout: 10 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   64 * 1024,
		Backoff:          DefaultBackoff(),
	}
}

// WebSocketSubscriber opens one websocket per auction and keeps it alive
type WebSocketSubscriber struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	clock  clockwork.Clock
}

// NewWebSocketSubscriber creates a websocket subscriber. A nil clock uses the real clock.
func NewWebSocketSubscriber(config WebSocketConfig, clock clockwork.Clock) *WebSocketSubscriber {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WebSocketSubscriber{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		clock: clock,
	}
}

// Subscribe starts the connection loop for auctionID. The channel outlives ctx;
// only Close stops it.
func (s *WebSocketSubscriber) Subscribe(ctx context.Context, auctionID string, h Handler) (Subscription, error) {
	channelURL, err := s.channelURL(auctionID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if s.config.Token != "" {
		header.Set("Authorization", "Bearer "+s.config.Token)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &wsSubscription{
		subscriber: s,
		auctionID:  auctionID,
		url:        channelURL,
		header:     header,
		handler:    h,
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go sub.run()

	return sub, nil
}

func (s *WebSocketSubscriber) channelURL(auctionID string) (string, error) {
	u, err := url.Parse(s.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}

	u.Path = s.config.Path
	q := u.Query()
	q.Set("auction_id", auctionID)
	if s.config.UserID != "" {
		q.Set("user_id", s.config.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsSubscription struct {
	subscriber *WebSocketSubscriber
	auctionID  string
	url        string
	header     http.Header
	handler    Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

// Close stops the connection loop. It does not wait for the reader goroutine, so it is
// safe to call from inside a Handler callback; a late callback may still be in progress.
func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(s.subscriber.config.WriteWait)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
			conn.Close()
		}
		log.Debug().Str("auction_id", s.auctionID).Msg("websocket push channel closed")
	})
	return nil
}

func (s *wsSubscription) run() {
	defer close(s.done)

	backoff := s.subscriber.config.Backoff
	attempt := 0
	s.handler.HandleConnState(StateConnecting, nil)

	for {
		conn, resp, err := s.subscriber.dialer.DialContext(s.ctx, s.url, s.header)
		if err == nil {
			if !s.attach(conn) {
				return
			}
			attempt = 0
			log.Info().Str("auction_id", s.auctionID).Msg("websocket push channel connected")
			s.handler.HandleConnState(StateConnected, nil)

			err = s.readLoop(conn)
			s.detach(conn)
		}

		if s.ctx.Err() != nil {
			return
		}

		if rejectedHandshake(err, resp) {
			log.Error().Err(err).Int("status", resp.StatusCode).Str("auction_id", s.auctionID).Msg("push channel rejected")
			s.handler.HandleConnState(StateFailed, fmt.Errorf("push channel rejected with status %d: %w", resp.StatusCode, err))
			return
		}

		attempt++
		if backoff.Exhausted(attempt) {
			log.Error().Err(err).Int("attempts", attempt-1).Str("auction_id", s.auctionID).Msg("push channel reconnect attempts exhausted")
			s.handler.HandleConnState(StateFailed, err)
			return
		}

		delay := backoff.Delay(attempt)
		log.Warn().Err(err).
			Str("auction_id", s.auctionID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("websocket push channel lost, reconnecting")
		s.handler.HandleConnState(StateReconnecting, err)

		select {
		case <-s.ctx.Done():
			return
		case <-s.subscriber.clock.After(delay):
		}
	}
}

func (s *wsSubscription) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *wsSubscription) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *wsSubscription) readLoop(conn *websocket.Conn) error {
	cfg := s.subscriber.config
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("auction_id", s.auctionID).Msg("unexpected websocket close")
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if messageType != websocket.TextMessage {
			continue
		}
		s.handler.HandleMessage(data)
	}
}

// rejectedHandshake reports a 4xx answer to the upgrade, which retrying will not fix
func rejectedHandshake(err error, resp *http.Response) bool {
	return errors.Is(err, websocket.ErrBadHandshake) &&
		resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500
}
