package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidview/go/internal/liveview"
	"github.com/mcdev12/bidview/go/internal/liveview/push"
	"github.com/nats-io/nats-server/v2/server"
)

func runJetStream(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestPublisher(t *testing.T, url string) *EventPublisher {
	t.Helper()
	cfg := DefaultJetStreamConfig()
	cfg.URL = url
	p, err := NewEventPublisher(cfg)
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

type frameHandler struct {
	frames chan liveview.AuctionViewState
	states chan push.ConnState
}

func newFrameHandler() *frameHandler {
	return &frameHandler{
		frames: make(chan liveview.AuctionViewState, 16),
		states: make(chan push.ConnState, 16),
	}
}

func (h *frameHandler) HandleMessage(data []byte) {
	var state liveview.AuctionViewState
	if err := json.Unmarshal(data, &state); err != nil {
		return
	}
	h.frames <- state
}

func (h *frameHandler) HandleConnState(state push.ConnState, err error) {
	h.states <- state
}

func (h *frameHandler) nextFrame(t *testing.T) liveview.AuctionViewState {
	t.Helper()
	select {
	case s := <-h.frames:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame")
		return liveview.AuctionViewState{}
	}
}

func (h *frameHandler) awaitState(t *testing.T, want push.ConnState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEventPublisher_SubscriberFollowsBook(t *testing.T) {
	srv := runJetStream(t)
	publisher := newTestPublisher(t, srv.ClientURL())

	clock := clockwork.NewFakeClockAt(baseTime)
	book := NewBook(BookConfig{Increment: dec(5), RecentBidLimit: 3}, clock)
	book.AddSink(publisher)

	createAuction(t, book, "a1", nil)
	createAuction(t, book, "a2", nil)
	clock.Advance(time.Second)
	if _, err := book.PlaceBid("a1", "u2", dec(100)); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	natsCfg := push.DefaultNATSConfig()
	natsCfg.URL = srv.ClientURL()
	h := newFrameHandler()
	sub, err := push.NewNATSSubscriber(natsCfg).Subscribe(context.Background(), "a1", h)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	h.awaitState(t, push.StateConnected)

	// the stream keeps only the newest state per auction
	if s := h.nextFrame(t); s.AuctionID != "a1" || s.Seq != 2 || s.LeadingParticipantID != "u2" {
		t.Fatalf("first frame = %+v, want a1 at seq 2 led by u2", s)
	}

	bids := []struct {
		bidder string
		amount int64
	}{
		{"u3", 105},
		{"u2", 110},
	}
	for _, b := range bids {
		clock.Advance(time.Second)
		if _, err := book.PlaceBid("a1", b.bidder, dec(b.amount)); err != nil {
			t.Fatalf("PlaceBid(%s, %d): %v", b.bidder, b.amount, err)
		}
	}
	if _, err := book.PlaceBid("a2", "u9", dec(100)); err != nil {
		t.Fatalf("PlaceBid a2: %v", err)
	}

	for i, b := range bids {
		s := h.nextFrame(t)
		if s.Seq != uint64(3+i) || s.LeadingParticipantID != b.bidder || !s.CurrentBid.Equal(dec(b.amount)) {
			t.Fatalf("frame %d = seq %d leader %q bid %s, want seq %d leader %q bid %d",
				i, s.Seq, s.LeadingParticipantID, s.CurrentBid, 3+i, b.bidder, b.amount)
		}
	}
	select {
	case s := <-h.frames:
		t.Fatalf("frame for another auction delivered: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventPublisher_RepublishedSeqIsDeduplicated(t *testing.T) {
	srv := runJetStream(t)
	publisher := newTestPublisher(t, srv.ClientURL())

	state := liveview.AuctionViewState{AuctionID: "a1", Status: liveview.StatusActive, CurrentBid: dec(100), Seq: 7}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := publisher.Publish(ctx, state); err != nil {
			t.Fatalf("Publish #%d: %v", i+1, err)
		}
	}

	stream, err := publisher.js.Stream(ctx, publisher.config.StreamName)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.State.LastSeq != 1 {
		t.Fatalf("want one stored message, stream last seq = %d", info.State.LastSeq)
	}
}

func TestEventPublisher_ReusesExistingStream(t *testing.T) {
	srv := runJetStream(t)
	newTestPublisher(t, srv.ClientURL())
	second := newTestPublisher(t, srv.ClientURL())

	second.PublishUpdate(liveview.AuctionViewState{AuctionID: "a1", Status: liveview.StatusActive, Seq: 1})

	stream, err := second.js.Stream(context.Background(), second.config.StreamName)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if cfg := stream.CachedInfo().Config; cfg.MaxMsgsPerSubject != 1 {
		t.Fatalf("stream config = %+v, want one message per subject", cfg)
	}
}
