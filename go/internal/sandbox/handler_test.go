package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidview/go/internal/liveview"
)

type testServer struct {
	clock       *clockwork.FakeClock
	book        *Book
	connections *ConnectionManager
	server      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(baseTime)
	book := NewBook(BookConfig{Increment: dec(5)}, clock)
	connections := NewConnectionManager(DefaultConnectionConfig())
	book.AddSink(connections)

	ctx, cancel := context.WithCancel(context.Background())
	go connections.Start(ctx)

	server := httptest.NewServer(NewServer("", NewHandler(book, connections)).Handler)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &testServer{clock: clock, book: book, connections: connections, server: server}
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_CreateAndGetState(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/auctions", "", `{"auctionId":"a1","startingBid":"100","durationSeconds":30}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = s.do(t, http.MethodGet, "/api/auctions/a1/state", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var state liveview.AuctionViewState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.AuctionID != "a1" || state.Status != liveview.StatusActive || !state.MinimumNextBid.Equal(dec(100)) {
		t.Errorf("unexpected state %+v", state)
	}

	if got := s.do(t, http.MethodGet, "/api/auctions/missing/state", "", "").StatusCode; got != http.StatusNotFound {
		t.Errorf("missing auction status = %d", got)
	}
	if got := s.do(t, http.MethodPost, "/api/auctions", "", `{"auctionId":"a1","durationSeconds":30}`).StatusCode; got != http.StatusConflict {
		t.Errorf("duplicate create status = %d", got)
	}
	if got := s.do(t, http.MethodPost, "/api/auctions", "", `{"durationSeconds":0}`).StatusCode; got != http.StatusBadRequest {
		t.Errorf("invalid create status = %d", got)
	}
	if got := s.do(t, http.MethodGet, "/health", "", "").StatusCode; got != http.StatusOK {
		t.Errorf("health status = %d", got)
	}
}

func TestHandler_PlaceBid(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.book.Create(CreateAuctionRequest{AuctionID: "a1", StartingBid: dec(100), DurationSeconds: 30}); err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name       string
		token      string
		body       string
		wantStatus int
		wantReason string
	}{
		{name: "accepted", token: "u1", body: `{"auctionId":"a1","amount":"100"}`, wantStatus: http.StatusAccepted},
		{name: "already leading", token: "u1", body: `{"auctionId":"a1","amount":"200"}`, wantStatus: http.StatusConflict, wantReason: ReasonAlreadyLeading},
		{name: "below minimum", token: "u2", body: `{"auctionId":"a1","amount":"101"}`, wantStatus: http.StatusConflict, wantReason: ReasonBelowMinimum},
		{name: "no bidder", body: `{"auctionId":"a1","amount":"500"}`, wantStatus: http.StatusConflict, wantReason: ReasonMissingBidder},
		{name: "mismatched id", token: "u2", body: `{"auctionId":"b2","amount":"500"}`, wantStatus: http.StatusBadRequest, wantReason: "auction id mismatch"},
		{name: "malformed", token: "u2", body: `{`, wantStatus: http.StatusBadRequest, wantReason: "invalid bid request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/auctions/a1/bids", tt.token, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body BidResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Reason != tt.wantReason || body.Accepted != (tt.wantReason == "") {
				t.Errorf("body = %+v, want reason %q", body, tt.wantReason)
			}
		})
	}

	if got := s.do(t, http.MethodPost, "/api/auctions/missing/bids", "u1", `{"amount":"100"}`).StatusCode; got != http.StatusNotFound {
		t.Errorf("missing auction status = %d", got)
	}
}

func TestHandler_WebSocketSendsCurrentStateThenUpdates(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.book.Create(CreateAuctionRequest{AuctionID: "a1", StartingBid: dec(100), DurationSeconds: 30}); err != nil {
		t.Fatalf("create: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/auction?auction_id=a1&user_id=watcher"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readState := func() liveview.AuctionViewState {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var state liveview.AuctionViewState
		if err := conn.ReadJSON(&state); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return state
	}

	if first := readState(); first.Seq != 1 || first.HasLeader() {
		t.Fatalf("first frame = %+v, want the full current state", first)
	}
	if got := s.connections.ConnectionCount("a1"); got != 1 {
		t.Errorf("ConnectionCount = %d", got)
	}

	if _, err := s.book.PlaceBid("a1", "u1", dec(100)); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	next := readState()
	if next.Seq != 2 || next.LeadingParticipantID != "u1" || !next.CurrentBid.Equal(dec(100)) {
		t.Errorf("update frame = %+v", next)
	}

	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, "a1", "missing", 1), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown auction handshake: err %v resp %v", err, resp)
	}
}
