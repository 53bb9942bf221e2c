package liveview

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidview/go/internal/liveview/push"
	"github.com/shopspring/decimal"
)

var (
	baseTime     = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
)

type fakeFetcher struct {
	mu        sync.Mutex
	snapshots map[string]AuctionViewState
	err       error
	calls     int
	// gate, when set, blocks FetchSnapshot until it is closed
	gate chan struct{}
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, auctionID string) (*AuctionViewState, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.snapshots[auctionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.Clone()
	return &c, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubmitter struct {
	mu      sync.Mutex
	err     error
	calls   int
	amounts []decimal.Decimal
	gate    chan struct{}
}

func (f *fakeSubmitter) SubmitBid(ctx context.Context, auctionID string, amount decimal.Decimal) error {
	f.mu.Lock()
	f.calls++
	f.amounts = append(f.amounts, amount)
	gate := f.gate
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubscription struct {
	auctionID string
	handler   push.Handler
	mu        sync.Mutex
	closed    bool
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, auctionID string, h push.Handler) (push.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSubscription{auctionID: auctionID, handler: h}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSubscriber) last(t *testing.T) *fakeSubscription {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		t.Fatalf("expected an open subscription")
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type harness struct {
	store      *Store
	fetcher    *fakeFetcher
	submitter  *fakeSubmitter
	subscriber *fakeSubscriber
	clock      *clockwork.FakeClock
	views      chan View
}

func newHarness(t *testing.T, userID string, snapshots ...AuctionViewState) *harness {
	t.Helper()
	h := &harness{
		fetcher:    &fakeFetcher{snapshots: map[string]AuctionViewState{}},
		submitter:  &fakeSubmitter{},
		subscriber: &fakeSubscriber{},
		clock:      clockwork.NewFakeClockAt(baseTime),
		views:      make(chan View, 512),
	}
	for _, s := range snapshots {
		h.fetcher.snapshots[s.AuctionID] = s
	}
	h.store = NewStore(DefaultConfig(userID), h.fetcher, h.submitter, h.subscriber,
		WithClock(h.clock),
		WithListener(func(v View) {
			select {
			case h.views <- v:
			default:
			}
		}),
	)
	t.Cleanup(h.store.Dispose)
	return h
}

func (h *harness) initialize(t *testing.T, auctionID string) AuctionViewState {
	t.Helper()
	state, err := h.store.Initialize(context.Background(), auctionID)
	if err != nil {
		t.Fatalf("Initialize(%q): unexpected err: %v", auctionID, err)
	}
	return state
}

// push delivers a frame through the subscription the store opened, like a transport would
func (h *harness) push(t *testing.T, frame string) {
	t.Helper()
	h.subscriber.last(t).handler.HandleMessage([]byte(frame))
}

// awaitView receives views until one satisfies match, so tests never hang
func (h *harness) awaitView(t *testing.T, within time.Duration, match func(View) bool) View {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case v := <-h.views:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for view")
			return View{}
		}
	}
}

// waitFor polls cond until it holds
func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", within)
		}
		time.Sleep(time.Millisecond)
	}
}

func activeAuction(id string) AuctionViewState {
	return AuctionViewState{
		AuctionID:          id,
		Status:             StatusActive,
		CurrentBid:         decimal.NewFromInt(100000),
		MinimumNextBid:     decimal.NewFromInt(105000),
		ReservePriceSet:    true,
		EndTimeEpochMillis: baseTime.UnixMilli() + 60000,
	}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
