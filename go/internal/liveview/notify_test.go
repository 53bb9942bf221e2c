package liveview

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/bidview/go/internal/liveview/push"
)

func TestListener_NeverSeesOlderView(t *testing.T) {
	snapshot := activeAuction("a1")
	snapshot.EndTimeEpochMillis = time.Now().Add(time.Hour).UnixMilli()

	var (
		mu       sync.Mutex
		lastBid  = snapshot.CurrentBid
		lastVer  uint64
		received int
		problems []string
	)
	cfg := DefaultConfig("me")
	cfg.TickInterval = 50 * time.Microsecond

	subscriber := &fakeSubscriber{}
	store := NewStore(cfg, &fakeFetcher{snapshots: map[string]AuctionViewState{"a1": snapshot}}, &fakeSubmitter{}, subscriber,
		WithListener(func(v View) {
			mu.Lock()
			defer mu.Unlock()
			received++
			if v.Version <= lastVer {
				problems = append(problems, fmt.Sprintf("view %d delivered after view %d", v.Version, lastVer))
			}
			if v.Phase == PhaseReady && v.State.CurrentBid.LessThan(lastBid) {
				problems = append(problems, fmt.Sprintf("view %d shows bid %s after %s", v.Version, v.State.CurrentBid, lastBid))
			}
			lastVer = v.Version
			if v.Phase == PhaseReady {
				lastBid = v.State.CurrentBid
			}
		}),
	)
	defer store.Dispose()

	if _, err := store.Initialize(context.Background(), "a1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	handler := subscriber.last(t).handler

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 3000; i++ {
			handler.HandleMessage([]byte(fmt.Sprintf(`{"auctionId":"a1","seq":%d,"currentBid":%d}`, i+1, 100000+i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			state := push.StateReconnecting
			if i%2 == 1 {
				state = push.StateConnected
			}
			handler.HandleConnState(state, nil)
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(problems) > 0 {
		t.Fatalf("listener saw %d regressions, first: %s", len(problems), problems[0])
	}
	if !lastBid.Equal(dec(103000)) {
		t.Errorf("last delivered bid = %s, want the final push", lastBid)
	}
	if received == 0 {
		t.Errorf("listener never called")
	}
}

func TestListener_MayCallBackIntoStore(t *testing.T) {
	h := newHarness(t, "me", activeAuction("a1"))

	var once sync.Once
	h.store.onChange = func(v View) {
		// reading and mutating the store from inside the listener must not deadlock
		_ = h.store.View()
		if v.Phase == PhaseReady && h.subscriber.count() > 0 {
			once.Do(func() {
				h.store.DismissBidError()
				h.subscriber.subs[0].handler.HandleMessage([]byte(`{"auctionId":"a1","currentBid":150000}`))
			})
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.store.Initialize(context.Background(), "a1")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener calling back into the store deadlocked")
	}

	waitFor(t, time.Second, func() bool { return h.store.View().State.CurrentBid.Equal(dec(150000)) })
}
