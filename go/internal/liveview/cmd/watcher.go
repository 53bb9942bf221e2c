package main

import (
	"sync"
	"time"

	"github.com/mcdev12/bidview/go/internal/liveview"
	"github.com/rs/zerolog/log"
)

// watcher logs views, skipping countdown ticks that stay within the same ten second bucket
type watcher struct {
	mu   sync.Mutex
	last liveview.View
	seen bool
}

func newWatcher() *watcher {
	return &watcher{}
}

func (w *watcher) render(v liveview.View) {
	w.mu.Lock()
	changed := !w.seen || w.significant(v)
	w.last = v
	w.seen = true
	w.mu.Unlock()

	if !changed {
		return
	}

	event := log.Info()
	if v.Stale {
		event = log.Warn().AnErr("channel_err", v.ChannelErr)
	}
	event = event.
		Str("phase", v.Phase.String()).
		Str("auction_id", v.AuctionID).
		Str("status", string(v.State.Status)).
		Str("current_bid", v.State.CurrentBid.String()).
		Str("leader", v.State.LeadingParticipantDisplayName).
		Bool("leading", v.Leading).
		Dur("remaining", v.Remaining.Truncate(time.Second))
	if v.Pending != nil {
		event = event.
			Str("pending_amount", v.Pending.Amount.String()).
			Bool("pending", v.Pending.Indicator()).
			Bool("confirming", v.Pending.Confirming).
			Str("bid_error", v.Pending.LastError)
	}
	event.Msg("auction view")
}

func (w *watcher) significant(v liveview.View) bool {
	prev := w.last
	return prev.Phase != v.Phase ||
		prev.Stale != v.Stale ||
		prev.Leading != v.Leading ||
		prev.State.Seq != v.State.Seq ||
		prev.State.Status != v.State.Status ||
		!prev.State.CurrentBid.Equal(v.State.CurrentBid) ||
		prev.State.LeadingParticipantID != v.State.LeadingParticipantID ||
		!samePending(prev.Pending, v.Pending) ||
		prev.Remaining.Truncate(10*time.Second) != v.Remaining.Truncate(10*time.Second)
}

func samePending(a, b *liveview.PendingBid) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Amount.Equal(b.Amount) &&
		a.InFlight == b.InFlight &&
		a.AwaitingPush == b.AwaitingPush &&
		a.Confirming == b.Confirming &&
		a.LastError == b.LastError
}
