package liveview

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type pendingAttempt struct {
	id           uint64
	bid          PendingBid
	confirmTimer clockwork.Timer
	dismissTimer clockwork.Timer
}

func (p *pendingAttempt) stopTimers() {
	if p.confirmTimer != nil {
		p.confirmTimer.Stop()
	}
	if p.dismissTimer != nil {
		p.dismissTimer.Stop()
	}
}

// SubmitBid sends a bid for the active auction. It never changes CurrentBid; the push
// channel is the only path that mutates auction state. A *RejectedError with Local set
// means no request was made.
func (s *Store) SubmitBid(ctx context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	if err := s.checkBidLocked(amount); err != nil {
		s.mu.Unlock()
		return err
	}

	release := s.clearPendingLocked()
	s.attempts++
	attempt := &pendingAttempt{
		id:  s.attempts,
		bid: PendingBid{Amount: amount, InFlight: true},
	}
	s.pending = attempt
	gen := s.generation
	auctionID := s.auctionID
	view := s.viewLocked()
	s.mu.Unlock()

	release()
	s.notify(view)

	log.Info().
		Str("auction_id", auctionID).
		Str("user_id", s.cfg.UserID).
		Str("amount", amount.String()).
		Uint64("attempt", attempt.id).
		Msg("submitting bid")

	err := s.submitter.SubmitBid(ctx, auctionID, amount)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if s.pending != attempt {
		// a confirming push arrived while the request was in flight
		s.mu.Unlock()
		return err
	}

	attempt.bid.InFlight = false
	if err != nil {
		attempt.bid.LastError = rejectionReason(err)
		attempt.dismissTimer = s.clock.AfterFunc(s.cfg.ErrorDismissDelay, func() {
			s.expireAttemptError(gen, attempt)
		})
	} else {
		attempt.bid.AwaitingPush = true
		attempt.confirmTimer = s.clock.AfterFunc(s.cfg.ConfirmTimeout, func() {
			s.markConfirming(gen, attempt)
		})
	}
	view = s.viewLocked()
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).
			Str("auction_id", auctionID).
			Uint64("attempt", attempt.id).
			Msg("bid not accepted")
	}
	s.notify(view)
	return err
}

// DismissBidError clears a failed attempt's feedback. Attempts still in flight are kept.
func (s *Store) DismissBidError() {
	s.mu.Lock()
	if s.pending == nil || s.pending.bid.InFlight || s.pending.bid.LastError == "" {
		s.mu.Unlock()
		return
	}
	release := s.clearPendingLocked()
	view := s.viewLocked()
	s.mu.Unlock()

	release()
	s.notify(view)
}

// checkBidLocked applies the cheap client-side guards
func (s *Store) checkBidLocked(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &RejectedError{Reason: ReasonNonPositiveAmount, Local: true}
	}
	switch s.phase {
	case PhaseReady:
	case PhaseDisposed:
		return ErrDisposed
	default:
		return ErrNotReady
	}
	if s.state.Status != StatusActive {
		return &RejectedError{Reason: ReasonNotActive, Local: true}
	}
	if s.leadingLocked() {
		return &RejectedError{Reason: ReasonAlreadyLeading, Local: true}
	}
	if s.pending != nil && s.pending.bid.InFlight {
		return ErrBidInFlight
	}
	return nil
}

// reconcilePendingLocked clears the pending indicator once the state confirms the
// user leads, or the auction stopped taking bids
func (s *Store) reconcilePendingLocked() func() {
	if s.pending == nil {
		return func() {}
	}
	p := s.pending.bid
	if !p.InFlight && !p.AwaitingPush && !p.Confirming {
		return func() {}
	}
	if !s.leadingLocked() && s.state.Status == StatusActive {
		return func() {}
	}
	log.Debug().Str("auction_id", s.auctionID).Uint64("attempt", s.pending.id).Msg("bid confirmed by push")
	return s.clearPendingLocked()
}

func (s *Store) clearPendingLocked() func() {
	p := s.pending
	s.pending = nil
	if p == nil {
		return func() {}
	}
	return p.stopTimers
}

func (s *Store) markConfirming(gen uint64, attempt *pendingAttempt) {
	s.mu.Lock()
	if gen != s.generation || s.pending != attempt || !attempt.bid.AwaitingPush {
		s.mu.Unlock()
		return
	}
	attempt.bid.Confirming = true
	view := s.viewLocked()
	s.mu.Unlock()

	log.Info().Str("auction_id", view.AuctionID).Uint64("attempt", attempt.id).Msg("bid accepted, confirmation delayed")
	s.notify(view)
}

func (s *Store) expireAttemptError(gen uint64, attempt *pendingAttempt) {
	s.mu.Lock()
	if gen != s.generation || s.pending != attempt || attempt.bid.LastError == "" {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	view := s.viewLocked()
	s.mu.Unlock()
	s.notify(view)
}

func rejectionReason(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return err.Error()
}
