package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidview/go/internal/liveview"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrAuctionNotFound = errors.New("auction not found")
	ErrAuctionExists   = errors.New("auction already exists")
	ErrInvalidAuction  = errors.New("invalid auction")
)

// Rejection reasons returned to bidders
const (
	ReasonNotActive      = "auction not active"
	ReasonEnded          = "auction ended"
	ReasonBelowMinimum   = "bid below minimum"
	ReasonAlreadyLeading = "already leading"
	ReasonMissingBidder  = "bidder required"
)

// BidRejection is a bid the book refused; the reason is sent back to the client verbatim
type BidRejection struct {
	Reason string
}

func (e *BidRejection) Error() string {
	return fmt.Sprintf("bid rejected: %s", e.Reason)
}

// UpdateSink receives every state change the book makes
type UpdateSink interface {
	PublishUpdate(state liveview.AuctionViewState)
}

// BookConfig holds bidding rules for the sandbox
type BookConfig struct {
	Increment      decimal.Decimal
	RecentBidLimit int
}

// DefaultBookConfig returns default bidding rules
func DefaultBookConfig() BookConfig {
	return BookConfig{
		Increment:      decimal.NewFromInt(5000),
		RecentBidLimit: 20,
	}
}

// CreateAuctionRequest describes a new auction
type CreateAuctionRequest struct {
	AuctionID       string           `json:"auctionId,omitempty"`
	StartingBid     decimal.Decimal  `json:"startingBid"`
	ReservePrice    *decimal.Decimal `json:"reservePrice,omitempty"`
	DurationSeconds int              `json:"durationSeconds"`
}

type auction struct {
	state        liveview.AuctionViewState
	reservePrice decimal.Decimal
}

// Book keeps auctions in memory and applies bids
type Book struct {
	mu       sync.Mutex
	auctions map[string]*auction
	config   BookConfig
	clock    clockwork.Clock
	sinks    []UpdateSink
}

// NewBook creates an empty book. A nil clock uses the real clock.
func NewBook(config BookConfig, clock clockwork.Clock) *Book {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.RecentBidLimit <= 0 {
		config.RecentBidLimit = DefaultBookConfig().RecentBidLimit
	}
	return &Book{
		auctions: make(map[string]*auction),
		config:   config,
		clock:    clock,
	}
}

// AddSink registers a receiver for state changes. Not safe to call once bidding started.
func (b *Book) AddSink(sink UpdateSink) {
	b.sinks = append(b.sinks, sink)
}

// Create opens an auction that runs from now for the requested duration
func (b *Book) Create(req CreateAuctionRequest) (liveview.AuctionViewState, error) {
	if req.StartingBid.IsNegative() {
		return liveview.AuctionViewState{}, fmt.Errorf("%w: starting bid must not be negative", ErrInvalidAuction)
	}
	if req.DurationSeconds <= 0 {
		return liveview.AuctionViewState{}, fmt.Errorf("%w: duration must be positive", ErrInvalidAuction)
	}
	if req.AuctionID == "" {
		req.AuctionID = uuid.NewString()
	}

	end := b.clock.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	a := &auction{
		state: liveview.AuctionViewState{
			AuctionID:          req.AuctionID,
			Status:             liveview.StatusActive,
			CurrentBid:         decimal.Zero,
			MinimumNextBid:     req.StartingBid,
			EndTimeEpochMillis: end.UnixMilli(),
			RecentBids:         []liveview.Bid{},
			Seq:                1,
		},
	}
	if req.ReservePrice != nil {
		a.state.ReservePriceSet = true
		a.reservePrice = *req.ReservePrice
	}

	b.mu.Lock()
	if _, exists := b.auctions[req.AuctionID]; exists {
		b.mu.Unlock()
		return liveview.AuctionViewState{}, fmt.Errorf("%w: %s", ErrAuctionExists, req.AuctionID)
	}
	b.auctions[req.AuctionID] = a
	state := a.state.Clone()
	b.mu.Unlock()

	log.Info().
		Str("auction_id", state.AuctionID).
		Time("ends_at", end).
		Bool("reserve_set", state.ReservePriceSet).
		Msg("auction created")

	b.publish(state)
	return state, nil
}

// Get returns the current state of an auction
func (b *Book) Get(auctionID string) (liveview.AuctionViewState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.auctions[auctionID]
	if !ok {
		return liveview.AuctionViewState{}, ErrAuctionNotFound
	}
	return a.state.Clone(), nil
}

// PlaceBid applies a bid. Rejections are returned as *BidRejection.
func (b *Book) PlaceBid(auctionID, bidderID string, amount decimal.Decimal) (liveview.AuctionViewState, error) {
	now := b.clock.Now()

	b.mu.Lock()
	a, ok := b.auctions[auctionID]
	if !ok {
		b.mu.Unlock()
		return liveview.AuctionViewState{}, ErrAuctionNotFound
	}

	if err := b.checkBidLocked(a, bidderID, amount, now); err != nil {
		b.mu.Unlock()
		return liveview.AuctionViewState{}, err
	}

	s := &a.state
	s.CurrentBid = amount
	s.LeadingParticipantID = bidderID
	s.LeadingParticipantDisplayName = bidderID
	s.MinimumNextBid = amount.Add(b.config.Increment)
	s.ReserveMet = s.ReservePriceSet && amount.GreaterThanOrEqual(a.reservePrice)
	s.RecentBids = append(s.RecentBids, liveview.Bid{Bidder: bidderID, Amount: amount, Timestamp: now.UnixMilli()})
	if over := len(s.RecentBids) - b.config.RecentBidLimit; over > 0 {
		s.RecentBids = s.RecentBids[over:]
	}
	s.Seq++
	state := s.Clone()
	b.mu.Unlock()

	log.Info().
		Str("auction_id", auctionID).
		Str("user_id", bidderID).
		Str("amount", amount.String()).
		Uint64("seq", state.Seq).
		Msg("bid accepted")

	b.publish(state)
	return state, nil
}

func (b *Book) checkBidLocked(a *auction, bidderID string, amount decimal.Decimal, now time.Time) error {
	switch {
	case bidderID == "":
		return &BidRejection{Reason: ReasonMissingBidder}
	case a.state.Status != liveview.StatusActive:
		return &BidRejection{Reason: ReasonNotActive}
	case now.UnixMilli() >= a.state.EndTimeEpochMillis:
		return &BidRejection{Reason: ReasonEnded}
	case !amount.IsPositive() || amount.LessThan(a.state.MinimumNextBid):
		return &BidRejection{Reason: ReasonBelowMinimum}
	case a.state.LeadingParticipantID == bidderID:
		return &BidRejection{Reason: ReasonAlreadyLeading}
	}
	return nil
}

// Sweep closes every active auction whose deadline passed and returns how many closed.
// Auctions that got no bid and had no reserve close as CANCELLED.
func (b *Book) Sweep(now time.Time) int {
	var closed []liveview.AuctionViewState

	b.mu.Lock()
	for _, a := range b.auctions {
		s := &a.state
		if s.Status != liveview.StatusActive || now.UnixMilli() < s.EndTimeEpochMillis {
			continue
		}
		switch {
		case s.HasLeader() && (!s.ReservePriceSet || s.ReserveMet):
			s.Status = liveview.StatusSold
		case s.ReservePriceSet:
			s.Status = liveview.StatusReserveNotMet
		default:
			// no bids and no reserve
			s.Status = liveview.StatusCancelled
		}
		s.Seq++
		closed = append(closed, s.Clone())
	}
	b.mu.Unlock()

	for _, state := range closed {
		log.Info().
			Str("auction_id", state.AuctionID).
			Str("status", string(state.Status)).
			Uint64("seq", state.Seq).
			Msg("auction closed")
		b.publish(state)
	}
	return len(closed)
}

func (b *Book) publish(state liveview.AuctionViewState) {
	for _, sink := range b.sinks {
		sink.PublishUpdate(state)
	}
}
