package liveview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bidview/go/internal/liveview/push"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Phase is the lifecycle of one mounted auction view
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
	PhaseLoadError
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseLoadError:
		return "load_error"
	case PhaseDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// SnapshotFetcher loads the full state of one auction
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, auctionID string) (*AuctionViewState, error)
}

// BidSubmitter sends a bid request. A nil error is an acceptance acknowledgment only;
// the new state arrives through the push channel.
type BidSubmitter interface {
	SubmitBid(ctx context.Context, auctionID string, amount decimal.Decimal) error
}

// Config holds the store tunables
type Config struct {
	// UserID is the authenticated participant viewing the auction
	UserID            string
	TickInterval      time.Duration
	ConfirmTimeout    time.Duration
	ErrorDismissDelay time.Duration
	RecentBidLimit    int
}

// DefaultConfig returns default store configuration for userID
func DefaultConfig(userID string) Config {
	return Config{
		UserID:            userID,
		TickInterval:      time.Second,
		ConfirmTimeout:    3 * time.Second,
		ErrorDismissDelay: 5 * time.Second,
		RecentBidLimit:    20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.UserID)
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.ErrorDismissDelay <= 0 {
		c.ErrorDismissDelay = d.ErrorDismissDelay
	}
	if c.RecentBidLimit <= 0 {
		c.RecentBidLimit = d.RecentBidLimit
	}
	return c
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock, tests pass a clockwork.FakeClock
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithListener registers the render callback. It is invoked outside the store lock,
// after every observable change and on every countdown tick.
func WithListener(fn func(View)) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store is the single source of truth for one auction's displayed state.
// It is owned by exactly one view; a new view gets a new Store.
type Store struct {
	cfg        Config
	fetcher    SnapshotFetcher
	submitter  BidSubmitter
	subscriber push.Subscriber
	clock      clockwork.Clock
	onChange   func(View)

	mu         sync.Mutex
	phase      Phase
	generation uint64
	auctionID  string
	state      AuctionViewState
	loadErr    error
	stale      bool
	channelErr error
	sub        push.Subscription
	tickStop   chan struct{}
	pending    *pendingAttempt
	attempts   uint64
	version    uint64
	wasUp      bool
	resyncSeq  bool

	// delivery to onChange, see notify
	notifyMu   sync.Mutex
	delivering bool
	queued     *View
	delivered  uint64
}

// NewStore creates a store in the Uninitialized phase
func NewStore(cfg Config, fetcher SnapshotFetcher, submitter BidSubmitter, subscriber push.Subscriber, opts ...Option) *Store {
	s := &Store{
		cfg:        cfg.withDefaults(),
		fetcher:    fetcher,
		submitter:  submitter,
		subscriber: subscriber,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize fetches the snapshot for auctionID and then opens its push channel.
// Calling it again for the active auction is a no-op; calling it for another auction
// tears the previous one down first.
func (s *Store) Initialize(ctx context.Context, auctionID string) (AuctionViewState, error) {
	s.mu.Lock()
	switch {
	case s.phase == PhaseDisposed:
		s.mu.Unlock()
		return AuctionViewState{}, ErrDisposed
	case s.auctionID == auctionID && s.phase == PhaseReady:
		state := s.state.Clone()
		s.mu.Unlock()
		return state, nil
	case s.auctionID == auctionID && s.phase == PhaseLoading:
		s.mu.Unlock()
		return AuctionViewState{}, ErrInitInProgress
	}

	release := s.teardownLocked()
	s.generation++
	gen := s.generation
	s.auctionID = auctionID
	s.phase = PhaseLoading
	s.state = AuctionViewState{AuctionID: auctionID}
	s.loadErr = nil
	s.stale = false
	s.wasUp = false
	s.resyncSeq = false
	s.channelErr = nil
	view := s.viewLocked()
	s.mu.Unlock()
	release()
	s.notify(view)

	snapshot, err := s.fetcher.FetchSnapshot(ctx, auctionID)
	if err == nil && snapshot == nil {
		err = ErrNotFound
	}
	if err == nil && snapshot.AuctionID != "" && snapshot.AuctionID != auctionID {
		err = fmt.Errorf("snapshot names auction %q", snapshot.AuctionID)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return AuctionViewState{}, ErrSuperseded
	}
	if err != nil {
		s.phase = PhaseLoadError
		s.loadErr = fmt.Errorf("%w: %w", ErrFetchFailed, err)
		loadErr := s.loadErr
		view := s.viewLocked()
		s.mu.Unlock()

		log.Error().Err(err).Str("auction_id", auctionID).Msg("failed to load auction snapshot")
		s.notify(view)
		return AuctionViewState{}, loadErr
	}

	state := snapshot.Clone()
	state.AuctionID = auctionID
	state.RecentBids = mergeRecentBids(nil, state.RecentBids, s.cfg.RecentBidLimit)
	s.state = state
	s.phase = PhaseReady
	s.restartCountdownLocked()
	result := s.state.Clone()
	view = s.viewLocked()
	s.mu.Unlock()

	log.Info().
		Str("auction_id", auctionID).
		Str("status", string(result.Status)).
		Str("current_bid", result.CurrentBid.String()).
		Msg("auction snapshot loaded")
	s.notify(view)

	sub, err := s.subscriber.Subscribe(ctx, auctionID, &channelHandler{store: s, generation: gen})

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return AuctionViewState{}, ErrSuperseded
	}
	if err != nil {
		s.stale = true
		s.channelErr = err
		log.Warn().Err(err).Str("auction_id", auctionID).Msg("failed to open push channel, showing last known state")
	} else {
		s.sub = sub
	}
	view = s.viewLocked()
	s.mu.Unlock()
	s.notify(view)

	return result, nil
}

// ApplyServerUpdate parses one push frame and merges it into the state.
// It reports whether the frame was applied; frames for another auction are discarded.
func (s *Store) ApplyServerUpdate(data []byte) (bool, error) {
	u, err := ParseUpdate(data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed push message")
		return false, err
	}
	return s.ApplyUpdate(u), nil
}

// ApplyUpdate merges an already parsed update
func (s *Store) ApplyUpdate(u *Update) bool {
	s.mu.Lock()
	return s.applyLocked(u)
}

// applyLocked is entered with s.mu held and releases it
func (s *Store) applyLocked(u *Update) bool {
	if s.phase != PhaseReady {
		s.mu.Unlock()
		return false
	}
	if u.AuctionID != s.auctionID {
		active := s.auctionID
		s.mu.Unlock()
		log.Debug().
			Str("auction_id", active).
			Str("message_auction_id", u.AuctionID).
			Msg("discarding push message for another auction")
		return false
	}
	if u.Seq != 0 && u.Seq <= s.state.Seq && !s.resyncSeq {
		last := s.state.Seq
		s.mu.Unlock()
		log.Debug().
			Str("auction_id", u.AuctionID).
			Uint64("seq", u.Seq).
			Uint64("last_seq", last).
			Msg("discarding out of order push message")
		return false
	}

	if s.state.applyUpdate(u, s.cfg.RecentBidLimit) {
		s.restartCountdownLocked()
	}
	if s.resyncSeq && u.Seq != 0 {
		s.state.Seq = u.Seq
		s.resyncSeq = false
	}
	release := s.reconcilePendingLocked()
	view := s.viewLocked()
	s.mu.Unlock()

	release()
	s.notify(view)
	return true
}

// DeriveDisplayCountdown returns the time left before the deadline, never negative
func (s *Store) DeriveDisplayCountdown() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReady {
		return 0
	}
	return Remaining(s.state.EndTimeEpochMillis, s.clock.Now())
}

// View returns the current read model
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Phase returns the current lifecycle phase
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Dispose tears the view down. Results that resolve afterwards are ignored.
func (s *Store) Dispose() {
	s.mu.Lock()
	if s.phase == PhaseDisposed {
		s.mu.Unlock()
		return
	}
	release := s.teardownLocked()
	s.generation++
	s.phase = PhaseDisposed
	auctionID := s.auctionID
	s.mu.Unlock()

	release()
	log.Debug().Str("auction_id", auctionID).Msg("auction view disposed")
}

// teardownLocked detaches the subscription, countdown and pending attempt. The returned
// func must run without s.mu held.
func (s *Store) teardownLocked() func() {
	sub := s.sub
	s.sub = nil
	s.stopCountdownLocked()
	stopPending := s.clearPendingLocked()

	return func() {
		stopPending()
		if sub == nil {
			return
		}
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close push channel")
		}
	}
}

func (s *Store) setConnState(gen uint64, state push.ConnState, err error) {
	s.mu.Lock()
	if gen != s.generation || s.phase != PhaseReady {
		s.mu.Unlock()
		return
	}

	switch state {
	case push.StateConnected:
		// after a reconnect the server may have restarted its sequence; the first
		// sequenced frame sets the new baseline
		if s.stale && s.wasUp {
			s.resyncSeq = true
		}
		s.wasUp = true
		s.stale = false
		s.channelErr = nil
	case push.StateReconnecting:
		s.stale = true
	case push.StateFailed:
		s.stale = true
		if err == nil {
			err = ErrChannelFailed
		}
		s.channelErr = err
	default:
		s.mu.Unlock()
		return
	}
	auctionID := s.auctionID
	view := s.viewLocked()
	s.mu.Unlock()

	event := log.Info()
	if state == push.StateFailed {
		event = log.Error().Err(err)
	}
	event.Str("auction_id", auctionID).Str("state", state.String()).Msg("push channel state changed")
	s.notify(view)
}

func (s *Store) leadingLocked() bool {
	return s.cfg.UserID != "" && s.state.LeadingParticipantID == s.cfg.UserID
}

func (s *Store) viewLocked() View {
	s.version++
	v := View{
		Version:    s.version,
		Phase:      s.phase,
		AuctionID:  s.auctionID,
		Stale:      s.stale,
		ChannelErr: s.channelErr,
		LoadErr:    s.loadErr,
	}
	if s.phase == PhaseReady {
		v.State = s.state.Clone()
		v.Remaining = Remaining(s.state.EndTimeEpochMillis, s.clock.Now())
		v.Leading = s.leadingLocked()
	}
	if s.pending != nil {
		p := s.pending.bid
		v.Pending = &p
	}
	return v
}

// notify hands v to the listener. Views are built under s.mu but delivered after it is
// released, so callers on different goroutines can race; a view older than one already
// delivered is dropped. One caller drains at a time and later views queued meanwhile
// collapse into the newest, which also keeps a listener that calls back into the store
// from deadlocking.
func (s *Store) notify(v View) {
	if s.onChange == nil {
		return
	}

	s.notifyMu.Lock()
	if v.Version <= s.delivered || (s.queued != nil && v.Version <= s.queued.Version) {
		s.notifyMu.Unlock()
		return
	}
	s.queued = &v
	if s.delivering {
		s.notifyMu.Unlock()
		return
	}
	s.delivering = true

	for s.queued != nil {
		next := *s.queued
		s.queued = nil
		s.delivered = next.Version
		s.notifyMu.Unlock()

		s.onChange(next)

		s.notifyMu.Lock()
	}
	s.delivering = false
	s.notifyMu.Unlock()
}

// channelHandler binds push callbacks to the generation they were opened for
type channelHandler struct {
	store      *Store
	generation uint64
}

func (h *channelHandler) HandleMessage(data []byte) {
	u, err := ParseUpdate(data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed push message")
		return
	}

	h.store.mu.Lock()
	if h.generation != h.store.generation {
		h.store.mu.Unlock()
		return
	}
	h.store.applyLocked(u)
}

func (h *channelHandler) HandleConnState(state push.ConnState, err error) {
	h.store.setConnState(h.generation, state, err)
}
