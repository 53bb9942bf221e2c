package sandbox

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Sweeper closes expired auctions on a fixed interval
type Sweeper struct {
	book     *Book
	clock    clockwork.Clock
	interval time.Duration
}

// NewSweeper creates a sweeper. A nil clock uses the real clock.
func NewSweeper(book *Book, clock clockwork.Clock, interval time.Duration) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{book: book, clock: clock, interval: interval}
}

// Run sweeps until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("auction sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("auction sweeper stopped")
			return
		case <-ticker.Chan():
			if n := s.book.Sweep(s.clock.Now()); n > 0 {
				log.Debug().Int("closed", n).Msg("swept expired auctions")
			}
		}
	}
}
