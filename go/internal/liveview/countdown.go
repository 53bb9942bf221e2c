package liveview

import "github.com/jonboulle/clockwork"

// restartCountdownLocked replaces the running ticker. It starts nothing when the
// deadline already passed; the next push moves the auction out of ACTIVE.
func (s *Store) restartCountdownLocked() {
	s.stopCountdownLocked()
	if s.phase != PhaseReady || Remaining(s.state.EndTimeEpochMillis, s.clock.Now()) <= 0 {
		return
	}

	stop := make(chan struct{})
	s.tickStop = stop
	go s.runCountdown(s.clock.NewTicker(s.cfg.TickInterval), stop)
}

func (s *Store) stopCountdownLocked() {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}

func (s *Store) runCountdown(ticker clockwork.Ticker, stop chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.mu.Lock()
			if s.tickStop != stop {
				s.mu.Unlock()
				return
			}
			view := s.viewLocked()
			done := view.Remaining <= 0
			if done {
				s.tickStop = nil
			}
			s.mu.Unlock()

			s.notify(view)
			if done {
				return
			}
		}
	}
}
