package liveview

import (
	"time"

	"github.com/shopspring/decimal"
)

// PendingBid is local feedback about the user's current bid attempt.
// It is never merged into AuctionViewState.
type PendingBid struct {
	Amount decimal.Decimal
	// InFlight is set while the request is outstanding
	InFlight bool
	// AwaitingPush is set once the server accepted and the confirming push has not arrived
	AwaitingPush bool
	// Confirming is raised when AwaitingPush outlives the confirm timeout
	Confirming bool
	LastError  string
}

// Indicator reports whether the "pending" badge should be shown
func (p PendingBid) Indicator() bool {
	return p.InFlight || p.AwaitingPush
}

// View is the read model handed to the render layer
type View struct {
	// Version increases with every view the store builds; listeners never see it go back
	Version   uint64
	Phase     Phase
	AuctionID string
	State     AuctionViewState
	// Stale is set while the push channel is down; State still holds the last known values
	Stale      bool
	ChannelErr error
	LoadErr    error
	Pending    *PendingBid
	Remaining  time.Duration
	Leading    bool
}
