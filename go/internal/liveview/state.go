package liveview

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle status of an auction as reported by the server
type Status string

const (
	StatusScheduled     Status = "SCHEDULED"
	StatusActive        Status = "ACTIVE"
	StatusSold          Status = "SOLD"
	StatusReserveNotMet Status = "RESERVE_NOT_MET"
	StatusCancelled     Status = "CANCELLED"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusActive, StatusSold, StatusReserveNotMet, StatusCancelled:
		return true
	}
	return false
}

// Bid is one entry of the recent bid log. Display only, not authoritative history.
type Bid struct {
	Bidder    string          `json:"bidder"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"` // epoch millis
}

// AuctionViewState is the combined snapshot of one auction being viewed
type AuctionViewState struct {
	AuctionID                     string          `json:"auctionId"`
	Status                        Status          `json:"status"`
	CurrentBid                    decimal.Decimal `json:"currentBid"`
	LeadingParticipantID          string          `json:"leadingParticipantId,omitempty"`
	LeadingParticipantDisplayName string          `json:"leadingParticipantDisplayName,omitempty"`
	MinimumNextBid                decimal.Decimal `json:"minimumNextBid"`
	ReservePriceSet               bool            `json:"reservePriceSet"`
	ReserveMet                    bool            `json:"reserveMet"`
	EndTimeEpochMillis            int64           `json:"endTimeEpochMillis"`
	RecentBids                    []Bid           `json:"recentBids"`
	Seq                           uint64          `json:"seq,omitempty"`
}

// EndTime returns the absolute deadline
func (s *AuctionViewState) EndTime() time.Time {
	return time.UnixMilli(s.EndTimeEpochMillis)
}

// HasLeader reports whether anyone has bid yet
func (s *AuctionViewState) HasLeader() bool {
	return s.LeadingParticipantID != ""
}

// Clone returns a deep copy so callers cannot alias the store's bid log
func (s AuctionViewState) Clone() AuctionViewState {
	s.RecentBids = slices.Clone(s.RecentBids)
	return s
}

// Remaining returns the time left until endMillis, never negative
func Remaining(endMillis int64, now time.Time) time.Duration {
	if endMillis == 0 {
		return 0
	}
	remaining := time.UnixMilli(endMillis).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// applyUpdate overwrites every field present in u. It returns true when the deadline moved.
func (s *AuctionViewState) applyUpdate(u *Update, bidLimit int) (deadlineChanged bool) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.CurrentBid != nil {
		s.CurrentBid = *u.CurrentBid
	}
	if u.LeadingParticipantID != nil {
		s.LeadingParticipantID = *u.LeadingParticipantID
	}
	if u.LeadingParticipantDisplayName != nil {
		s.LeadingParticipantDisplayName = *u.LeadingParticipantDisplayName
	}
	if u.MinimumNextBid != nil {
		s.MinimumNextBid = *u.MinimumNextBid
	}
	if u.ReservePriceSet != nil {
		s.ReservePriceSet = *u.ReservePriceSet
	}
	if u.ReserveMet != nil {
		s.ReserveMet = *u.ReserveMet
	}
	if u.EndTimeEpochMillis != nil && *u.EndTimeEpochMillis != s.EndTimeEpochMillis {
		s.EndTimeEpochMillis = *u.EndTimeEpochMillis
		deadlineChanged = true
	}
	if u.RecentBids != nil {
		s.RecentBids = mergeRecentBids(s.RecentBids, u.RecentBids, bidLimit)
	}
	if u.Seq > s.Seq {
		s.Seq = u.Seq
	}
	return deadlineChanged
}

// mergeRecentBids appends batch when every entry is newer than the newest known bid,
// replaces the log when batch overlaps it but brings a newer newest bid, and otherwise
// keeps current. The result holds at most limit entries, newest last.
func mergeRecentBids(current, batch []Bid, limit int) []Bid {
	if len(batch) == 0 {
		return current
	}

	sorted := slices.Clone(batch)
	slices.SortStableFunc(sorted, func(a, b Bid) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})

	var merged []Bid
	switch {
	case len(current) == 0:
		merged = sorted
	case sorted[len(sorted)-1].Timestamp <= newestTimestamp(current):
		return current
	case sorted[0].Timestamp > newestTimestamp(current):
		merged = append(slices.Clone(current), sorted...)
	default:
		merged = sorted
	}

	if limit > 0 && len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

func newestTimestamp(bids []Bid) int64 {
	var newest int64
	for _, b := range bids {
		if b.Timestamp > newest {
			newest = b.Timestamp
		}
	}
	return newest
}
