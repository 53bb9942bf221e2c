package liveview

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func bids(timestamps ...int64) []Bid {
	out := make([]Bid, 0, len(timestamps))
	for _, ts := range timestamps {
		out = append(out, Bid{Bidder: "u", Amount: dec(ts), Timestamp: ts})
	}
	return out
}

func TestMergeRecentBids(t *testing.T) {
	cases := []struct {
		name    string
		current []Bid
		batch   []Bid
		limit   int
		want    []Bid
	}{
		{name: "empty batch keeps current", current: bids(1, 2), batch: nil, limit: 10, want: bids(1, 2)},
		{name: "into empty log", current: nil, batch: bids(3, 1, 2), limit: 10, want: bids(1, 2, 3)},
		{name: "newer batch appends", current: bids(1, 2), batch: bids(3, 4), limit: 10, want: bids(1, 2, 3, 4)},
		{name: "overlapping newer batch replaces", current: bids(1, 2, 3), batch: bids(2, 3, 4), limit: 10, want: bids(2, 3, 4)},
		{name: "older batch ignored", current: bids(5, 6), batch: bids(1, 2), limit: 10, want: bids(5, 6)},
		{name: "same newest ignored", current: bids(5, 6), batch: bids(6), limit: 10, want: bids(5, 6)},
		{name: "bounded to limit", current: bids(1, 2, 3), batch: bids(4, 5), limit: 3, want: bids(3, 4, 5)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mergeRecentBids(tc.current, tc.batch, tc.limit)
			if diff := cmp.Diff(tc.want, got, decimalEqual); diff != "" {
				t.Fatalf("merge mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseUpdate_TracksPresence(t *testing.T) {
	u, err := ParseUpdate([]byte(`{"auctionId":"a1","currentBid":"150000.50","reserveMet":false,"seq":3}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if u.CurrentBid == nil || u.CurrentBid.String() != "150000.5" {
		t.Fatalf("currentBid not decoded: %v", u.CurrentBid)
	}
	if u.ReserveMet == nil || *u.ReserveMet {
		t.Fatalf("explicit false must be present")
	}
	if u.Status != nil || u.LeadingParticipantID != nil || u.EndTimeEpochMillis != nil || u.RecentBids != nil {
		t.Fatalf("absent fields must stay nil: %+v", u)
	}
	if u.Seq != 3 {
		t.Fatalf("want seq 3, got %d", u.Seq)
	}
}

func TestApplyUpdate_FullPayloadOnEmptyState(t *testing.T) {
	u, err := ParseUpdate([]byte(`{
		"auctionId":"a1","status":"ACTIVE","currentBid":100000,"minimumNextBid":105000,
		"reservePriceSet":true,"reserveMet":false,"endTimeEpochMillis":1700000000000,
		"recentBids":[{"bidder":"u1","amount":100000,"timestamp":1699999990000}]}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	want := AuctionViewState{
		AuctionID:          "a1",
		Status:             StatusActive,
		CurrentBid:         dec(100000),
		MinimumNextBid:     dec(105000),
		ReservePriceSet:    true,
		EndTimeEpochMillis: 1700000000000,
		RecentBids:         []Bid{{Bidder: "u1", Amount: dec(100000), Timestamp: 1699999990000}},
	}
	got := AuctionViewState{AuctionID: u.AuctionID}
	got.applyUpdate(u, 20)
	if diff := cmp.Diff(want, got, decimalEqual); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}
