package liveview

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Update is a partial or full state payload pushed by the server.
// A nil field was absent from the message and must be left untouched.
type Update struct {
	AuctionID                     string
	Status                        *Status
	CurrentBid                    *decimal.Decimal
	LeadingParticipantID          *string // "" when the server sent null
	LeadingParticipantDisplayName *string
	MinimumNextBid                *decimal.Decimal
	ReservePriceSet               *bool
	ReserveMet                    *bool
	EndTimeEpochMillis            *int64
	RecentBids                    []Bid // nil when absent
	Seq                           uint64
}

// ParseUpdate decodes and shape-checks one push frame
func ParseUpdate(data []byte) (*Update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	u := &Update{}
	if err := decodeField(fields, "auctionId", &u.AuctionID); err != nil {
		return nil, err
	}
	if u.AuctionID == "" {
		return nil, fmt.Errorf("%w: missing auctionId", ErrMalformedMessage)
	}

	if raw, ok := fields["status"]; ok {
		var status Status
		if err := json.Unmarshal(raw, &status); err != nil || !status.Valid() {
			return nil, fmt.Errorf("%w: invalid status %s", ErrMalformedMessage, string(raw))
		}
		u.Status = &status
	}

	var err error
	if u.CurrentBid, err = decodeAmount(fields, "currentBid"); err != nil {
		return nil, err
	}
	if u.MinimumNextBid, err = decodeAmount(fields, "minimumNextBid"); err != nil {
		return nil, err
	}
	if u.LeadingParticipantID, err = decodeNullableString(fields, "leadingParticipantId"); err != nil {
		return nil, err
	}
	if u.LeadingParticipantDisplayName, err = decodeNullableString(fields, "leadingParticipantDisplayName"); err != nil {
		return nil, err
	}
	if u.ReservePriceSet, err = decodeOptional[bool](fields, "reservePriceSet"); err != nil {
		return nil, err
	}
	if u.ReserveMet, err = decodeOptional[bool](fields, "reserveMet"); err != nil {
		return nil, err
	}
	if u.EndTimeEpochMillis, err = decodeOptional[int64](fields, "endTimeEpochMillis"); err != nil {
		return nil, err
	}
	if u.EndTimeEpochMillis != nil && *u.EndTimeEpochMillis < 0 {
		return nil, fmt.Errorf("%w: negative endTimeEpochMillis", ErrMalformedMessage)
	}

	if raw, ok := fields["recentBids"]; ok && string(raw) != "null" {
		bids := []Bid{}
		if err := json.Unmarshal(raw, &bids); err != nil {
			return nil, fmt.Errorf("%w: recentBids: %v", ErrMalformedMessage, err)
		}
		for _, b := range bids {
			if b.Amount.IsNegative() {
				return nil, fmt.Errorf("%w: negative bid amount in recentBids", ErrMalformedMessage)
			}
		}
		u.RecentBids = bids
	}

	if err := decodeField(fields, "seq", &u.Seq); err != nil {
		return nil, err
	}

	return u, nil
}


func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
	}
	return nil
}

func decodeOptional[T any](fields map[string]json.RawMessage, key string) (*T, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
	}
	return &v, nil
}

func decodeNullableString(fields map[string]json.RawMessage, key string) (*string, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, nil
	}
	v := ""
	if string(raw) == "null" {
		return &v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, key, err)
	}
	return &v, nil
}

func decodeAmount(fields map[string]json.RawMessage, key string) (*decimal.Decimal, error) {
	amount, err := decodeOptional[decimal.Decimal](fields, key)
	if err != nil {
		return nil, err
	}
	if amount != nil && amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative %s", ErrMalformedMessage, key)
	}
	return amount, nil
}
