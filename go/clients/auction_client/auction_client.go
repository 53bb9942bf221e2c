package auction_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/bidview/go/clients"
	"github.com/mcdev12/bidview/go/internal/liveview"
	"github.com/shopspring/decimal"
)

// AuctionClient talks to the auction REST API. It implements liveview.SnapshotFetcher
// and liveview.BidSubmitter.
type AuctionClient struct {
	*clients.BaseClient
}

func NewAuctionClient(baseURL, token string, timeout time.Duration) *AuctionClient {
	client := &AuctionClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}

	if token != "" {
		client.SetHeader(AuthorizationHeader, "Bearer "+token)
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return client
}

// FetchSnapshot loads the full state of one auction
func (c *AuctionClient) FetchSnapshot(ctx context.Context, auctionID string) (*liveview.AuctionViewState, error) {
	body, err := c.Get(ctx, fmt.Sprintf(SnapshotEndpoint, url.PathEscape(auctionID)))
	if err != nil {
		var apiErr *clients.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("auction %s: %w", auctionID, liveview.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get auction state: %w", err)
	}

	var state liveview.AuctionViewState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	if !state.Status.Valid() {
		return nil, fmt.Errorf("auction %s: unknown status %q", auctionID, state.Status)
	}

	return &state, nil
}

// BidRequest is the body of a bid submission
type BidRequest struct {
	AuctionID string          `json:"auctionId"`
	Amount    decimal.Decimal `json:"amount"`
}

// BidResponse is the acknowledgment or structured rejection of a bid
type BidResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SubmitBid sends a bid. Acceptance carries no state; rejections come back as
// *liveview.RejectedError with the server's reason.
func (c *AuctionClient) SubmitBid(ctx context.Context, auctionID string, amount decimal.Decimal) error {
	payload, err := json.Marshal(BidRequest{AuctionID: auctionID, Amount: amount})
	if err != nil {
		return fmt.Errorf("failed to marshal bid: %w", err)
	}

	endpoint := fmt.Sprintf(BidsEndpoint, url.PathEscape(auctionID))
	body, err := c.PostWithRequestID(ctx, endpoint, payload)
	if err != nil {
		var apiErr *clients.APIError
		if errors.As(err, &apiErr) && isRejectionStatus(apiErr.StatusCode) {
			if reason := decodeReason(apiErr.Body); reason != "" {
				return &liveview.RejectedError{Reason: reason}
			}
		}
		return fmt.Errorf("failed to submit bid: %w", err)
	}

	var resp BidResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
		}
		if !resp.Accepted && resp.Reason != "" {
			return &liveview.RejectedError{Reason: resp.Reason}
		}
	}

	return nil
}

// PostWithRequestID posts payload tagged with a fresh request id so retries by an
// intermediary can be deduplicated server side
func (c *AuctionClient) PostWithRequestID(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload),
		map[string]string{RequestIDHeader: uuid.NewString()})
}

func isRejectionStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func decodeReason(body []byte) string {
	var resp BidResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.Reason
}
