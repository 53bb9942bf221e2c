package auction_client

const (
	// API Endpoints
	SnapshotEndpoint = "/api/auctions/%s/state"
	BidsEndpoint     = "/api/auctions/%s/bids"

	// Headers
	AuthorizationHeader = "Authorization"
	RequestIDHeader     = "X-Request-ID"
)
