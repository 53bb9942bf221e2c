package sandbox

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mcdev12/bidview/go/internal/liveview"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// BidRequest is the body of POST /api/auctions/{id}/bids
type BidRequest struct {
	AuctionID string          `json:"auctionId"`
	Amount    decimal.Decimal `json:"amount"`
}

// BidResponse acknowledges or rejects a bid
type BidResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type Handler struct {
	book        *Book
	connections *ConnectionManager
}

func NewHandler(book *Book, connections *ConnectionManager) *Handler {
	return &Handler{book: book, connections: connections}
}

// RegisterRoutes registers the REST and websocket routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/auctions/{id}/state", h.HandleGetState)
	mux.HandleFunc("POST /api/auctions/{id}/bids", h.HandlePlaceBid)
	mux.HandleFunc("POST /api/auctions", h.HandleCreateAuction)
	mux.HandleFunc("GET /ws/auction", h.HandleAuctionConnection)
	mux.HandleFunc("GET /info", h.HandleInfo)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// HandleGetState handles GET /api/auctions/{id}/state
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	auctionID := r.PathValue("id")
	state, err := h.book.Get(auctionID)
	if errors.Is(err, ErrAuctionNotFound) {
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("auction_id", auctionID).Msg("failed to get auction state")
		http.Error(w, "failed to get auction state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandlePlaceBid handles POST /api/auctions/{id}/bids. The bidder is the bearer token,
// or X-User-ID when no token is sent.
func (h *Handler) HandlePlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID := r.PathValue("id")

	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, BidResponse{Reason: "invalid bid request"})
		return
	}
	if req.AuctionID != "" && req.AuctionID != auctionID {
		writeJSON(w, http.StatusBadRequest, BidResponse{Reason: "auction id mismatch"})
		return
	}

	bidder := bidderFromRequest(r)
	_, err := h.book.PlaceBid(auctionID, bidder, req.Amount)

	var rejection *BidRejection
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, BidResponse{Accepted: true})
	case errors.As(err, &rejection):
		log.Debug().Str("auction_id", auctionID).Str("user_id", bidder).Str("reason", rejection.Reason).Msg("bid rejected")
		writeJSON(w, http.StatusConflict, BidResponse{Reason: rejection.Reason})
	case errors.Is(err, ErrAuctionNotFound):
		http.Error(w, "auction not found", http.StatusNotFound)
	default:
		log.Error().Err(err).Str("auction_id", auctionID).Msg("failed to place bid")
		http.Error(w, "failed to place bid", http.StatusInternalServerError)
	}
}

// HandleCreateAuction handles POST /api/auctions
func (h *Handler) HandleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid auction request", http.StatusBadRequest)
		return
	}

	state, err := h.book.Create(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, state)
	case errors.Is(err, ErrInvalidAuction):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAuctionExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error().Err(err).Msg("failed to create auction")
		http.Error(w, "failed to create auction", http.StatusInternalServerError)
	}
}

// HandleAuctionConnection upgrades /ws/auction?auction_id=..&user_id=..
func (h *Handler) HandleAuctionConnection(w http.ResponseWriter, r *http.Request) {
	auctionID := r.URL.Query().Get("auction_id")
	if auctionID == "" {
		http.Error(w, "auction_id is required", http.StatusBadRequest)
		return
	}
	if _, err := h.book.Get(auctionID); err != nil {
		http.Error(w, "auction not found", http.StatusNotFound)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	current := func() (liveview.AuctionViewState, error) { return h.book.Get(auctionID) }
	if err := h.connections.UpgradeConnection(w, r, userID, auctionID, current); err != nil {
		// the upgrader already answered the client
		log.Error().
			Err(err).
			Str("auction_id", auctionID).
			Str("user_id", userID).
			Msg("failed to upgrade websocket connection")
	}
}

// HandleInfo reports connection statistics
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	stats := h.connections.GetConnectionStats()
	stats["service"] = "auction-sandbox"
	writeJSON(w, http.StatusOK, stats)
}

// NewServer wraps the routes in CORS and serves HTTP/2 without TLS
func NewServer(addr string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:        addr,
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}

func bidderFromRequest(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token
	}
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
