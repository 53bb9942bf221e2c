package liveview

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by fetchers when the auction does not exist
	ErrNotFound = errors.New("auction not found")
	// ErrFetchFailed wraps every snapshot load failure
	ErrFetchFailed = errors.New("snapshot fetch failed")
	// ErrMalformedMessage marks a push frame that failed to parse or shape-check
	ErrMalformedMessage = errors.New("malformed push message")

	ErrInitInProgress = errors.New("initialization already in progress")
	ErrNotReady       = errors.New("auction view not ready")
	ErrDisposed       = errors.New("auction view disposed")
	ErrSuperseded     = errors.New("result superseded by a newer view")
	ErrBidInFlight    = errors.New("a bid is already being submitted")
	ErrChannelFailed  = errors.New("push channel failed")
)

// Rejection reasons produced by the client-side guards
const (
	ReasonNonPositiveAmount = "bid amount must be positive"
	ReasonNotActive         = "auction not active"
	ReasonAlreadyLeading    = "already leading"
)

// RejectedError is a bid rejection, either from the client-side guards or from the server
type RejectedError struct {
	Reason string
	// Local is true when the request never left the client
	Local bool
}

func (e *RejectedError) Error() string {
	if e.Local {
		return fmt.Sprintf("bid rejected locally: %s", e.Reason)
	}
	return fmt.Sprintf("bid rejected: %s", e.Reason)
}

// IsRejected reports whether err carries a bid rejection
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
