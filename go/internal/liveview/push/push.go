// Package push delivers per-auction server updates to the live view.
//
// A Subscriber opens one channel per auction topic. Frames are handed to the Handler in
// arrival order on a single goroutine; connection transitions are reported through
// HandleConnState so the view can flag itself stale without dropping state.
package push

import (
	"context"
	"fmt"
)

// ConnState is the lifecycle of a push channel
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	// StateFailed is terminal: reconnect attempts are exhausted or the channel was rejected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Handler receives frames and connection transitions for one subscription
type Handler interface {
	HandleMessage(data []byte)
	HandleConnState(state ConnState, err error)
}

// Subscriber opens push channels
type Subscriber interface {
	Subscribe(ctx context.Context, auctionID string, h Handler) (Subscription, error)
}

// Subscription is an open push channel. Close is idempotent; a callback already in
// progress may still complete after it returns.
type Subscription interface {
	Close() error
}

// Topic returns the subject updates for auctionID are published on
func Topic(prefix, auctionID string) string {
	return fmt.Sprintf("%s.%s", prefix, auctionID)
}
