package signal

import (
	"context"
	"errors"
)

// Sender delivers outbound envelopes to the signaling relay.
//
// Send failures are expected and retryable: roster reconciliation
// re-attempts negotiation on the next roster change, so callers log and
// move on instead of escalating.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

var (
	// ErrPeerUnreachable reports that the envelope could not be delivered
	// because the relay connection is down. The target peer may also be
	// gone entirely; the two are indistinguishable from this side.
	ErrPeerUnreachable = errors.New("signal: peer not reachable via relay")

	// ErrTransportClosed reports a Send after Close.
	ErrTransportClosed = errors.New("signal: transport closed")
)
