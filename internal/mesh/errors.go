package mesh

import "errors"

var (
	// ErrSelfConnection rejects a peer record whose remote id equals the
	// local id; a mesh node never dials itself.
	ErrSelfConnection = errors.New("mesh: cannot connect to self")

	// ErrPeerLimit rejects connection attempts beyond the configured
	// mesh size.
	ErrPeerLimit = errors.New("mesh: peer limit reached")

	// ErrPeerClosed rejects operations on a peer that was already torn
	// down. In-flight negotiation results hitting this are discarded.
	ErrPeerClosed = errors.New("mesh: peer closed")

	// ErrCoordinatorClosed rejects operations after Close.
	ErrCoordinatorClosed = errors.New("mesh: coordinator closed")

	// ErrRemoteDescriptionUnset rejects direct candidate application
	// before negotiation reached the point where candidates can apply;
	// the candidate queue is responsible for deferring them.
	ErrRemoteDescriptionUnset = errors.New("mesh: remote description not set")
)
