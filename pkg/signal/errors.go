package signal

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineClosed all operations are rejected once the media engine is gone
	ErrEngineClosed = errors.New("media engine is gone")
	// ErrAlreadyJoined joinRoom was called twice on one connection
	ErrAlreadyJoined = errors.New("peer already joined a room")
	// ErrNotJoined a request that requires room membership arrived before joinRoom
	ErrNotJoined = errors.New("peer has not joined a room")
	// ErrSendTransportExists a peer owns at most one send transport
	ErrSendTransportExists = errors.New("send transport already exists for this peer")
	// ErrNoSendTransport produce/connect called before creating a send transport
	ErrNoSendTransport = errors.New("no send transport exists for this peer")
	// ErrMirrorConnection producing is only allowed on this instance's own namespace
	ErrMirrorConnection = errors.New("producing is not allowed on a mirror connection")

	ErrPeerNotFound      = errors.New("peer not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrConsumerNotFound  = errors.New("consumer not found")

	// ErrIncompatibleCapabilities the receiver cannot consume the target producer
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
)

// CapacityError rejects a join against a full room. Redirect carries the
// next sibling's URL when this is not the last instance in the chain.
type CapacityError struct {
	Room     string
	Redirect string
}

func (e *CapacityError) Error() string {
	if e.Redirect != "" {
		return fmt.Sprintf("room %q is at capacity, try %s", e.Room, e.Redirect)
	}
	return fmt.Sprintf("room %q is at capacity", e.Room)
}
