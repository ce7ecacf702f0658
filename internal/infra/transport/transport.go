// Package transport defines the point-to-point messaging substrate the work
// queue runs on. Endpoints are addressed by rank within a fixed-size group
// and messages carry a small integer tag. Implementations must deliver every
// message exactly once and preserve order between any sender and receiver;
// they provide no request/response correlation of their own.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Rank addresses an endpoint within the group, 0 through Size-1.
type Rank int

// AnySource matches messages from every sender in Recv.
const AnySource Rank = -1

// Tag distinguishes independent message streams between the same endpoints.
type Tag uint8

// Message is a unit of delivery.
type Message struct {
	Source  Rank
	Tag     Tag
	Payload []byte
}

// ErrClosed is returned by operations on a transport that has been closed.
var ErrClosed = errors.New("transport closed")

// ErrUnknownRank is returned when a message is addressed outside the group.
var ErrUnknownRank = errors.New("rank outside of group")

// Transport is one endpoint's view of the group.
type Transport interface {
	// Rank returns this endpoint's rank.
	Rank() Rank

	// Size returns the number of endpoints in the group.
	Size() int

	// Send delivers payload to rank to under tag. Messages from one sender to
	// one receiver arrive in the order they were sent.
	Send(ctx context.Context, to Rank, tag Tag, payload []byte) error

	// Recv blocks until a message with the given tag arrives from rank from
	// (or from anyone, with AnySource) and returns the earliest such message.
	Recv(ctx context.Context, from Rank, tag Tag) (Message, error)

	// Close releases the endpoint. Pending and future Recv calls fail with
	// ErrClosed.
	Close() error
}

// CheckRank validates that r addresses a member of a group of the given size.
func CheckRank(r Rank, size int) error {
	if r < 0 || int(r) >= size {
		return fmt.Errorf("%w: %d (size %d)", ErrUnknownRank, r, size)
	}
	return nil
}
