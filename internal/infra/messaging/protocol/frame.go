// Package protocol implements the binary frames exchanged between queue
// clients and the coordinator.
//
// A frame is a 1-byte kind, optionally followed by an 8-byte big-endian
// length and that many raw bytes:
//
//	PUSH request         kind | len | item
//	PULL request         kind
//	PULL response        kind | len | item     (len == EmptyLength: no more work)
//	CLOSE_WRITE request  kind
//	CLOSE_READ request   kind
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
)

// Transport tags. Requests and responses travel on separate tags so a
// client waiting for its PULL response never consumes another rank's request.
const (
	TagRequest  transport.Tag = 0
	TagResponse transport.Tag = 1
)

// Kind identifies the purpose of a frame.
type Kind uint8

const (
	KindPush       Kind = iota // push an item onto the queue
	KindPull                   // pull an item off the queue
	KindCloseWrite             // sender will not push anymore
	KindCloseRead              // sender will not pull anymore
)

// String returns the lowercase name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindPull:
		return "pull"
	case KindCloseWrite:
		return "close_write"
	case KindCloseRead:
		return "close_read"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// EmptyLength is the reserved length of a PULL response meaning the queue is
// exhausted.
const EmptyLength uint64 = math.MaxUint64

const (
	kindSize   = 1
	lengthSize = 8
)

var (
	// ErrMalformedFrame indicates a frame whose length does not match its
	// declared layout.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownKind indicates a frame whose kind byte is not one of the
	// defined kinds.
	ErrUnknownKind = errors.New("unknown frame kind")
)

// Request is a decoded client-to-coordinator frame.
type Request struct {
	Kind Kind
	Item string // only set for KindPush
}

// EncodePush builds a PUSH request carrying item.
func EncodePush(item string) []byte { return withItem(KindPush, item) }

// EncodePull builds a PULL request.
func EncodePull() []byte { return []byte{byte(KindPull)} }

// EncodeCloseWrite builds a CLOSE_WRITE request.
func EncodeCloseWrite() []byte { return []byte{byte(KindCloseWrite)} }

// EncodeCloseRead builds a CLOSE_READ request.
func EncodeCloseRead() []byte { return []byte{byte(KindCloseRead)} }

// EncodePullResponse builds a PULL response carrying item.
func EncodePullResponse(item string) []byte { return withItem(KindPull, item) }

// EncodeEmptyResponse builds the PULL response that signals an exhausted queue.
func EncodeEmptyResponse() []byte {
	buf := make([]byte, kindSize+lengthSize)
	buf[0] = byte(KindPull)
	binary.BigEndian.PutUint64(buf[kindSize:], EmptyLength)
	return buf
}

func withItem(k Kind, item string) []byte {
	buf := make([]byte, kindSize+lengthSize+len(item))
	buf[0] = byte(k)
	binary.BigEndian.PutUint64(buf[kindSize:], uint64(len(item)))
	copy(buf[kindSize+lengthSize:], item)
	return buf
}

// DecodeRequest parses a frame received by the coordinator.
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < kindSize {
		return Request{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	k := Kind(b[0])
	switch k {
	case KindPush:
		item, empty, err := readItem(b)
		if err != nil {
			return Request{}, err
		}
		if empty {
			return Request{}, fmt.Errorf("%w: push carries the empty sentinel", ErrMalformedFrame)
		}
		return Request{Kind: k, Item: item}, nil
	case KindPull, KindCloseWrite, KindCloseRead:
		if len(b) != kindSize {
			return Request{}, fmt.Errorf("%w: %s request has %d trailing bytes", ErrMalformedFrame, k, len(b)-kindSize)
		}
		return Request{Kind: k}, nil
	default:
		return Request{}, fmt.Errorf("%w: %d", ErrUnknownKind, b[0])
	}
}

// DecodePullResponse parses the coordinator's answer to a PULL request. The
// boolean result reports whether the queue is exhausted.
func DecodePullResponse(b []byte) (string, bool, error) {
	if len(b) < kindSize {
		return "", false, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if Kind(b[0]) != KindPull {
		return "", false, fmt.Errorf("%w: expected pull response, got %s", ErrUnknownKind, Kind(b[0]))
	}
	return readItem(b)
}

func readItem(b []byte) (string, bool, error) {
	if len(b) < kindSize+lengthSize {
		return "", false, fmt.Errorf("%w: missing length field", ErrMalformedFrame)
	}

	n := binary.BigEndian.Uint64(b[kindSize:])
	if n == EmptyLength {
		if len(b) != kindSize+lengthSize {
			return "", false, fmt.Errorf("%w: sentinel with payload", ErrMalformedFrame)
		}
		return "", true, nil
	}

	body := b[kindSize+lengthSize:]
	if uint64(len(body)) != n {
		return "", false, fmt.Errorf("%w: declared %d bytes, got %d", ErrMalformedFrame, n, len(body))
	}
	return string(body), false, nil
}
