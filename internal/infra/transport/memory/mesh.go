// Package memory provides an in-process implementation of the transport.
// It offers a lightweight, non-persistent mesh suitable for tests and for
// single-process runs where every rank lives in the same address space.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
)

// Mesh connects a fixed number of in-process endpoints.
type Mesh struct {
	endpoints []*Endpoint
}

// NewMesh creates a mesh of size endpoints with ranks 0 through size-1.
func NewMesh(size int) *Mesh {
	m := &Mesh{endpoints: make([]*Endpoint, size)}
	for i := range m.endpoints {
		m.endpoints[i] = &Endpoint{
			mesh:    m,
			rank:    transport.Rank(i),
			mailbox: transport.NewMailbox(),
		}
	}
	return m
}

// Endpoint returns the transport for rank r.
func (m *Mesh) Endpoint(r transport.Rank) *Endpoint { return m.endpoints[r] }

// Size returns the number of endpoints.
func (m *Mesh) Size() int { return len(m.endpoints) }

// Close closes every endpoint.
func (m *Mesh) Close() error {
	for _, ep := range m.endpoints {
		_ = ep.Close()
	}
	return nil
}

var _ transport.Transport = (*Endpoint)(nil)

// Endpoint is one rank's view of a Mesh.
type Endpoint struct {
	mesh    *Mesh
	rank    transport.Rank
	mailbox *transport.Mailbox

	// sendMu serializes sends from this endpoint so that its messages reach
	// each peer in program order even when several goroutines send.
	sendMu sync.Mutex

	closeOnce sync.Once
}

// Rank returns the endpoint's rank.
func (e *Endpoint) Rank() transport.Rank { return e.rank }

// Size returns the size of the mesh.
func (e *Endpoint) Size() int { return len(e.mesh.endpoints) }

// Send copies payload into the mailbox of rank to.
func (e *Endpoint) Send(ctx context.Context, to transport.Rank, tag transport.Tag, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := transport.CheckRank(to, e.Size()); err != nil {
		return err
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.mesh.endpoints[to].mailbox.Deliver(transport.Message{Source: e.rank, Tag: tag, Payload: buf})
}

// Recv returns the earliest message matching from and tag.
func (e *Endpoint) Recv(ctx context.Context, from transport.Rank, tag transport.Tag) (transport.Message, error) {
	return e.mailbox.Take(ctx, from, tag)
}

// Close closes the endpoint's mailbox.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(e.mailbox.Close)
	return nil
}
