package transport

import (
	"context"
	"sync"
)

// Mailbox is the receive side shared by every transport implementation.
// Delivered messages are kept in arrival order and Take removes the earliest
// one that matches the requested source and tag, so per-sender ordering is
// preserved even when callers receive selectively.
type Mailbox struct {
	mu      sync.Mutex
	pending []Message
	// changed is closed and replaced every time pending grows or the
	// mailbox closes, waking every blocked Take.
	changed chan struct{}
	closed  bool
}

// NewMailbox returns an empty, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{changed: make(chan struct{})}
}

// Deliver appends msg to the mailbox.
func (m *Mailbox) Deliver(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.pending = append(m.pending, msg)
	m.notifyLocked()
	return nil
}

// Take blocks until a message matching from and tag is available, the
// context is done, or the mailbox is closed.
func (m *Mailbox) Take(ctx context.Context, from Rank, tag Tag) (Message, error) {
	for {
		m.mu.Lock()
		for i, msg := range m.pending {
			if msg.Tag != tag || (from != AnySource && msg.Source != from) {
				continue
			}
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Message{}, ErrClosed
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-changed:
		}
	}
}

// Len reports how many undelivered messages are waiting.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close wakes every waiter; Take returns ErrClosed once no matching message
// remains.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.notifyLocked()
}

func (m *Mailbox) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
