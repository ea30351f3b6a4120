package recorder

import (
	"sync"
	"time"

	"github.com/netpro/netpro/internal/packetlog"
)

type messageKind uint8

const (
	msgEstablished messageKind = iota
	msgPacket
	msgDisconnected
)

// message is the tagged union consumed by the worker. Only the fields of its
// kind are set.
type message struct {
	kind messageKind
	id   ConnectionID

	// msgEstablished
	conn Connection
	at   time.Time

	// msgPacket
	rec packetlog.Record
}

// mailbox is an unbounded FIFO with a single consumer. push never blocks.
type mailbox struct {
	mu     sync.Mutex
	queue  []message
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// push appends msg and reports false once the mailbox is closed.
func (m *mailbox) push(msg message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.wake()
	return true
}

// take removes and returns everything queued.
func (m *mailbox) take() (batch []message, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, m.queue = m.queue, nil
	return batch, m.closed
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}
