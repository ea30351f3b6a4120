// Package recorder persists the packet streams of live connections into
// packet logs. All file state is owned by a single worker goroutine; the
// capture layer only enqueues events and never blocks on disk I/O.
package recorder

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/netpro/netpro/internal/packetlog"
)

// ConnectionID identifies a captured client/server connection.
type ConnectionID uuid.UUID

// NewConnectionID returns a fresh random ConnectionID.
func NewConnectionID() ConnectionID { return ConnectionID(uuid.New()) }

func (id ConnectionID) String() string { return uuid.UUID(id).String() }

// LogValue renders the id as a string in structured logs.
func (id ConnectionID) LogValue() slog.Value { return slog.StringValue(id.String()) }

// Target is the resolved remote endpoint of a connection.
type Target struct {
	Host string
	Port int
}

// Protocol is what the client and server negotiated.
type Protocol struct {
	Version  int32
	AltModes []string
}

// Connection is the view of a proxied connection the recorder needs.
// Implementations are queried from the worker goroutine and must be safe for
// concurrent use.
type Connection interface {
	ID() ConnectionID
	Service() packetlog.ServiceType
	// Target returns nil until the remote endpoint is known.
	Target() *Target
	Disconnected() bool
	Protocol() Protocol
}

// StaticConnection is a Connection whose target can be resolved later, used
// for replaying existing captures through the recorder.
type StaticConnection struct {
	id       ConnectionID
	service  packetlog.ServiceType
	target   atomic.Pointer[Target]
	protocol atomic.Pointer[Protocol]
	closed   atomic.Bool
}

// NewStaticConnection creates a connection; target may be nil.
func NewStaticConnection(service packetlog.ServiceType, target *Target, protocol Protocol) *StaticConnection {
	c := &StaticConnection{id: NewConnectionID(), service: service}
	c.target.Store(target)
	c.protocol.Store(&protocol)
	return c
}

func (c *StaticConnection) ID() ConnectionID               { return c.id }
func (c *StaticConnection) Service() packetlog.ServiceType { return c.service }
func (c *StaticConnection) Target() *Target                { return c.target.Load() }
func (c *StaticConnection) Disconnected() bool             { return c.closed.Load() }
func (c *StaticConnection) Protocol() Protocol             { return *c.protocol.Load() }

// Resolve sets the remote endpoint.
func (c *StaticConnection) Resolve(t Target) { c.target.Store(&t) }

// Negotiate records the protocol agreed during the handshake.
func (c *StaticConnection) Negotiate(p Protocol) { c.protocol.Store(&p) }

// MarkDisconnected sets the disconnected flag.
func (c *StaticConnection) MarkDisconnected() { c.closed.Store(true) }
