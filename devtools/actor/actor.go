// Package actor provides the registry that names, stores and dispatches to
// the protocol actors of a devtools server.
package actor

import (
	"github.com/liuxd6825/devtools/devtools/protocol"
)

// Status reports whether an actor understood a message.
type Status int

const (
	// Processed means the actor handled the message, possibly without
	// writing anything to the stream.
	Processed Status = iota
	// Ignored means the actor doesn't know the message type.
	Ignored
)

func (s Status) String() string {
	if s == Processed {
		return "processed"
	}
	return "ignored"
}

// Actor is an addressable protocol endpoint.
//
// Handle is called synchronously by the registry, never concurrently with
// another Handle of the same registry. Returning a *protocol.Error rejects
// the request and keeps the connection open; any other error is fatal for the
// connection the message came from.
type Actor interface {
	Name() string
	Handle(r *Registry, msg protocol.Packet, stream protocol.Writer) (Status, error)
}

// Closer is implemented by actors that hold resources which must be released
// when the connection that drives them goes away.
type Closer interface {
	Close() error
}
