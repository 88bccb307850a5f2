package port

import (
	"context"

	"github.com/Wyydra/duocall/internal/core/domain"
)

// Connection is one live relay socket as seen by the core.
type Connection interface {
	ID() string
	// Deliver queues raw for writing. It must not block on a slow peer.
	Deliver(raw []byte) error
	Close(reason string) error
}

type ConnectionRegistry interface {
	// Register binds id to conn and returns the connection it replaced, if any.
	Register(id domain.UserID, conn Connection) Connection
	Lookup(id domain.UserID) (Connection, bool)
	// Deregister removes id only while it is still bound to conn.
	Deregister(id domain.UserID, conn Connection) bool
}

// Signaler is a participant's handle on the relay.
type Signaler interface {
	Send(ctx context.Context, s domain.Signal) error
	Subscribe() (<-chan domain.Signal, func())
}
