package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/rs/zerolog"
)

// RelayService routes signals between registered connections. It never
// looks inside a payload and never queues for an offline recipient.
type RelayService struct {
	registry port.ConnectionRegistry
	log      zerolog.Logger

	mu     sync.Mutex
	owners map[string]domain.UserID // connection id -> registered user
}

func NewRelayService(registry port.ConnectionRegistry, l zerolog.Logger) *RelayService {
	return &RelayService{
		registry: registry,
		log:      l,
		owners:   make(map[string]domain.UserID),
	}
}

func (s *RelayService) Register(id domain.UserID, conn port.Connection) {
	s.mu.Lock()
	if prev, ok := s.owners[conn.ID()]; ok && prev != id {
		s.registry.Deregister(prev, conn)
	}
	s.owners[conn.ID()] = id
	s.mu.Unlock()

	old := s.registry.Register(id, conn)
	if old != nil && old != conn {
		s.mu.Lock()
		delete(s.owners, old.ID())
		s.mu.Unlock()
		if err := old.Close("superseded by a newer registration"); err != nil {
			s.log.Debug().Err(err).Str("user_id", id.String()).Msg("Closing superseded connection")
		}
		s.log.Info().Str("user_id", id.String()).Str("conn_id", conn.ID()).Msg("Registration superseded")
		return
	}
	s.log.Info().Str("user_id", id.String()).Str("conn_id", conn.ID()).Msg("User registered")
}

// Route handles one inbound frame from conn. Errors are for the caller's
// log only; nothing is ever sent back to the sender.
func (s *RelayService) Route(ctx context.Context, conn port.Connection, raw []byte) error {
	sig, err := domain.DecodeSignal(raw)
	if err != nil {
		return err
	}

	if reg, ok := sig.(domain.Register); ok {
		s.Register(reg.UserID, conn)
		return nil
	}

	s.mu.Lock()
	owner, ok := s.owners[conn.ID()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s from %s", domain.ErrNotRegistered, sig.Type(), conn.ID())
	}
	if current, ok := s.registry.Lookup(owner); !ok || current != conn {
		return fmt.Errorf("%w: %s from superseded connection of %s", domain.ErrNotRegistered, sig.Type(), owner)
	}

	r := sig.Addr()
	if !r.From.IsZero() && r.From != owner {
		return fmt.Errorf("%w: from %q on connection registered as %q", domain.ErrInvalidSignal, r.From, owner)
	}

	target, ok := s.registry.Lookup(r.To)
	if !ok {
		s.log.Debug().Str("user_id", owner.String()).Str("to", r.To.String()).Str("type", string(sig.Type())).Msg("Recipient offline, dropping")
		return fmt.Errorf("%w: %s", domain.ErrRecipientOffline, r.To)
	}
	if err := target.Deliver(raw); err != nil {
		s.log.Warn().Err(err).Str("user_id", owner.String()).Str("to", r.To.String()).Str("type", string(sig.Type())).Msg("Delivery failed, dropping")
		return fmt.Errorf("%w: %v", domain.ErrRecipientOffline, err)
	}
	return nil
}

// Disconnect forgets conn. A stale connection never removes a newer binding.
func (s *RelayService) Disconnect(conn port.Connection) {
	s.mu.Lock()
	id, ok := s.owners[conn.ID()]
	delete(s.owners, conn.ID())
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.registry.Deregister(id, conn) {
		s.log.Info().Str("user_id", id.String()).Msg("User deregistered")
	}
}
