package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/rs/zerolog"
)

type CallConfig struct {
	Self        domain.UserID
	DisplayName string
	// RingTimeout bounds both ringing phases. Zero disables it.
	RingTimeout time.Duration
	Now         func() time.Time
}

type CallDeps struct {
	Signaler port.Signaler
	Records  port.CallRecordStore
	Feed     port.RecordFeed    // optional
	Users    port.UserDirectory // optional
	Devices  port.MediaDevices
	Peers    port.PeerConnectionFactory
	Sinks    *SinkSet
}

type triggerSource int

const (
	fromRelay triggerSource = iota
	fromRecord
)

type ringKey struct {
	caller domain.UserID
	kind   domain.CallKind
}

// ringMark remembers which channels announced a ringing session. gen is the
// session it belongs to.
type ringMark struct {
	at      time.Time
	gen     uint64
	sources map[triggerSource]bool
}

type session struct {
	gen            uint64
	phase          domain.Phase
	peer           domain.UserID
	peerName       string
	kind           domain.CallKind
	role           domain.Role
	conversationID string
	recordID       *domain.CallID
	activeAt       time.Time
	stream         *port.MediaStream
	engine         *Negotiation
	buffered       []domain.Signal
	timer          *time.Timer
}

// CallService is one participant's call state machine. Every handler runs
// under one lock, so handlers never interleave.
type CallService struct {
	cfg    CallConfig
	deps   CallDeps
	log    zerolog.Logger
	events *notifier

	mu    sync.Mutex
	gen   uint64
	cur   *session
	rings map[ringKey]*ringMark
}

func NewCallService(cfg CallConfig, deps CallDeps, l zerolog.Logger) *CallService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Sinks == nil {
		deps.Sinks = NewSinkSet()
	}
	l = l.With().Str("user_id", cfg.Self.String()).Logger()
	return &CallService{
		cfg:    cfg,
		deps:   deps,
		log:    l,
		events: newNotifier(l),
		rings:  make(map[ringKey]*ringMark),
	}
}

func (s *CallService) Subscribe(buf int) (<-chan domain.CallEvent, func()) {
	return s.events.subscribe(buf)
}

// Run feeds relay signals and record events into the state machine until
// ctx is done or the signaler closes.
func (s *CallService) Run(ctx context.Context) error {
	sigs, cancelSigs := s.deps.Signaler.Subscribe()
	defer cancelSigs()

	var recs <-chan domain.RecordEvent
	if s.deps.Feed != nil {
		ch, cancelRecs := s.deps.Feed.SubscribeRecords(s.cfg.Self)
		defer cancelRecs()
		recs = ch
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-sigs:
			if !ok {
				return nil
			}
			s.HandleSignal(ctx, sig)
		case ev, ok := <-recs:
			if !ok {
				recs = nil
				continue
			}
			s.HandleRecordEvent(ctx, ev)
		}
	}
}

func (s *CallService) StartCall(ctx context.Context, peer domain.UserID, kind domain.CallKind) error {
	if peer.IsZero() || peer == s.cfg.Self {
		return fmt.Errorf("start call: invalid peer %q", peer)
	}
	if !kind.Valid() {
		return fmt.Errorf("start call: unknown call kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return domain.ErrBusy
	}

	stream, err := s.acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	rec, err := s.deps.Records.Insert(ctx, s.cfg.Self, peer, kind)
	if err != nil {
		s.log.Error().Err(err).Str("to", peer.String()).Msg("Failed to insert call record")
	}

	cur := s.open(domain.PhaseOutgoingRinging, peer, kind, domain.RoleCaller)
	cur.stream = stream
	cur.peerName = s.lookupName(ctx, peer)
	if err == nil {
		cur.recordID = &rec.ID
	}
	s.emitPhase(cur, "")

	s.sendLocked(ctx, domain.CallRequest{Route: s.routeTo(cur), Kind: kind, FromName: s.cfg.DisplayName})

	cur.engine = s.newEngine(cur)
	if err := cur.engine.Start(ctx); err != nil {
		s.log.Warn().Err(err).Str("to", peer.String()).Msg("Offer step failed")
	}
	return nil
}

func (s *CallService) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cur
	if cur == nil || cur.phase != domain.PhaseIncomingRinging {
		return domain.ErrNoCall
	}

	stream, err := s.acquire(ctx, cur.kind)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	stopTimer(cur)

	s.updateRecord(ctx, domain.RecordFilter{CallerID: cur.peer, ReceiverID: s.cfg.Self}, domain.RecordPatch{Status: domain.StatusActive})

	cur.stream = stream
	cur.phase = domain.PhaseActive
	cur.activeAt = s.cfg.Now()
	s.emitPhase(cur, "")

	s.sendLocked(ctx, domain.CallAccepted{Route: s.routeTo(cur), Kind: cur.kind})

	cur.engine = s.newEngine(cur)
	if err := cur.engine.Start(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Answerer setup failed")
	}
	buffered := cur.buffered
	cur.buffered = nil
	for _, sig := range buffered {
		s.negotiate(ctx, cur, sig)
	}
	return nil
}

func (s *CallService) Reject(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cur
	if cur == nil || cur.phase != domain.PhaseIncomingRinging {
		return domain.ErrNoCall
	}
	s.rejectLocked(ctx, cur)
	return nil
}

func (s *CallService) rejectLocked(ctx context.Context, cur *session) {
	s.updateRecord(ctx, domain.RecordFilter{CallerID: cur.peer, ReceiverID: s.cfg.Self}, domain.RecordPatch{Status: domain.StatusRejected})
	s.sendLocked(ctx, domain.CallRejected{Route: s.routeTo(cur)})
	s.finishLocked(ctx, cur, "rejected", false)
}

// End hangs up the current call. While still ringing out it cancels the
// call and the record becomes missed.
func (s *CallService) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cur
	if cur == nil || cur.phase == domain.PhaseEnded {
		return domain.ErrNoCall
	}

	switch cur.phase {
	case domain.PhaseIncomingRinging:
		s.rejectLocked(ctx, cur)
		return nil
	case domain.PhaseOutgoingRinging:
		s.updateRecord(ctx, s.recordFilter(cur), domain.RecordPatch{Status: domain.StatusMissed})
		s.finishLocked(ctx, cur, "canceled", true)
	case domain.PhaseActive:
		s.updateRecord(ctx, s.recordFilter(cur), domain.Completed(s.cfg.Now().Sub(cur.activeAt)))
		s.finishLocked(ctx, cur, "hangup", true)
	}
	return nil
}

func (s *CallService) HandleSignal(ctx context.Context, sig domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := sig.Addr().From
	cur := s.cur
	l := s.log.With().Str("from", from.String()).Str("type", string(sig.Type())).Logger()

	switch v := sig.(type) {
	case domain.CallRequest:
		s.incomingLocked(ctx, fromRelay, from, v.FromName, v.Kind, v.ConversationID, nil)

	case domain.CallAccepted:
		if cur == nil || cur.peer != from || cur.phase != domain.PhaseOutgoingRinging {
			l.Debug().Msg("Ignoring stray accept")
			return
		}
		stopTimer(cur)
		cur.phase = domain.PhaseActive
		cur.activeAt = s.cfg.Now()
		s.emitPhase(cur, "")

	case domain.CallRejected:
		if cur == nil || cur.peer != from || (cur.phase != domain.PhaseOutgoingRinging && cur.phase != domain.PhaseActive) {
			l.Debug().Msg("Ignoring stray reject")
			return
		}
		s.finishLocked(ctx, cur, "rejected", false)

	case domain.CallEnded:
		if cur == nil || cur.peer != from {
			l.Debug().Msg("Ignoring call-ended for no call")
			return
		}
		reason := "remote-ended"
		if cur.phase == domain.PhaseIncomingRinging {
			reason = "canceled"
		}
		s.finishLocked(ctx, cur, reason, false)

	case domain.SessionOffer, domain.SessionAnswer, domain.CandidateSignal:
		if cur == nil || cur.peer != from {
			l.Debug().Msg("Negotiation signal for no call, dropping")
			return
		}
		if cur.phase == domain.PhaseIncomingRinging {
			cur.buffered = append(cur.buffered, sig)
			return
		}
		s.negotiate(ctx, cur, sig)

	default:
		l.Debug().Msg("Ignoring signal")
	}
}

// HandleRecordEvent treats a ringing record addressed to us like a relay
// call request. A ringing record that closes before we answer dismisses
// the prompt.
func (s *CallService) HandleRecordEvent(ctx context.Context, ev domain.RecordEvent) {
	rec := ev.Record
	if rec.ReceiverID != s.cfg.Self {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Op {
	case domain.RecordInserted:
		if rec.Status != domain.StatusRinging {
			return
		}
		id := rec.ID
		s.incomingLocked(ctx, fromRecord, rec.CallerID, "", rec.Kind, "", &id)
	case domain.RecordUpdated:
		cur := s.cur
		if cur == nil || cur.phase != domain.PhaseIncomingRinging || cur.recordID == nil || *cur.recordID != rec.ID {
			return
		}
		if rec.Status.Terminal() {
			s.finishLocked(ctx, cur, string(rec.Status), false)
		}
	}
}

func (s *CallService) incomingLocked(ctx context.Context, src triggerSource, from domain.UserID, name string, kind domain.CallKind, conversationID string, recordID *domain.CallID) {
	if from.IsZero() || from == s.cfg.Self {
		return
	}
	now := s.cfg.Now()
	key := ringKey{caller: from, kind: kind}
	s.pruneRings(now)

	if m, ok := s.rings[key]; ok && !m.sources[src] {
		cur := s.cur
		if cur != nil && cur.gen == m.gen {
			// Same call seen through the other channel.
			m.sources[src] = true
			if cur.recordID == nil && recordID != nil {
				cur.recordID = recordID
			}
			if cur.peerName == "" || cur.peerName == from.String() {
				if name != "" {
					cur.peerName = name
				}
			}
			if cur.conversationID == "" {
				cur.conversationID = conversationID
			}
			return
		}
		// The marked session is over; this is a new call.
		delete(s.rings, key)
	}

	if cur := s.cur; cur != nil {
		if cur.peer == from {
			return
		}
		s.log.Info().Str("from", from.String()).Msg("Busy, rejecting incoming call")
		s.updateRecord(ctx, domain.RecordFilter{CallerID: from, ReceiverID: s.cfg.Self}, domain.RecordPatch{Status: domain.StatusRejected})
		s.sendLocked(ctx, domain.CallRejected{Route: domain.Route{From: s.cfg.Self, To: from, ConversationID: conversationID}})
		return
	}

	if name == "" {
		name = s.lookupName(ctx, from)
	}
	cur := s.open(domain.PhaseIncomingRinging, from, kind, domain.RoleAnswerer)
	s.rings[key] = &ringMark{at: now, gen: cur.gen, sources: map[triggerSource]bool{src: true}}
	cur.peerName = name
	cur.conversationID = conversationID
	cur.recordID = recordID
	s.emitPhase(cur, "")
}

func (s *CallService) pruneRings(now time.Time) {
	window := s.ringWindow()
	for k, m := range s.rings {
		if now.Sub(m.at) >= window {
			delete(s.rings, k)
		}
	}
}

func (s *CallService) ringWindow() time.Duration {
	if s.cfg.RingTimeout > 0 {
		return s.cfg.RingTimeout
	}
	return 45 * time.Second
}

func (s *CallService) negotiate(ctx context.Context, cur *session, sig domain.Signal) {
	if cur.engine == nil {
		return
	}
	var err error
	switch v := sig.(type) {
	case domain.SessionOffer:
		err = cur.engine.HandleOffer(ctx, v.SDP)
	case domain.SessionAnswer:
		err = cur.engine.HandleAnswer(ctx, v.SDP)
	case domain.CandidateSignal:
		err = cur.engine.HandleCandidate(v.Candidate)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(sig.Type())).Msg("Negotiation step failed, skipping")
	}
}

func (s *CallService) open(phase domain.Phase, peer domain.UserID, kind domain.CallKind, role domain.Role) *session {
	s.gen++
	cur := &session{
		gen:   s.gen,
		phase: phase,
		peer:  peer,
		kind:  kind,
		role:  role,
	}
	s.cur = cur
	if s.cfg.RingTimeout > 0 {
		gen := cur.gen
		cur.timer = time.AfterFunc(s.cfg.RingTimeout, func() { s.ringTimeout(gen) })
	}
	return cur
}

func (s *CallService) ringTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cur
	if cur == nil || cur.gen != gen {
		return
	}
	ctx := context.Background()
	switch cur.phase {
	case domain.PhaseOutgoingRinging:
		s.log.Info().Str("to", cur.peer.String()).Msg("No answer, giving up")
		s.updateRecord(ctx, s.recordFilter(cur), domain.RecordPatch{Status: domain.StatusMissed})
		s.finishLocked(ctx, cur, "timeout", true)
	case domain.PhaseIncomingRinging:
		s.finishLocked(ctx, cur, "timeout", false)
	}
}

// finishLocked moves to Ended, tears down, then returns to Idle. notify
// controls whether the peer is told with call-ended.
func (s *CallService) finishLocked(ctx context.Context, cur *session, reason string, notify bool) {
	if s.cur != cur || cur.phase == domain.PhaseEnded {
		return
	}
	stopTimer(cur)
	cur.phase = domain.PhaseEnded
	cur.buffered = nil
	s.emitPhase(cur, reason)

	if cur.engine != nil {
		cur.engine.Close(ctx, notify)
	} else {
		if cur.stream != nil {
			for _, t := range cur.stream.Tracks {
				t.SetEnabled(false)
				_ = t.Stop()
			}
		}
		s.deps.Sinks.ClearAll()
		if notify {
			s.sendLocked(ctx, domain.CallEnded{Route: s.routeTo(cur)})
		}
	}

	s.cur = nil
	s.events.publish(domain.CallEvent{
		Type:   domain.EventPhase,
		Phase:  domain.PhaseIdle,
		Peer:   cur.peer,
		Kind:   cur.kind,
		Role:   cur.role,
		Reason: reason,
		At:     s.cfg.Now(),
	})
	s.log.Info().Str("peer", cur.peer.String()).Str("reason", reason).Msg("Call finished")
}

func stopTimer(cur *session) {
	if cur.timer != nil {
		cur.timer.Stop()
		cur.timer = nil
	}
}

func (s *CallService) newEngine(cur *session) *Negotiation {
	return NewNegotiation(NegotiationConfig{
		Self:           s.cfg.Self,
		Peer:           cur.peer,
		Role:           cur.role,
		ConversationID: cur.conversationID,
		Stream:         cur.stream,
		Peers:          s.deps.Peers,
		Devices:        s.deps.Devices,
		Signaler:       s.deps.Signaler,
		Sinks:          s.deps.Sinks,
		OnState: func(st domain.ConnectionState) {
			s.events.publish(domain.CallEvent{
				Type:            domain.EventConnection,
				Peer:            cur.peer,
				ConnectionState: st.Connection,
				ICEState:        st.ICE,
				At:              s.cfg.Now(),
			})
		},
	}, s.log)
}

// acquire fails closed: any device error counts as access denied.
func (s *CallService) acquire(ctx context.Context, kind domain.CallKind) (*port.MediaStream, error) {
	stream, err := s.deps.Devices.GetUserMedia(ctx, domain.ConstraintsFor(kind))
	if err != nil {
		if errors.Is(err, domain.ErrDeviceAccessDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceAccessDenied, err)
	}
	return stream, nil
}

func (s *CallService) recordFilter(cur *session) domain.RecordFilter {
	if cur.role == domain.RoleCaller {
		return domain.RecordFilter{CallerID: s.cfg.Self, ReceiverID: cur.peer}
	}
	return domain.RecordFilter{CallerID: cur.peer, ReceiverID: s.cfg.Self}
}

func (s *CallService) updateRecord(ctx context.Context, f domain.RecordFilter, p domain.RecordPatch) {
	if _, err := s.deps.Records.UpdateLatest(ctx, f, p); err != nil {
		s.log.Error().Err(err).
			Str("caller", f.CallerID.String()).
			Str("receiver", f.ReceiverID.String()).
			Str("status", string(p.Status)).
			Msg("Failed to update call record")
	}
}

func (s *CallService) sendLocked(ctx context.Context, sig domain.Signal) {
	if err := s.deps.Signaler.Send(ctx, sig); err != nil {
		s.log.Warn().Err(err).Str("to", sig.Addr().To.String()).Str("type", string(sig.Type())).Msg("Failed to send signal")
	}
}

func (s *CallService) routeTo(cur *session) domain.Route {
	return domain.Route{From: s.cfg.Self, To: cur.peer, ConversationID: cur.conversationID}
}

func (s *CallService) lookupName(ctx context.Context, id domain.UserID) string {
	if s.deps.Users == nil {
		return id.String()
	}
	name, err := s.deps.Users.Lookup(ctx, id)
	if err != nil || name == "" {
		s.log.Debug().Err(err).Str("peer", id.String()).Msg("Directory lookup failed")
		return id.String()
	}
	return name
}

func (s *CallService) emitPhase(cur *session, reason string) {
	s.events.publish(domain.CallEvent{
		Type:     domain.EventPhase,
		Phase:    cur.phase,
		Peer:     cur.peer,
		PeerName: cur.peerName,
		Kind:     cur.kind,
		Role:     cur.role,
		Reason:   reason,
		At:       s.cfg.Now(),
	})
}

func (s *CallService) withEngine(fn func(*Negotiation) error) error {
	s.mu.Lock()
	cur := s.cur
	var engine *Negotiation
	if cur != nil && cur.phase != domain.PhaseEnded {
		engine = cur.engine
	}
	s.mu.Unlock()
	if engine == nil {
		return domain.ErrNoCall
	}
	return fn(engine)
}

func (s *CallService) ToggleMute() (bool, error) {
	var muted bool
	err := s.withEngine(func(n *Negotiation) (err error) {
		muted, err = n.ToggleMute()
		return err
	})
	return muted, err
}

func (s *CallService) ToggleCamera() (bool, error) {
	var off bool
	err := s.withEngine(func(n *Negotiation) (err error) {
		off, err = n.ToggleCamera()
		return err
	})
	return off, err
}

func (s *CallService) StartScreenShare(ctx context.Context) error {
	return s.withEngine(func(n *Negotiation) error { return n.StartScreenShare(ctx) })
}

func (s *CallService) StopScreenShare() error {
	return s.withEngine(func(n *Negotiation) error { return n.StopScreenShare() })
}

func (s *CallService) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	cur := s.cur
	if cur == nil {
		s.mu.Unlock()
		return domain.SessionSnapshot{Phase: domain.PhaseIdle}
	}
	snap := domain.SessionSnapshot{
		Phase:     cur.phase,
		Peer:      cur.peer,
		PeerName:  cur.peerName,
		Kind:      cur.kind,
		Role:      cur.role,
		StartedAt: cur.activeAt,
	}
	engine := cur.engine
	s.mu.Unlock()

	if engine != nil {
		snap.Muted, snap.CameraOff, snap.Sharing = engine.MediaState()
	}
	return snap
}

// Duration is the time spent Active so far, zero otherwise.
func (s *CallService) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.phase != domain.PhaseActive {
		return 0
	}
	return s.cfg.Now().Sub(s.cur.activeAt)
}

// ConnectionState is the diagnostic state of the current peer link.
func (s *CallService) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	var engine *Negotiation
	if s.cur != nil {
		engine = s.cur.engine
	}
	s.mu.Unlock()
	if engine == nil {
		return domain.ConnectionState{}
	}
	return engine.State()
}
