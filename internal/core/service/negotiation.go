package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/rs/zerolog"
)

type NegotiationConfig struct {
	Self           domain.UserID
	Peer           domain.UserID
	Role           domain.Role
	ConversationID string
	Stream         *port.MediaStream

	Peers    port.PeerConnectionFactory
	Devices  port.MediaDevices
	Signaler port.Signaler
	Sinks    *SinkSet

	// OnState receives connection diagnostics. It is called without locks held.
	OnState func(domain.ConnectionState)
}

// Negotiation owns the single peer connection of one call and every local
// track attached to it.
type Negotiation struct {
	cfg NegotiationConfig
	log zerolog.Logger

	mu        sync.Mutex
	pc        port.PeerConnection
	gen       uint64
	offering  bool
	remoteSet bool
	described bool
	outbox    []domain.ICECandidate
	seen      map[string]struct{}
	pending   []domain.ICECandidate
	camera    port.LocalTrack
	screen    port.LocalTrack
	muted     bool
	cameraOff bool
	state     domain.ConnectionState
	closed    bool

	// sendMu orders outbound descriptions and candidates.
	sendMu sync.Mutex

	remote     *TrackSink
	dropRemote func()
}

func NewNegotiation(cfg NegotiationConfig, l zerolog.Logger) *Negotiation {
	if cfg.Sinks == nil {
		cfg.Sinks = NewSinkSet()
	}
	if cfg.Stream == nil {
		cfg.Stream = &port.MediaStream{ID: domain.NewStreamID()}
	}
	n := &Negotiation{
		cfg:    cfg,
		log:    l.With().Str("peer", cfg.Peer.String()).Str("role", string(cfg.Role)).Logger(),
		seen:   make(map[string]struct{}),
		camera: cfg.Stream.Track(domain.MediaVideo),
		remote: &TrackSink{},
	}
	n.dropRemote = cfg.Sinks.Add(n.remote)
	return n
}

func (n *Negotiation) route() domain.Route {
	return domain.Route{From: n.cfg.Self, To: n.cfg.Peer, ConversationID: n.cfg.ConversationID}
}

// Start creates the peer connection with the local tracks attached. A caller
// sends its offer right away instead of waiting for the remote accept.
func (n *Negotiation) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return domain.ErrNoCall
	}
	if err := n.resetLocked(ctx); err != nil {
		n.mu.Unlock()
		return err
	}
	if n.cfg.Role != domain.RoleCaller {
		n.mu.Unlock()
		return nil
	}
	sdp, err := n.offerLocked(ctx)
	gen := n.gen
	n.mu.Unlock()
	if err != nil {
		return err
	}
	return n.sendDescription(ctx, gen, domain.SessionOffer{Route: n.route(), SDP: sdp})
}

// resetLocked replaces any existing peer connection with a fresh one.
// Callbacks from the old connection are ignored from here on.
func (n *Negotiation) resetLocked(ctx context.Context) error {
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.log.Warn().Err(err).Msg("Closing previous peer connection")
		}
		n.pc = nil
	}
	n.gen++
	n.remoteSet = false
	n.offering = false
	n.described = false
	n.outbox = nil

	pc, err := n.cfg.Peers.NewPeerConnection(ctx)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	n.pc = pc
	gen := n.gen

	pc.OnICECandidate(func(c domain.ICECandidate) {
		n.mu.Lock()
		if n.closed || n.gen != gen {
			n.mu.Unlock()
			return
		}
		if !n.described {
			n.outbox = append(n.outbox, c)
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()

		n.sendMu.Lock()
		defer n.sendMu.Unlock()
		n.sendCandidate(context.Background(), c)
	})
	pc.OnConnectionStateChange(func(state string) {
		n.observe(gen, func(s *domain.ConnectionState) { s.Connection = state })
	})
	pc.OnICEConnectionStateChange(func(state string) {
		n.observe(gen, func(s *domain.ConnectionState) { s.ICE = state })
	})
	pc.OnTrack(func(t port.Track) {
		if !n.current(gen) {
			_ = t.Stop()
			return
		}
		n.log.Debug().Str("kind", string(t.Kind())).Str("track_id", t.ID()).Msg("Remote track")
		n.remote.Attach(t)
	})

	for _, t := range n.cfg.Stream.Tracks {
		if err := n.attachLocked(t); err != nil {
			n.log.Warn().Err(err).Str("kind", string(t.Kind())).Msg("Failed to attach local track")
		}
	}
	return nil
}

func (n *Negotiation) current(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed && n.gen == gen
}

func (n *Negotiation) observe(gen uint64, apply func(*domain.ConnectionState)) {
	n.mu.Lock()
	if n.closed || n.gen != gen {
		n.mu.Unlock()
		return
	}
	apply(&n.state)
	state := n.state
	n.mu.Unlock()

	n.log.Debug().Str("connection", state.Connection).Str("ice", state.ICE).Msg("Connection state changed")
	if n.cfg.OnState != nil {
		n.cfg.OnState(state)
	}
}

// attachLocked reuses an existing sender of the same kind when there is one.
func (n *Negotiation) attachLocked(t port.LocalTrack) error {
	if s := n.senderLocked(t.Kind()); s != nil {
		return s.ReplaceTrack(t)
	}
	_, err := n.pc.AddTrack(t)
	return err
}

func (n *Negotiation) senderLocked(k domain.MediaKind) port.Sender {
	if n.pc == nil {
		return nil
	}
	for _, s := range n.pc.Senders() {
		if s.Kind() == k {
			return s
		}
	}
	return nil
}

func (n *Negotiation) offerLocked(ctx context.Context) (string, error) {
	sdp, err := n.pc.CreateOffer(ctx)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	n.offering = true
	return sdp, nil
}

func (n *Negotiation) HandleOffer(ctx context.Context, sdp string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return domain.ErrNoCall
	}
	if n.pc == nil {
		if err := n.resetLocked(ctx); err != nil {
			n.mu.Unlock()
			return err
		}
	}
	if err := n.pc.SetRemoteOffer(ctx, sdp); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.remoteSet = true
	n.offering = false
	n.flushLocked()

	answer, err := n.pc.CreateAnswer(ctx)
	gen := n.gen
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	return n.sendDescription(ctx, gen, domain.SessionAnswer{Route: n.route(), SDP: answer})
}

func (n *Negotiation) HandleAnswer(ctx context.Context, sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return domain.ErrNoCall
	}
	if n.pc == nil || !n.offering {
		n.log.Debug().Msg("Answer without a pending offer, ignoring")
		return nil
	}
	if err := n.pc.SetRemoteAnswer(ctx, sdp); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.offering = false
	n.remoteSet = true
	n.flushLocked()
	return nil
}

// HandleCandidate applies c once. Before a remote description exists it is
// queued and applied later in arrival order.
func (n *Negotiation) HandleCandidate(c domain.ICECandidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return domain.ErrNoCall
	}
	key := c.Key()
	if _, dup := n.seen[key]; dup {
		return nil
	}
	n.seen[key] = struct{}{}

	if n.pc == nil || !n.remoteSet {
		n.pending = append(n.pending, c)
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *Negotiation) flushLocked() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Failed to apply queued candidate, skipping")
		}
	}
}

// ToggleMute flips the local audio track and reports whether it is now muted.
func (n *Negotiation) ToggleMute() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, domain.ErrNoCall
	}
	audio := n.cfg.Stream.Track(domain.MediaAudio)
	if audio == nil {
		return n.muted, domain.ErrNoTrack
	}
	n.muted = !n.muted
	audio.SetEnabled(!n.muted)
	if s := n.senderLocked(domain.MediaAudio); s != nil {
		if t := s.Track(); t != nil {
			t.SetEnabled(!n.muted)
		}
	}
	return n.muted, nil
}

// ToggleCamera flips the camera track and reports whether it is now off.
// While a screen is shared the outbound video keeps flowing.
func (n *Negotiation) ToggleCamera() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, domain.ErrNoCall
	}
	if n.camera == nil {
		return n.cameraOff, domain.ErrNoTrack
	}
	n.cameraOff = !n.cameraOff
	n.camera.SetEnabled(!n.cameraOff)
	if n.screen == nil {
		if s := n.senderLocked(domain.MediaVideo); s != nil {
			if t := s.Track(); t != nil {
				t.SetEnabled(!n.cameraOff)
			}
		}
	}
	return n.cameraOff, nil
}

// StartScreenShare swaps the outbound video for a display capture. The camera
// stays alive, detached, until the share ends.
func (n *Negotiation) StartScreenShare(ctx context.Context) error {
	n.mu.Lock()
	sharing := n.screen != nil
	n.mu.Unlock()
	if sharing {
		return nil
	}

	display, err := n.cfg.Devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("display capture: %w", err)
	}

	n.mu.Lock()
	if n.closed || n.pc == nil {
		n.mu.Unlock()
		_ = display.Stop()
		return domain.ErrNoCall
	}
	if n.screen != nil {
		n.mu.Unlock()
		_ = display.Stop()
		return nil
	}

	var renegotiate bool
	if s := n.senderLocked(domain.MediaVideo); s != nil {
		if err := s.ReplaceTrack(display); err != nil {
			n.mu.Unlock()
			_ = display.Stop()
			return fmt.Errorf("replace video track: %w", err)
		}
	} else {
		if _, err := n.pc.AddTrack(display); err != nil {
			n.mu.Unlock()
			_ = display.Stop()
			return fmt.Errorf("add display track: %w", err)
		}
		renegotiate = n.remoteSet
	}
	n.screen = display
	display.OnEnded(func() { n.endShare(display) })

	var offer string
	if renegotiate {
		offer, err = n.offerLocked(ctx)
	}
	gen := n.gen
	n.mu.Unlock()

	n.log.Info().Bool("renegotiate", renegotiate).Msg("Screen share started")
	if err != nil {
		return err
	}
	if renegotiate {
		return n.sendDescription(ctx, gen, domain.SessionOffer{Route: n.route(), SDP: offer})
	}
	return nil
}

func (n *Negotiation) StopScreenShare() error {
	n.mu.Lock()
	display := n.screen
	n.mu.Unlock()
	if display == nil {
		return nil
	}
	n.endShare(display)
	return nil
}

// endShare puts the camera back on the video sender. It runs for both the
// local stop action and the capture source ending on its own.
func (n *Negotiation) endShare(display port.LocalTrack) {
	n.mu.Lock()
	if n.screen != display {
		n.mu.Unlock()
		return
	}
	n.screen = nil
	if !n.closed {
		for _, s := range n.senderListLocked() {
			if s.Track() != display {
				continue
			}
			if err := s.ReplaceTrack(n.camera); err != nil {
				n.log.Warn().Err(err).Msg("Failed to restore camera track")
			}
		}
	}
	n.mu.Unlock()

	_ = display.Stop()
	n.log.Info().Msg("Screen share ended")
}

func (n *Negotiation) senderListLocked() []port.Sender {
	if n.pc == nil {
		return nil
	}
	return n.pc.Senders()
}

// Close tears the call down: tracks, then sinks, then the connection, then
// the call-ended notice. A second Close is a no-op.
func (n *Negotiation) Close(ctx context.Context, notify bool) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.gen++
	pc := n.pc
	n.pc = nil
	n.pending = nil
	n.outbox = nil
	tracks := append([]port.LocalTrack(nil), n.cfg.Stream.Tracks...)
	if n.screen != nil {
		tracks = append(tracks, n.screen)
		n.screen = nil
	}
	n.mu.Unlock()

	for _, t := range tracks {
		t.SetEnabled(false)
		if err := t.Stop(); err != nil {
			n.log.Warn().Err(err).Str("kind", string(t.Kind())).Msg("Failed to stop local track")
		}
	}

	n.cfg.Sinks.ClearAll()

	if pc != nil {
		if err := pc.Close(); err != nil {
			n.log.Warn().Err(err).Msg("Failed to close peer connection")
		}
	}

	if notify {
		if err := n.send(ctx, domain.CallEnded{Route: n.route()}); err != nil {
			n.log.Warn().Err(err).Msg("Failed to send call-ended")
		}
	}

	n.dropRemote()
	n.mu.Lock()
	n.cfg.Stream = &port.MediaStream{ID: n.cfg.Stream.ID}
	n.camera = nil
	n.mu.Unlock()
}

func (n *Negotiation) send(ctx context.Context, s domain.Signal) error {
	return n.cfg.Signaler.Send(ctx, s)
}

// sendDescription sends an offer or answer, then releases the local
// candidates gathered before it so none reaches the peer ahead of its
// description.
func (n *Negotiation) sendDescription(ctx context.Context, gen uint64, s domain.Signal) error {
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	if err := n.send(ctx, s); err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed || n.gen != gen {
		n.mu.Unlock()
		return nil
	}
	n.described = true
	queued := n.outbox
	n.outbox = nil
	n.mu.Unlock()

	for _, c := range queued {
		n.sendCandidate(ctx, c)
	}
	return nil
}

func (n *Negotiation) sendCandidate(ctx context.Context, c domain.ICECandidate) {
	if err := n.send(ctx, domain.CandidateSignal{Route: n.route(), Candidate: c}); err != nil {
		n.log.Warn().Err(err).Msg("Failed to send local candidate")
	}
}

func (n *Negotiation) State() domain.ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// MediaState reports the local toggles.
func (n *Negotiation) MediaState() (muted, cameraOff, sharing bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.muted, n.cameraOff, n.screen != nil
}

func (n *Negotiation) RemoteTracks() []port.Track {
	return n.remote.Tracks()
}
