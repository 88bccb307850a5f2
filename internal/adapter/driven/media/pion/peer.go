package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

type Config struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// CodecRegistrar installs the codecs the local capture produces.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Factory builds peer connections that share one pion API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(cfg Config, codecs CodecRegistrar) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := codecs.RegisterCodecs(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: servers},
	}, nil
}

func (f *Factory) NewPeerConnection(_ context.Context) (port.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &peerConn{pc: pc}, nil
}

// peerConn adapts a pion PeerConnection. Every callback is dispatched on its
// own goroutine so handlers may take locks held around Close.
type peerConn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*sender
	remotes []*remoteTrack
	closed  bool
}

var errForeignTrack = errors.New("track was not captured by the pion adapter")

func asLocal(t port.LocalTrack) (*LocalTrack, error) {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errForeignTrack, t)
	}
	return lt, nil
}

func (p *peerConn) AddTrack(t port.LocalTrack) (port.Sender, error) {
	lt, err := asLocal(t)
	if err != nil {
		return nil, err
	}
	rs, err := p.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return nil, err
	}
	s := &sender{rs: rs, kind: lt.Kind(), track: lt}

	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()

	// Interceptors only see RTCP that is read.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rs.Read(buf); err != nil {
				return
			}
		}
	}()
	return s, nil
}

func (p *peerConn) Senders() []port.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]port.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *peerConn) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *peerConn) CreateAnswer(_ context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *peerConn) SetRemoteOffer(_ context.Context, sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (p *peerConn) SetRemoteAnswer(_ context.Context, sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *peerConn) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peerConn) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		go fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *peerConn) OnConnectionStateChange(fn func(string)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		go fn(s.String())
	})
}

func (p *peerConn) OnICEConnectionStateChange(fn func(string)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		go fn(s.String())
	})
}

func (p *peerConn) OnTrack(fn func(port.Track)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := newRemoteTrack(tr)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.remotes = append(p.remotes, rt)
		p.mu.Unlock()

		log.Debug().
			Str("kind", tr.Kind().String()).
			Str("codec", tr.Codec().MimeType).
			Msg("Remote track started")

		go rt.drain()
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go rt.requestKeyframes(p.pc)
		}
		go fn(rt)
	})
}

func (p *peerConn) Close() error {
	p.mu.Lock()
	p.closed = true
	remotes := p.remotes
	p.remotes = nil
	p.mu.Unlock()

	for _, rt := range remotes {
		_ = rt.Stop()
	}
	return p.pc.Close()
}

type sender struct {
	rs   *webrtc.RTPSender
	kind domain.MediaKind

	mu    sync.Mutex
	track *LocalTrack
}

func (s *sender) Kind() domain.MediaKind { return s.kind }

func (s *sender) Track() port.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return s.track
}

// ReplaceTrack swaps the outbound track without renegotiation. nil detaches.
func (s *sender) ReplaceTrack(t port.LocalTrack) error {
	if t == nil {
		if err := s.rs.ReplaceTrack(nil); err != nil {
			return err
		}
		s.mu.Lock()
		s.track = nil
		s.mu.Unlock()
		return nil
	}

	lt, err := asLocal(t)
	if err != nil {
		return err
	}
	if err := s.rs.ReplaceTrack(lt.TrackLocal()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = lt
	s.mu.Unlock()
	return nil
}

// remoteTrack consumes inbound RTP. A headless peer has no renderer, so
// packets are counted and discarded.
type remoteTrack struct {
	tr      *webrtc.TrackRemote
	kind    domain.MediaKind
	packets atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

func newRemoteTrack(tr *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{
		tr:   tr,
		kind: mediaKind(tr.Kind()),
		done: make(chan struct{}),
	}
}

func (r *remoteTrack) ID() string             { return r.tr.ID() }
func (r *remoteTrack) Kind() domain.MediaKind { return r.kind }
func (r *remoteTrack) Packets() uint64        { return r.packets.Load() }

func (r *remoteTrack) Stop() error {
	r.once.Do(func() {
		close(r.done)
		_ = r.tr.SetReadDeadline(time.Now())
	})
	return nil
}

func (r *remoteTrack) drain() {
	for {
		if _, _, err := r.tr.ReadRTP(); err != nil {
			return
		}
		r.packets.Add(1)
	}
}

func (r *remoteTrack) requestKeyframes(pc *webrtc.PeerConnection) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(r.tr.SSRC())}}
	_ = pc.WriteRTCP(pli)

	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := pc.WriteRTCP(pli); err != nil {
				return
			}
		}
	}
}
