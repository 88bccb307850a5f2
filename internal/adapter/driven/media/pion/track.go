package pion

import (
	"sync"
	"sync/atomic"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalTrack wraps a pion TrackLocal with an enabled gate. While disabled,
// RTP written by the source is dropped before it reaches the transport, so
// the remote side sees silence or a frozen frame without renegotiation.
type LocalTrack struct {
	src     webrtc.TrackLocal
	kind    domain.MediaKind
	release func() error

	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded func()
	bound   map[string]webrtc.TrackLocalContext
	rtc     *gatedTrack
}

// NewLocalTrack gates src. release frees the underlying capture and may be nil.
func NewLocalTrack(src webrtc.TrackLocal, release func() error) *LocalTrack {
	t := &LocalTrack{
		src:     src,
		kind:    mediaKind(src.Kind()),
		release: release,
		bound:   make(map[string]webrtc.TrackLocalContext),
	}
	t.enabled.Store(true)
	t.rtc = &gatedTrack{t: t}
	return t
}

func mediaKind(k webrtc.RTPCodecType) domain.MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return domain.MediaVideo
	}
	return domain.MediaAudio
}

func (t *LocalTrack) ID() string              { return t.src.ID() }
func (t *LocalTrack) Kind() domain.MediaKind  { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Stopped() bool           { return t.stopped.Load() }

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// Stop releases the capture. It does not fire OnEnded.
func (t *LocalTrack) Stop() error {
	if t.stopped.Swap(true) {
		return nil
	}
	t.enabled.Store(false)
	if t.release == nil {
		return nil
	}
	return t.release()
}

// ended is called by the capture source when it stops on its own, e.g. the
// user closing a screen share from the OS picker.
func (t *LocalTrack) ended() {
	if t.stopped.Swap(true) {
		return
	}
	t.enabled.Store(false)
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

// TrackLocal is what gets handed to pion senders.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.rtc }

type gatedTrack struct {
	t *LocalTrack
}

func (g *gatedTrack) ID() string                { return g.t.src.ID() }
func (g *gatedTrack) RID() string               { return g.t.src.RID() }
func (g *gatedTrack) StreamID() string          { return g.t.src.StreamID() }
func (g *gatedTrack) Kind() webrtc.RTPCodecType { return g.t.src.Kind() }

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	wrapped := &gatedContext{TrackLocalContext: ctx, gate: &g.t.enabled}
	g.t.mu.Lock()
	g.t.bound[ctx.ID()] = wrapped
	g.t.mu.Unlock()
	return g.t.src.Bind(wrapped)
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	g.t.mu.Lock()
	wrapped, ok := g.t.bound[ctx.ID()]
	delete(g.t.bound, ctx.ID())
	g.t.mu.Unlock()
	if !ok {
		wrapped = ctx
	}
	return g.t.src.Unbind(wrapped)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	gate *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{w: c.TrackLocalContext.WriteStream(), gate: c.gate}
}

// gatedWriter reports dropped packets as written so the source keeps pacing.
type gatedWriter struct {
	w    webrtc.TrackLocalWriter
	gate *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.gate.Load() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.w.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.gate.Load() {
		return len(b), nil
	}
	return w.w.Write(b)
}
