package pion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	ModeCapture = "capture"
	ModeSilent  = "silent"
	ModeNone    = "none"
)

// Devices is a media source that also decides which codecs peer connections
// must offer.
type Devices interface {
	port.MediaDevices
	CodecRegistrar
}

// NewDevices selects a capture backend. "capture" needs a binary built with
// the capture tag; "silent" produces synthetic tracks; "none" denies every
// request the way a user refusing the permission prompt would.
func NewDevices(mode string) (Devices, error) {
	switch mode {
	case ModeCapture:
		return newCaptureDevices()
	case ModeSilent, "":
		return &SilentDevices{}, nil
	case ModeNone:
		return deniedDevices{}, nil
	default:
		return nil, fmt.Errorf("unknown devices mode %q", mode)
	}
}

type deniedDevices struct{}

func (deniedDevices) RegisterCodecs(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }

func (deniedDevices) GetUserMedia(context.Context, domain.MediaConstraints) (*port.MediaStream, error) {
	return nil, fmt.Errorf("%w: no capture devices", domain.ErrDeviceAccessDenied)
}

func (deniedDevices) GetDisplayMedia(context.Context) (port.LocalTrack, error) {
	return nil, fmt.Errorf("%w: no display capture", domain.ErrDeviceAccessDenied)
}

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SilentDevices hands out sample tracks. Audio carries Opus silence so the
// remote side sees RTP flowing; video tracks stay idle.
type SilentDevices struct {
	mu     sync.Mutex
	tracks []*LocalTrack
}

func (d *SilentDevices) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *SilentDevices) GetUserMedia(_ context.Context, c domain.MediaConstraints) (*port.MediaStream, error) {
	stream := &port.MediaStream{ID: domain.NewStreamID()}
	if c.Audio {
		t, err := d.audio(stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	if c.Video {
		t, err := d.video(stream.ID, "camera")
		if err != nil {
			stopAll(stream.Tracks)
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, t)
	}
	return stream, nil
}

func (d *SilentDevices) GetDisplayMedia(_ context.Context) (port.LocalTrack, error) {
	t, err := d.video(domain.NewStreamID(), "screen")
	if err != nil {
		return nil, err
	}
	return t, nil
}

// EndDisplay simulates the OS ending every live screen capture.
func (d *SilentDevices) EndDisplay() {
	d.mu.Lock()
	tracks := d.tracks
	d.mu.Unlock()
	for _, t := range tracks {
		if t.Kind() == domain.MediaVideo && !t.Stopped() && isScreen(t) {
			t.ended()
		}
	}
}

func isScreen(t *LocalTrack) bool {
	return strings.HasPrefix(t.ID(), "screen-")
}

func (d *SilentDevices) keep(t *LocalTrack) *LocalTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := d.tracks[:0]
	for _, old := range d.tracks {
		if !old.Stopped() {
			live = append(live, old)
		}
	}
	d.tracks = append(live, t)
	return t
}

func (d *SilentDevices) audio(stream domain.StreamID) (*LocalTrack, error) {
	src, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"mic-"+domain.NewStreamID().String(), stream.String(),
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	t := NewLocalTrack(src, func() error {
		once.Do(func() { close(done) })
		return nil
	})

	go func() {
		ticker := time.NewTicker(silenceFrame)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = src.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrame})
			}
		}
	}()
	return d.keep(t), nil
}

func (d *SilentDevices) video(stream domain.StreamID, label string) (*LocalTrack, error) {
	src, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		label+"-"+domain.NewStreamID().String(), stream.String(),
	)
	if err != nil {
		return nil, err
	}
	return d.keep(NewLocalTrack(src, nil)), nil
}

func stopAll(tracks []port.LocalTrack) {
	for _, t := range tracks {
		_ = t.Stop()
	}
}
