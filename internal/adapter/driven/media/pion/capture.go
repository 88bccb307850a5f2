//go:build capture

package pion

import (
	"context"
	"fmt"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// captureDevices opens real cameras, microphones and screens.
type captureDevices struct {
	selector *mediadevices.CodecSelector
}

func newCaptureDevices() (Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("label", d.Label).Str("kind", fmt.Sprint(d.Kind)).Msg("Media device")
	}

	return &captureDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *captureDevices) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *captureDevices) GetUserMedia(_ context.Context, c domain.MediaConstraints) (*port.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceAccessDenied, err)
	}

	stream := &port.MediaStream{ID: domain.NewStreamID()}
	for _, t := range ms.GetTracks() {
		stream.Tracks = append(stream.Tracks, wrapCaptured(t))
	}
	return stream, nil
}

func (d *captureDevices) GetDisplayMedia(_ context.Context) (port.LocalTrack, error) {
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceAccessDenied, err)
	}
	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no display track", domain.ErrDeviceAccessDenied)
	}
	return wrapCaptured(tracks[0]), nil
}

func wrapCaptured(t mediadevices.Track) *LocalTrack {
	lt := NewLocalTrack(t, t.Close)
	t.OnEnded(func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("track_id", t.ID()).Msg("Capture ended")
		}
		lt.ended()
	})
	return lt
}
