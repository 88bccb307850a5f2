package port

import (
	"context"

	"github.com/Wyydra/duocall/internal/core/domain"
)

type Track interface {
	ID() string
	Kind() domain.MediaKind
	Stop() error
}

// LocalTrack is a captured track owned by this participant. Stop does not
// fire the OnEnded callback; only the device or OS ending the capture does.
type LocalTrack interface {
	Track
	Enabled() bool
	SetEnabled(enabled bool)
	Stopped() bool
	OnEnded(fn func())
}

type MediaStream struct {
	ID     domain.StreamID
	Tracks []LocalTrack
}

// Track returns the first track of kind k, or nil.
func (s *MediaStream) Track(k domain.MediaKind) LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, c domain.MediaConstraints) (*MediaStream, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}

type Sender interface {
	Kind() domain.MediaKind
	Track() LocalTrack
	ReplaceTrack(t LocalTrack) error
}

type PeerConnection interface {
	AddTrack(t LocalTrack) (Sender, error)
	Senders() []Sender
	// CreateOffer and CreateAnswer also install the result as the local description.
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteOffer(ctx context.Context, sdp string) error
	SetRemoteAnswer(ctx context.Context, sdp string) error
	AddICECandidate(c domain.ICECandidate) error
	OnICECandidate(fn func(domain.ICECandidate))
	OnConnectionStateChange(fn func(state string))
	OnICEConnectionStateChange(fn func(state string))
	OnTrack(fn func(Track))
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}

// MediaSink is anything that renders or consumes tracks.
type MediaSink interface {
	Attach(t Track)
	Tracks() []Track
	Clear()
}
