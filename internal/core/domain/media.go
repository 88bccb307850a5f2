package domain

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor returns what a call of kind k needs from the local devices.
func ConstraintsFor(k CallKind) MediaConstraints {
	return MediaConstraints{Audio: true, Video: k == CallVideo}
}
