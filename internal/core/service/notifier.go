package service

import (
	"sync"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/rs/zerolog"
)

type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan domain.CallEvent
	log  zerolog.Logger
}

func newNotifier(l zerolog.Logger) *notifier {
	return &notifier{subs: make(map[int]chan domain.CallEvent), log: l}
}

func (n *notifier) subscribe(buf int) (<-chan domain.CallEvent, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan domain.CallEvent, buf)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *notifier) publish(ev domain.CallEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.log.Warn().Str("type", string(ev.Type)).Str("phase", string(ev.Phase)).Msg("Event subscriber full, dropping event")
		}
	}
}

// TrackSink is an in-memory MediaSink. Negotiation uses one for remote tracks.
type TrackSink struct {
	mu     sync.Mutex
	tracks []port.Track
}

func (s *TrackSink) Attach(t port.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *TrackSink) Tracks() []port.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]port.Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *TrackSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = nil
}

// SinkSet holds every sink that may reference call media, owned here or not.
type SinkSet struct {
	mu    sync.Mutex
	next  int
	sinks map[int]port.MediaSink
}

func NewSinkSet() *SinkSet {
	return &SinkSet{sinks: make(map[int]port.MediaSink)}
}

func (s *SinkSet) Add(sink port.MediaSink) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.sinks[id] = sink
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.sinks, id)
		s.mu.Unlock()
	}
}

// ClearAll stops every track a sink references and empties the sink.
func (s *SinkSet) ClearAll() {
	s.mu.Lock()
	sinks := make([]port.MediaSink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		for _, t := range sink.Tracks() {
			_ = t.Stop()
		}
		sink.Clear()
	}
}
