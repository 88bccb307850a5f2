package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.MediaKind
	enabled bool
	stopped bool
	onEnded func()
}

func newFakeTrack(id string, kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// end simulates the capture source going away on its own.
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.stopped = true
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeDevices struct {
	mu       sync.Mutex
	deny     bool
	n        int
	streams  []*port.MediaStream
	displays []*fakeTrack
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (*port.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deny {
		return nil, errors.New("permission dismissed")
	}
	d.n++
	s := &port.MediaStream{ID: domain.NewStreamID()}
	if c.Audio {
		s.Tracks = append(s.Tracks, newFakeTrack(fmt.Sprintf("mic-%d", d.n), domain.MediaAudio))
	}
	if c.Video {
		s.Tracks = append(s.Tracks, newFakeTrack(fmt.Sprintf("cam-%d", d.n), domain.MediaVideo))
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevices) GetDisplayMedia(ctx context.Context) (port.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deny {
		return nil, domain.ErrDeviceAccessDenied
	}
	t := newFakeTrack(fmt.Sprintf("screen-%d", len(d.displays)+1), domain.MediaVideo)
	d.displays = append(d.displays, t)
	return t, nil
}

func (d *fakeDevices) allTracks() []port.LocalTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []port.LocalTrack
	for _, s := range d.streams {
		out = append(out, s.Tracks...)
	}
	for _, t := range d.displays {
		out = append(out, t)
	}
	return out
}

type fakeSender struct {
	kind     domain.MediaKind
	track    port.LocalTrack
	replaced int
}

func (s *fakeSender) Kind() domain.MediaKind  { return s.kind }
func (s *fakeSender) Track() port.LocalTrack { return s.track }

func (s *fakeSender) ReplaceTrack(t port.LocalTrack) error {
	s.track = t
	s.replaced++
	return nil
}

type fakePC struct {
	mu         sync.Mutex
	senders    []*fakeSender
	remoteSDP  string
	offers     int
	answers    int
	candidates []domain.ICECandidate
	closed     bool
	failAdd    map[string]bool

	onCandidate func(domain.ICECandidate)
	onConn      func(string)
	onICE       func(string)
	onTrack     func(port.Track)
}

func (p *fakePC) AddTrack(t port.LocalTrack) (port.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{kind: t.Kind(), track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) Senders() []port.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]port.Sender, len(p.senders))
	for i, s := range p.senders {
		out[i] = s
	}
	return out
}

func (p *fakePC) CreateOffer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return fmt.Sprintf("offer-%d", p.offers), nil
}

func (p *fakePC) CreateAnswer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		return "", errors.New("no remote offer")
	}
	p.answers++
	return "answer", nil
}

func (p *fakePC) SetRemoteOffer(ctx context.Context, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePC) SetRemoteAnswer(ctx context.Context, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePC) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		return errors.New("remote description not set")
	}
	if p.failAdd[c.Candidate] {
		return errors.New("bad candidate")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(domain.ICECandidate)) { p.onCandidate = fn }
func (p *fakePC) OnConnectionStateChange(fn func(string))     { p.onConn = fn }
func (p *fakePC) OnICEConnectionStateChange(fn func(string))  { p.onICE = fn }
func (p *fakePC) OnTrack(fn func(port.Track))                 { p.onTrack = fn }

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

type fakePeers struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakePeers) NewPeerConnection(ctx context.Context) (port.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakePeers) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.Signal
	ch   chan domain.Signal
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan domain.Signal, 64)}
}

func (f *fakeSignaler) Send(ctx context.Context, s domain.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeSignaler) Subscribe() (<-chan domain.Signal, func()) {
	return f.ch, func() {}
}

func (f *fakeSignaler) types() []domain.SignalType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SignalType, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Type()
	}
	return out
}

func (f *fakeSignaler) count(t domain.SignalType) int {
	n := 0
	for _, got := range f.types() {
		if got == t {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records []domain.CallRecord
	fail    bool
}

func (s *fakeStore) Insert(ctx context.Context, caller, receiver domain.UserID, kind domain.CallKind) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return domain.CallRecord{}, errors.New("store down")
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	rec, err := domain.NewCallRecord(caller, receiver, kind, now)
	if err != nil {
		return domain.CallRecord{}, err
	}
	s.records = append(s.records, *rec)
	return *rec, nil
}

func (s *fakeStore) UpdateLatest(ctx context.Context, f domain.RecordFilter, p domain.RecordPatch) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return domain.CallRecord{}, errors.New("store down")
	}
	for i := len(s.records) - 1; i >= 0; i-- {
		r := &s.records[i]
		if r.CallerID == f.CallerID && r.ReceiverID == f.ReceiverID {
			if err := r.Apply(p); err != nil {
				return domain.CallRecord{}, err
			}
			return *r, nil
		}
	}
	return domain.CallRecord{}, domain.ErrRecordNotFound
}

func (s *fakeStore) List(ctx context.Context, user domain.UserID, limit int) ([]domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.CallRecord(nil), s.records...)
	return out, nil
}

func (s *fakeStore) latest() domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return domain.CallRecord{}
	}
	return s.records[len(s.records)-1]
}

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func cand(s string) domain.ICECandidate {
	mid := "0"
	var idx uint16
	return domain.ICECandidate{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}
