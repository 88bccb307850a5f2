package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/rs/zerolog"
)

type party struct {
	svc     *CallService
	sig     *fakeSignaler
	devices *fakeDevices
	peers   *fakePeers
	events  <-chan domain.CallEvent
	cursor  int
}

func newParty(id domain.UserID, store *fakeStore, clock *fakeClock, ring time.Duration) *party {
	p := &party{
		sig:     newFakeSignaler(),
		devices: &fakeDevices{},
		peers:   &fakePeers{},
	}
	p.svc = NewCallService(CallConfig{
		Self:        id,
		DisplayName: string(id) + " display",
		RingTimeout: ring,
		Now:         clock.Now,
	}, CallDeps{
		Signaler: p.sig,
		Records:  store,
		Devices:  p.devices,
		Peers:    p.peers,
	}, zerolog.Nop())
	p.events, _ = p.svc.Subscribe(128)
	return p
}

// pump delivers everything from has sent since the last pump.
func pump(t *testing.T, from, to *party) {
	t.Helper()
	from.sig.mu.Lock()
	pending := append([]domain.Signal(nil), from.sig.sent[from.cursor:]...)
	from.cursor = len(from.sig.sent)
	from.sig.mu.Unlock()
	for _, s := range pending {
		to.svc.HandleSignal(context.Background(), s)
	}
}

func phases(p *party) []domain.Phase {
	var out []domain.Phase
	for {
		select {
		case ev := <-p.events:
			if ev.Type == domain.EventPhase {
				out = append(out, ev.Phase)
			}
		default:
			return out
		}
	}
}

func waitPhase(t *testing.T, p *party, want domain.Phase) domain.CallEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-p.events:
			if ev.Type == domain.EventPhase && ev.Phase == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

func assertAllStopped(t *testing.T, p *party) {
	t.Helper()
	for _, tr := range p.devices.allTracks() {
		if !tr.Stopped() {
			t.Errorf("track %s still live", tr.ID())
		}
	}
}

func TestCall_AcceptedVideoCallCompletesWithDuration(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 0)
	bob := newParty("bob", store, clock, 0)
	ctx := context.Background()

	if err := alice.svc.StartCall(ctx, "bob", domain.CallVideo); err != nil {
		t.Fatal(err)
	}
	if got := store.latest(); got.Status != domain.StatusRinging || got.Kind != domain.CallVideo {
		t.Fatalf("record after start = %+v", got)
	}
	if got := alice.sig.types(); !reflect.DeepEqual(got, []domain.SignalType{domain.SignalCall, domain.SignalOffer}) {
		t.Fatalf("caller sent %v", got)
	}

	pump(t, alice, bob)
	snap := bob.svc.Snapshot()
	if snap.Phase != domain.PhaseIncomingRinging || snap.PeerName != "alice display" || snap.Kind != domain.CallVideo {
		t.Fatalf("callee snapshot = %+v", snap)
	}
	if bob.peers.count() != 0 {
		t.Fatal("callee created a peer connection before accepting")
	}

	if err := bob.svc.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if got := store.latest().Status; got != domain.StatusActive {
		t.Fatalf("record after accept = %s", got)
	}
	if bob.sig.count(domain.SignalAnswer) != 1 {
		t.Fatal("buffered offer was not answered on accept")
	}

	pump(t, bob, alice)
	if got := alice.svc.Snapshot().Phase; got != domain.PhaseActive {
		t.Fatalf("caller phase = %s", got)
	}

	clock.Advance(42 * time.Second)
	if d := alice.svc.Duration(); d != 42*time.Second {
		t.Fatalf("duration = %s", d)
	}
	if err := alice.svc.End(ctx); err != nil {
		t.Fatal(err)
	}
	rec := store.latest()
	if rec.Status != domain.StatusCompleted || rec.DurationSeconds != 42 {
		t.Fatalf("final record = %+v", rec)
	}
	if store.len() != 1 {
		t.Fatalf("records = %d, want 1", store.len())
	}

	pump(t, alice, bob)
	if got := bob.svc.Snapshot().Phase; got != domain.PhaseIdle {
		t.Fatalf("callee phase after remote end = %s", got)
	}

	assertAllStopped(t, alice)
	assertAllStopped(t, bob)
	if !alice.peers.last().closed || !bob.peers.last().closed {
		t.Fatal("peer connection left open")
	}
	wantAlice := []domain.Phase{domain.PhaseOutgoingRinging, domain.PhaseActive, domain.PhaseEnded, domain.PhaseIdle}
	if got := phases(alice); !reflect.DeepEqual(got, wantAlice) {
		t.Errorf("caller phases = %v, want %v", got, wantAlice)
	}
}

func TestCall_RejectedBeforeAccept(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 0)
	bob := newParty("bob", store, clock, 0)
	ctx := context.Background()

	if err := alice.svc.StartCall(ctx, "bob", domain.CallVoice); err != nil {
		t.Fatal(err)
	}
	pump(t, alice, bob)
	if err := bob.svc.Reject(ctx); err != nil {
		t.Fatal(err)
	}
	pump(t, bob, alice)

	want := []domain.Phase{domain.PhaseOutgoingRinging, domain.PhaseEnded, domain.PhaseIdle}
	if got := phases(alice); !reflect.DeepEqual(got, want) {
		t.Fatalf("caller phases = %v, want %v", got, want)
	}
	if got := store.latest().Status; got != domain.StatusRejected {
		t.Fatalf("record = %s, want rejected", got)
	}
	if bob.peers.count() != 0 {
		t.Fatal("callee created a peer connection")
	}
	if alice.sig.count(domain.SignalCallEnded) != 0 {
		t.Fatal("caller answered a rejection with call-ended")
	}
	assertAllStopped(t, alice)
}

func TestCall_EndedOnceWhenBothSidesHangUp(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 0)
	bob := newParty("bob", store, clock, 0)
	ctx := context.Background()

	_ = alice.svc.StartCall(ctx, "bob", domain.CallVoice)
	pump(t, alice, bob)
	_ = bob.svc.Accept(ctx)
	pump(t, bob, alice)
	phases(alice)
	phases(bob)

	if err := alice.svc.End(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.svc.End(ctx); err != nil {
		t.Fatal(err)
	}
	pump(t, alice, bob)
	pump(t, bob, alice)

	// A duplicate call-ended is a no-op too.
	bob.svc.HandleSignal(ctx, domain.CallEnded{Route: domain.Route{From: "alice", To: "bob"}})

	for _, p := range []*party{alice, bob} {
		n := 0
		for _, ph := range phases(p) {
			if ph == domain.PhaseEnded {
				n++
			}
		}
		if n != 1 {
			t.Errorf("%s entered Ended %d times", p.svc.cfg.Self, n)
		}
	}
	if err := alice.svc.End(ctx); !errors.Is(err, domain.ErrNoCall) {
		t.Errorf("End with no call err = %v", err)
	}
}

func TestCall_DeviceDeniedFailsClosed(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 0)
	alice.devices.deny = true

	err := alice.svc.StartCall(context.Background(), "bob", domain.CallVideo)
	if !errors.Is(err, domain.ErrDeviceAccessDenied) {
		t.Fatalf("err = %v, want ErrDeviceAccessDenied", err)
	}
	if store.len() != 0 {
		t.Fatal("record created without media")
	}
	if len(alice.sig.types()) != 0 {
		t.Fatal("message sent without media")
	}
	if got := alice.svc.Snapshot().Phase; got != domain.PhaseIdle {
		t.Fatalf("phase = %s", got)
	}
}

func TestCall_AcceptDeniedKeepsRinging(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 0)
	bob := newParty("bob", store, clock, 0)
	ctx := context.Background()

	_ = alice.svc.StartCall(ctx, "bob", domain.CallVideo)
	pump(t, alice, bob)
	bob.devices.deny = true

	if err := bob.svc.Accept(ctx); !errors.Is(err, domain.ErrDeviceAccessDenied) {
		t.Fatalf("err = %v", err)
	}
	if got := store.latest().Status; got != domain.StatusRinging {
		t.Fatalf("record = %s", got)
	}
	if bob.sig.count(domain.SignalCallAccepted) != 0 {
		t.Fatal("accepted without media")
	}
	if got := bob.svc.Snapshot().Phase; got != domain.PhaseIncomingRinging {
		t.Fatalf("phase = %s", got)
	}
}

func TestCall_RecordAndRelayTriggersDeduplicated(t *testing.T) {
	for _, recordFirst := range []bool{false, true} {
		clock := newFakeClock()
		store := &fakeStore{now: clock.Now}
		bob := newParty("bob", store, clock, 0)
		ctx := context.Background()

		rec, _ := store.Insert(ctx, "alice", "bob", domain.CallVideo)
		req := domain.CallRequest{Route: domain.Route{From: "alice", To: "bob"}, Kind: domain.CallVideo, FromName: "Alice"}
		ev := domain.RecordEvent{Op: domain.RecordInserted, Record: rec}

		if recordFirst {
			bob.svc.HandleRecordEvent(ctx, ev)
			bob.svc.HandleSignal(ctx, req)
		} else {
			bob.svc.HandleSignal(ctx, req)
			bob.svc.HandleRecordEvent(ctx, ev)
		}

		if got := phases(bob); !reflect.DeepEqual(got, []domain.Phase{domain.PhaseIncomingRinging}) {
			t.Errorf("recordFirst=%v: phases = %v", recordFirst, got)
		}
		if len(bob.sig.types()) != 0 {
			t.Errorf("recordFirst=%v: duplicate trigger sent %v", recordFirst, bob.sig.types())
		}
	}
}

func TestCall_RedialAfterRejectRingsAgain(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	bob := newParty("bob", store, clock, 0)
	ctx := context.Background()

	bob.svc.HandleSignal(ctx, domain.CallRequest{Route: domain.Route{From: "alice", To: "bob"}, Kind: domain.CallVoice})
	if err := bob.svc.Reject(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)
	_ = phases(bob)

	rec, _ := store.Insert(ctx, "alice", "bob", domain.CallVoice)
	bob.svc.HandleRecordEvent(ctx, domain.RecordEvent{Op: domain.RecordInserted, Record: rec})

	if got := bob.svc.Snapshot().Phase; got != domain.PhaseIncomingRinging {
		t.Fatalf("redial phase = %s, want %s", got, domain.PhaseIncomingRinging)
	}
	if got := phases(bob); !reflect.DeepEqual(got, []domain.Phase{domain.PhaseIncomingRinging}) {
		t.Fatalf("phases = %v", got)
	}

	// The relay copy of the redial merges into the new prompt.
	bob.svc.HandleSignal(ctx, domain.CallRequest{Route: domain.Route{From: "alice", To: "bob"}, Kind: domain.CallVoice})
	if got := phases(bob); len(got) != 0 {
		t.Fatalf("relay copy produced %v", got)
	}
}

func TestCall_BusyRejectsSecondCaller(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	bob := newParty("bob", store, clock, 0)
	ctx := context.Background()

	bob.svc.HandleSignal(ctx, domain.CallRequest{Route: domain.Route{From: "alice", To: "bob"}, Kind: domain.CallVoice})
	_, _ = store.Insert(ctx, "carol", "bob", domain.CallVoice)
	bob.svc.HandleSignal(ctx, domain.CallRequest{Route: domain.Route{From: "carol", To: "bob"}, Kind: domain.CallVoice})

	if got := bob.svc.Snapshot().Peer; got != "alice" {
		t.Fatalf("ringing peer = %s, want alice", got)
	}
	if bob.sig.count(domain.SignalCallRejected) != 1 {
		t.Fatal("second caller was not rejected")
	}
	if got := store.latest(); got.CallerID != "carol" || got.Status != domain.StatusRejected {
		t.Fatalf("carol record = %+v", got)
	}
}

func TestCall_CancelMarksMissedAndDismissesPrompt(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 0)
	bob := newParty("bob", store, clock, 0)
	ctx := context.Background()

	_ = alice.svc.StartCall(ctx, "bob", domain.CallVideo)
	pump(t, alice, bob)
	if err := alice.svc.End(ctx); err != nil {
		t.Fatal(err)
	}
	if got := store.latest().Status; got != domain.StatusMissed {
		t.Fatalf("record = %s, want missed", got)
	}
	assertAllStopped(t, alice)

	pump(t, alice, bob)
	if got := bob.svc.Snapshot().Phase; got != domain.PhaseIdle {
		t.Fatalf("callee phase = %s", got)
	}
}

func TestCall_RingTimeoutGivesUp(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 20*time.Millisecond)

	if err := alice.svc.StartCall(context.Background(), "bob", domain.CallVoice); err != nil {
		t.Fatal(err)
	}
	ev := waitPhase(t, alice, domain.PhaseEnded)
	if ev.Reason != "timeout" {
		t.Errorf("reason = %q", ev.Reason)
	}
	waitPhase(t, alice, domain.PhaseIdle)

	if got := store.latest().Status; got != domain.StatusMissed {
		t.Fatalf("record = %s, want missed", got)
	}
	if alice.sig.count(domain.SignalCallEnded) != 1 {
		t.Fatal("timeout did not notify the callee")
	}
	assertAllStopped(t, alice)
}

func TestCall_RecordFailureDoesNotBlockCall(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now, fail: true}
	alice := newParty("alice", store, clock, 0)

	if err := alice.svc.StartCall(context.Background(), "bob", domain.CallVoice); err != nil {
		t.Fatal(err)
	}
	if alice.sig.count(domain.SignalCall) != 1 {
		t.Fatal("call message not sent when the store failed")
	}
}

func TestCall_StartWhileBusy(t *testing.T) {
	clock := newFakeClock()
	store := &fakeStore{now: clock.Now}
	alice := newParty("alice", store, clock, 0)
	ctx := context.Background()

	_ = alice.svc.StartCall(ctx, "bob", domain.CallVoice)
	if err := alice.svc.StartCall(ctx, "carol", domain.CallVoice); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}
