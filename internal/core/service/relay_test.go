package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/rs/zerolog"
)

type memRegistry struct {
	mu    sync.Mutex
	conns map[domain.UserID]port.Connection
}

func (r *memRegistry) Register(id domain.UserID, c port.Connection) port.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[id]
	r.conns[id] = c
	return old
}

func (r *memRegistry) Lookup(id domain.UserID) (port.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *memRegistry) Deregister(id domain.UserID, c port.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[id] != c {
		return false
	}
	delete(r.conns, id)
	return true
}

type fakeConn struct {
	id       string
	mu       sync.Mutex
	got      []string
	closedBy string
	fail     bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("queue full")
	}
	c.got = append(c.got, string(raw))
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedBy = reason
	return nil
}

func newRelay() (*RelayService, *memRegistry) {
	reg := &memRegistry{conns: make(map[domain.UserID]port.Connection)}
	return NewRelayService(reg, zerolog.Nop()), reg
}

func TestRelay_RoutesExactBytes(t *testing.T) {
	relay, _ := newRelay()
	ctx := context.Background()
	alice, bob := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}

	if err := relay.Route(ctx, alice, []byte(`{"type":"register","userId":"alice"}`)); err != nil {
		t.Fatal(err)
	}
	if err := relay.Route(ctx, bob, []byte(`{"type":"register","userId":"bob"}`)); err != nil {
		t.Fatal(err)
	}

	msgs := []string{
		`{"type":"webrtc-offer","from":"alice","to":"bob","sdp":"v=0","extra":1}`,
		`{"type":"webrtc-candidate","from":"alice","to":"bob","candidate":{"candidate":"c1"}}`,
		`{"type":"webrtc-candidate","from":"alice","to":"bob","candidate":{"candidate":"c2"}}`,
	}
	for _, m := range msgs {
		if err := relay.Route(ctx, alice, []byte(m)); err != nil {
			t.Fatalf("route %s: %v", m, err)
		}
	}

	if len(bob.got) != len(msgs) {
		t.Fatalf("bob got %d messages, want %d", len(bob.got), len(msgs))
	}
	for i := range msgs {
		if bob.got[i] != msgs[i] {
			t.Errorf("message %d = %s, want %s", i, bob.got[i], msgs[i])
		}
	}
	if len(alice.got) != 0 {
		t.Errorf("sender received %d messages", len(alice.got))
	}
}

func TestRelay_DropsOfflineAndMalformed(t *testing.T) {
	relay, _ := newRelay()
	ctx := context.Background()
	alice := &fakeConn{id: "c1"}
	relay.Register("alice", alice)

	err := relay.Route(ctx, alice, []byte(`{"type":"call","from":"alice","to":"nobody","callType":"voice"}`))
	if !errors.Is(err, domain.ErrRecipientOffline) {
		t.Errorf("offline route err = %v", err)
	}

	err = relay.Route(ctx, alice, []byte(`{"type":"call","from":"alice","callType":"voice"}`))
	if !errors.Is(err, domain.ErrInvalidSignal) {
		t.Errorf("missing recipient err = %v", err)
	}

	err = relay.Route(ctx, alice, []byte(`not json`))
	if !errors.Is(err, domain.ErrInvalidSignal) {
		t.Errorf("garbage err = %v", err)
	}
}

func TestRelay_UnregisteredSenderDropped(t *testing.T) {
	relay, _ := newRelay()
	bob := &fakeConn{id: "c2"}
	relay.Register("bob", bob)

	stranger := &fakeConn{id: "c9"}
	err := relay.Route(context.Background(), stranger, []byte(`{"type":"call","to":"bob","callType":"voice"}`))
	if !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
	if len(bob.got) != 0 {
		t.Fatal("message from unregistered connection was delivered")
	}
}

func TestRelay_SupersedeClosesOldAndIgnoresStaleDisconnect(t *testing.T) {
	relay, reg := newRelay()
	ctx := context.Background()
	first, second := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}
	bob := &fakeConn{id: "c3"}
	relay.Register("bob", bob)

	relay.Register("alice", first)
	relay.Register("alice", second)

	if first.closedBy == "" {
		t.Error("superseded connection was not closed")
	}
	if err := relay.Route(ctx, first, []byte(`{"type":"call","from":"alice","to":"bob","callType":"video"}`)); err == nil {
		t.Error("stale connection could still route")
	}
	if len(bob.got) != 0 {
		t.Fatal("stale connection delivered a message")
	}

	relay.Disconnect(first)
	if c, ok := reg.Lookup("alice"); !ok || c != second {
		t.Fatal("stale disconnect removed the newer registration")
	}

	relay.Disconnect(second)
	if _, ok := reg.Lookup("alice"); ok {
		t.Fatal("registration survived its own disconnect")
	}
}

func TestRelay_DeliveryFailureIsOffline(t *testing.T) {
	relay, _ := newRelay()
	alice, bob := &fakeConn{id: "c1"}, &fakeConn{id: "c2", fail: true}
	relay.Register("alice", alice)
	relay.Register("bob", bob)

	err := relay.Route(context.Background(), alice, []byte(`{"type":"call-ended","from":"alice","to":"bob"}`))
	if !errors.Is(err, domain.ErrRecipientOffline) {
		t.Fatalf("err = %v, want ErrRecipientOffline", err)
	}
}

func TestRelay_SpoofedSenderDropped(t *testing.T) {
	relay, _ := newRelay()
	alice, bob := &fakeConn{id: "c1"}, &fakeConn{id: "c2"}
	relay.Register("alice", alice)
	relay.Register("bob", bob)

	err := relay.Route(context.Background(), alice, []byte(`{"type":"call-ended","from":"carol","to":"bob"}`))
	if !errors.Is(err, domain.ErrInvalidSignal) {
		t.Fatalf("err = %v", err)
	}
	if len(bob.got) != 0 {
		t.Fatal("spoofed message delivered")
	}
}
