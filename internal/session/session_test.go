package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/transport"
	"github.com/mossy-p/peerlink/internal/transport/transporttest"
	"github.com/mossy-p/peerlink/internal/wire"
)

// linkSignaler hands signaling straight to the other manager, stamping the
// sender the way the relay does.
type linkSignaler struct {
	t     *testing.T
	local string
	to    *Manager
}

func (l *linkSignaler) Emit(msg models.SignalMessage) error {
	msg.From = l.local
	msg.To = ""
	if err := l.to.HandleSignal(context.Background(), msg); err != nil {
		l.t.Errorf("HandleSignal(%s) at remote of %s: %v", msg.Type, l.local, err)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPair(t *testing.T) (*Manager, *Manager, *transporttest.Network) {
	t.Helper()
	network := transporttest.NewNetwork()
	toBob := &linkSignaler{t: t, local: "alice"}
	toAlice := &linkSignaler{t: t, local: "bob"}
	alice := New(network.Factory("alice"), toBob, testLogger())
	bob := New(network.Factory("bob"), toAlice, testLogger())
	toBob.to = bob
	toAlice.to = alice
	return alice, bob, network
}

func nextEvent(t *testing.T, m *Manager) transport.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	default:
		t.Fatalf("no transport event queued")
		return transport.Event{}
	}
}

func connect(t *testing.T, alice, bob *Manager) {
	t.Helper()
	if err := alice.Create("bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := alice.SendOffer(context.Background()); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if ev := nextEvent(t, bob); ev.Type != transport.EventConnected || !bob.Observe(ev) {
		t.Fatalf("bob event = %s, want observed connected", ev.Type)
	}
	if ev := nextEvent(t, alice); ev.Type != transport.EventConnected || !alice.Observe(ev) {
		t.Fatalf("alice event = %s, want observed connected", ev.Type)
	}
}

func TestManager_OfferCreatesPassiveSession(t *testing.T) {
	alice, bob, _ := newPair(t)
	connect(t, alice, bob)

	if bob.Peer() != "alice" || !bob.Active() {
		t.Fatalf("bob session peer=%q active=%v", bob.Peer(), bob.Active())
	}

	if err := alice.Send(wire.Frame{Kind: wire.KindTextAck, ID: "m-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ev := nextEvent(t, bob)
	if ev.Type != transport.EventFrame || ev.Frame.ID != "m-1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestManager_CreateWhileActive(t *testing.T) {
	alice, _, _ := newPair(t)
	if err := alice.Create("bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := alice.Create("carol"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Create = %v, want ErrSessionActive", err)
	}
}

func TestManager_NoSession(t *testing.T) {
	alice, _, _ := newPair(t)
	ctx := context.Background()

	if err := alice.SendOffer(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SendOffer = %v, want ErrNoSession", err)
	}
	if err := alice.Send(wire.Frame{Kind: wire.KindTextAck, ID: "x"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Send = %v, want ErrNoSession", err)
	}
	if err := alice.Renegotiate(ctx, true, true); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Renegotiate = %v, want ErrNoSession", err)
	}
	if err := alice.HandleSignal(ctx, models.SignalMessage{Type: models.SignalTypeAnswer, From: "bob"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("HandleSignal answer = %v, want ErrNoSession", err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("Close without session: %v", err)
	}
}

func TestManager_SignalFromOtherPeer(t *testing.T) {
	alice, _, _ := newPair(t)
	if err := alice.Create("bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := alice.HandleSignal(context.Background(), models.SignalMessage{Type: models.SignalTypeCandidate, From: "mallory"})
	if !errors.Is(err, ErrWrongPeer) {
		t.Fatalf("HandleSignal = %v, want ErrWrongPeer", err)
	}
}

func TestManager_RenegotiationIsExclusive(t *testing.T) {
	alice, bob, network := newPair(t)
	connect(t, alice, bob)
	ctx := context.Background()

	// bob accepted the call: it arms its track and waits for the offer.
	if err := bob.Renegotiate(ctx, true, false); err != nil {
		t.Fatalf("bob Renegotiate: %v", err)
	}
	if err := bob.Renegotiate(ctx, true, false); !errors.Is(err, ErrOperationInFlight) {
		t.Fatalf("second Renegotiate = %v, want ErrOperationInFlight", err)
	}

	if err := alice.Renegotiate(ctx, true, true); err != nil {
		t.Fatalf("alice Renegotiate: %v", err)
	}

	for _, m := range []*Manager{bob, alice} {
		ev := nextEvent(t, m)
		if ev.Type != transport.EventRenegotiated || !m.Observe(ev) {
			t.Fatalf("event = %s, want renegotiated", ev.Type)
		}
		if m.Renegotiating() {
			t.Fatalf("guard still held after renegotiation")
		}
	}

	if got := network.Transport("alice").Tracks(); got != 1 {
		t.Fatalf("alice tracks = %d, want 1", got)
	}
	if got := network.Transport("bob").Tracks(); got != 1 {
		t.Fatalf("bob tracks = %d, want 1", got)
	}
}

func TestManager_CloseDiscardsPendingAndFiltersStaleEvents(t *testing.T) {
	alice, bob, network := newPair(t)
	connect(t, alice, bob)
	ctx := context.Background()

	if err := bob.Renegotiate(ctx, true, false); err != nil {
		t.Fatalf("Renegotiate: %v", err)
	}
	old := network.Transport("bob")

	if err := bob.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if bob.Active() || bob.Renegotiating() || bob.Peer() != "" {
		t.Fatalf("session not cleared: active=%v renegotiating=%v peer=%q", bob.Active(), bob.Renegotiating(), bob.Peer())
	}
	if !old.Closed() {
		t.Fatalf("transport not closed")
	}

	// alice sees the drop.
	if ev := nextEvent(t, alice); ev.Type != transport.EventDisconnected || !alice.Observe(ev) {
		t.Fatalf("alice event = %s, want disconnected", ev.Type)
	}

	// A late event from bob's old transport is ignored.
	if bob.Observe(transport.Event{Type: transport.EventFrame, Session: 1}) {
		t.Fatalf("stale event observed with no session")
	}
	if err := bob.Create("carol"); err != nil {
		t.Fatalf("Create after Close: %v", err)
	}
	if bob.Observe(transport.Event{Type: transport.EventFrame, Session: 1}) {
		t.Fatalf("event of previous session observed")
	}
}

func TestManager_CancelledRenegotiationReleasesGuardAndTrack(t *testing.T) {
	alice, bob, network := newPair(t)
	connect(t, alice, bob)
	ctx := context.Background()

	if err := bob.Renegotiate(ctx, true, false); err != nil {
		t.Fatalf("bob Renegotiate: %v", err)
	}
	bob.CancelRenegotiation()
	if bob.Renegotiating() {
		t.Fatalf("guard still held after CancelRenegotiation")
	}

	// A later round that is not a call must not pick up the dropped track.
	if err := alice.Renegotiate(ctx, false, true); err != nil {
		t.Fatalf("alice Renegotiate: %v", err)
	}
	for _, m := range []*Manager{bob, alice} {
		if ev := nextEvent(t, m); ev.Type != transport.EventRenegotiated || !m.Observe(ev) {
			t.Fatalf("event = %s, want renegotiated", ev.Type)
		}
	}
	if got := network.Transport("bob").Tracks(); got != 0 {
		t.Fatalf("bob tracks = %d, want 0", got)
	}

	if err := bob.Renegotiate(ctx, true, false); err != nil {
		t.Fatalf("Renegotiate after cancel: %v", err)
	}
}

func TestManager_FailedRenegotiationDropsArmedTrack(t *testing.T) {
	alice, bob, network := newPair(t)
	ctx := context.Background()

	if err := alice.Create("bob"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := alice.Renegotiate(ctx, true, false); !errors.Is(err, transport.ErrNotNegotiated) {
		t.Fatalf("Renegotiate before negotiation = %v, want ErrNotNegotiated", err)
	}
	if alice.Renegotiating() {
		t.Fatalf("guard held after failed renegotiation")
	}

	// alice answers bob's offer; nothing armed may ride on that answer.
	if err := bob.Create("alice"); err != nil {
		t.Fatalf("bob Create: %v", err)
	}
	if err := bob.SendOffer(ctx); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if got := network.Transport("alice").Tracks(); got != 0 {
		t.Fatalf("alice tracks = %d, want 0", got)
	}
}
