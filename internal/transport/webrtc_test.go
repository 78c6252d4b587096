package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/wire"
)

// pipeSignaler delivers one side's signaling to the other in order, the way
// the relay would: the receiver sees the sender in From.
type pipeSignaler struct {
	from  string
	queue chan models.SignalMessage
}

func newPipeSignaler(from string) *pipeSignaler {
	return &pipeSignaler{from: from, queue: make(chan models.SignalMessage, 128)}
}

func (p *pipeSignaler) Emit(msg models.SignalMessage) error {
	msg.From = p.from
	msg.To = ""
	p.queue <- msg
	return nil
}

func (p *pipeSignaler) deliver(ctx context.Context, t *testing.T, to Transport) {
	for {
		select {
		case msg := <-p.queue:
			if err := to.HandleSignal(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("HandleSignal(%s): %v", msg.Type, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func newLoopbackPair(t *testing.T) (*WebRTC, *WebRTC, chan Event, chan Event, context.Context) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	toBeta := newPipeSignaler("alpha")
	toAlpha := newPipeSignaler("beta")
	eventsA := make(chan Event, 64)
	eventsB := make(chan Event, 64)

	// Empty ICE config means host candidates only (loopback).
	alpha, err := NewWebRTC(nil, nil, Options{Peer: "beta", Session: 1, Signaler: toBeta, Events: eventsA}, logger)
	if err != nil {
		t.Fatalf("NewWebRTC alpha: %v", err)
	}
	t.Cleanup(func() { alpha.Close() })

	beta, err := NewWebRTC(nil, nil, Options{Peer: "alpha", Session: 7, Signaler: toAlpha, Events: eventsB}, logger)
	if err != nil {
		t.Fatalf("NewWebRTC beta: %v", err)
	}
	t.Cleanup(func() { beta.Close() })

	go toBeta.deliver(ctx, t, beta)
	go toAlpha.deliver(ctx, t, alpha)

	return alpha, beta, eventsA, eventsB, ctx
}

func TestWebRTC_ConnectAndSendFrame(t *testing.T) {
	alpha, _, eventsA, eventsB, ctx := newLoopbackPair(t)

	if err := alpha.Send(wire.Frame{Kind: wire.KindText, ID: "early"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send before open = %v, want ErrNotReady", err)
	}

	if err := alpha.SendOffer(ctx); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	waitEvent(t, eventsA, EventConnected)
	connected := waitEvent(t, eventsB, EventConnected)
	if connected.Session != 7 || connected.Peer != "alpha" {
		t.Fatalf("event tagged session=%d peer=%q, want 7/alpha", connected.Session, connected.Peer)
	}

	sent := wire.Frame{
		Kind: wire.KindText,
		ID:   "m-1",
		Text: &wire.TextPayload{Content: "hello", Sender: "alice", SenderID: "alpha"},
	}
	if err := alpha.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := waitEvent(t, eventsB, EventFrame)
	if got.Frame.Kind != wire.KindText || got.Frame.ID != "m-1" {
		t.Fatalf("frame = %+v", got.Frame)
	}
	if got.Frame.Text == nil || got.Frame.Text.Content != "hello" {
		t.Fatalf("text payload = %+v", got.Frame.Text)
	}
}

func TestWebRTC_RenegotiateWithVideoTrack(t *testing.T) {
	alpha, beta, eventsA, eventsB, ctx := newLoopbackPair(t)

	if err := beta.Renegotiate(ctx); !errors.Is(err, ErrNotNegotiated) {
		t.Fatalf("Renegotiate before negotiation = %v, want ErrNotNegotiated", err)
	}

	if err := alpha.SendOffer(ctx); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	waitEvent(t, eventsA, EventConnected)
	waitEvent(t, eventsB, EventConnected)

	// beta accepted the call and waits for alpha's offer.
	if err := beta.AddLocalMediaTrack(); err != nil {
		t.Fatalf("beta AddLocalMediaTrack: %v", err)
	}
	beta.SetRenegotiationFlag(false)
	if err := beta.Renegotiate(ctx); err != nil {
		t.Fatalf("beta Renegotiate: %v", err)
	}

	if err := alpha.AddLocalMediaTrack(); err != nil {
		t.Fatalf("alpha AddLocalMediaTrack: %v", err)
	}
	alpha.SetRenegotiationFlag(true)
	if err := alpha.Renegotiate(ctx); err != nil {
		t.Fatalf("alpha Renegotiate: %v", err)
	}

	waitEvent(t, eventsA, EventRenegotiated)
	waitEvent(t, eventsB, EventRenegotiated)

	if alpha.VideoTrack() == nil || beta.VideoTrack() == nil {
		t.Fatalf("expected both sides to hold a local video track")
	}

	// The data channel survives the renegotiation.
	if err := beta.Send(wire.Frame{Kind: wire.KindTextAck, ID: "m-2"}); err != nil {
		t.Fatalf("Send after renegotiation: %v", err)
	}
	if got := waitEvent(t, eventsA, EventFrame); got.Frame.ID != "m-2" {
		t.Fatalf("frame id = %q, want m-2", got.Frame.ID)
	}
}

func TestWebRTC_ClosedTransportRejectsOperations(t *testing.T) {
	alpha, _, _, _, ctx := newLoopbackPair(t)

	if err := alpha.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := alpha.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := alpha.SendOffer(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendOffer after Close = %v, want ErrClosed", err)
	}
	if err := alpha.Send(wire.Frame{Kind: wire.KindText, ID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestWebRTC_RenegotiationDoesNotWaitForEventConsumer(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	events := make(chan Event, 1)
	w, err := NewWebRTC(nil, nil, Options{Peer: "beta", Session: 3, Signaler: newPipeSignaler("alpha"), Events: events}, logger)
	if err != nil {
		t.Fatalf("NewWebRTC: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	// The consumer is busy: its channel is full and it is the caller below.
	events <- Event{Type: EventFrame}
	w.completeRound()

	done := make(chan struct{})
	go func() {
		w.completeRound()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("completing a renegotiation round blocked on a full events channel")
	}

	<-events
	ev := waitEvent(t, events, EventRenegotiated)
	if ev.Session != 3 || ev.Peer != "beta" {
		t.Fatalf("event tagged session=%d peer=%q, want 3/beta", ev.Session, ev.Peer)
	}
}
