package orchestrator

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/mossy-p/peerlink/internal/models"
)

type recordingRelay struct {
	sent []models.SignalMessage
	err  error
}

func (r *recordingRelay) Emit(msg models.SignalMessage) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestRequestConnection(t *testing.T) {
	relay := &recordingRelay{}
	o := New(relay, "alice", nil)

	if err := o.RequestConnection("bob"); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	if got := o.Status("bob"); got != StatusRequesting {
		t.Fatalf("status=%s, want requesting", got)
	}
	if len(relay.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(relay.sent))
	}
	msg := relay.sent[0]
	if msg.Type != models.SignalTypeRequestConnection || msg.PeerID != "bob" || msg.RequestUsername != "alice" {
		t.Fatalf("sent %+v", msg)
	}

	if err := o.RequestConnection("bob"); !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("second request err=%v, want ErrAlreadyRequested", err)
	}
	if len(relay.sent) != 1 {
		t.Fatalf("guarded request reached the relay")
	}
}

func TestRequestConnection_RelayFailureLeavesStatus(t *testing.T) {
	relay := &recordingRelay{err: errors.New("closed")}
	o := New(relay, "alice", nil)

	if err := o.RequestConnection("bob"); err == nil {
		t.Fatalf("expected error")
	}
	if got := o.Status("bob"); got != StatusUnset {
		t.Fatalf("status=%s, want unset", got)
	}
}

func TestInboundRequestOverwrites(t *testing.T) {
	o := New(&recordingRelay{}, "bob", nil)
	o.OnInboundRequest("alice", "Alice")
	o.OnInboundRequest("carol", "Carol")

	req, ok := o.Pending()
	if !ok || req.From != "carol" {
		t.Fatalf("pending=%+v ok=%v, want carol", req, ok)
	}
	if got := o.Status("alice"); got != StatusUnset {
		t.Fatalf("inbound request changed status to %s", got)
	}
}

func TestAcceptAndReject(t *testing.T) {
	relay := &recordingRelay{}
	o := New(relay, "bob", nil)

	if _, err := o.Accept(); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("Accept without request err=%v", err)
	}

	o.OnInboundRequest("alice", "Alice")
	req, err := o.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if req.From != "alice" {
		t.Fatalf("accepted %+v", req)
	}
	if _, ok := o.Pending(); ok {
		t.Fatalf("pending request not cleared")
	}
	if got := relay.sent[0]; got.Type != models.SignalTypeConnectionAccepted || got.To != "alice" {
		t.Fatalf("sent %+v", got)
	}
	if got := o.Status("alice"); got != StatusRequesting {
		t.Fatalf("status=%s, want requesting", got)
	}

	o.OnInboundRequest("carol", "Carol")
	if _, err := o.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := relay.sent[1]; got.Type != models.SignalTypeConnectionRejected || got.To != "carol" {
		t.Fatalf("sent %+v", got)
	}
	if got := o.Status("carol"); got != StatusUnset {
		t.Fatalf("reject changed status to %s", got)
	}
}

func TestLifecycle(t *testing.T) {
	o := New(&recordingRelay{}, "alice", nil)

	if err := o.OnAccepted("bob"); !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("unsolicited acceptance err=%v", err)
	}

	_ = o.RequestConnection("bob")
	if err := o.OnAccepted("bob"); err != nil {
		t.Fatalf("OnAccepted: %v", err)
	}
	if err := o.OnConnected("bob"); err != nil {
		t.Fatalf("OnConnected: %v", err)
	}
	if err := o.OnConnected("bob"); err != nil {
		t.Fatalf("repeated OnConnected: %v", err)
	}
	if err := o.OnPeerDisconnected("bob"); err != nil {
		t.Fatalf("OnPeerDisconnected: %v", err)
	}
	if got := o.Status("bob"); got != StatusDisconnected {
		t.Fatalf("status=%s, want disconnected", got)
	}
	if err := o.OnConnected("bob"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("disconnected -> connected err=%v", err)
	}
	if err := o.RequestConnection("bob"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := o.Status("bob"); got != StatusRequesting {
		t.Fatalf("status=%s, want requesting", got)
	}
}

func TestRejectionResetsRequester(t *testing.T) {
	o := New(&recordingRelay{}, "alice", nil)
	_ = o.RequestConnection("bob")

	if err := o.OnRejected("bob"); err != nil {
		t.Fatalf("OnRejected: %v", err)
	}
	if got := o.Status("bob"); got != StatusUnset {
		t.Fatalf("status=%s, want unset", got)
	}
}

func TestDisconnect(t *testing.T) {
	relay := &recordingRelay{}
	o := New(relay, "alice", nil)
	_ = o.RequestConnection("bob")
	_ = o.OnConnected("bob")

	if err := o.Disconnect("bob"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	last := relay.sent[len(relay.sent)-1]
	if last.Type != models.SignalTypePeerDisconnected || last.Remote != "bob" {
		t.Fatalf("sent %+v", last)
	}
	if got := o.Status("bob"); got != StatusDisconnected {
		t.Fatalf("status=%s, want disconnected", got)
	}
}

// Drive random event sequences and check that every observed change is one
// of the legal edges.
func TestOnlyLegalTransitionsReachable(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusUnset, StatusRequesting}:        true,
		{StatusRequesting, StatusConnected}:    true,
		{StatusRequesting, StatusUnset}:        true,
		{StatusConnected, StatusDisconnected}:  true,
		{StatusDisconnected, StatusRequesting}: true,
	}

	ops := []func(o *Orchestrator){
		func(o *Orchestrator) { _ = o.RequestConnection("p") },
		func(o *Orchestrator) { o.OnInboundRequest("p", "P") },
		func(o *Orchestrator) { _, _ = o.Accept() },
		func(o *Orchestrator) { _, _ = o.Reject() },
		func(o *Orchestrator) { _ = o.OnAccepted("p") },
		func(o *Orchestrator) { _ = o.OnRejected("p") },
		func(o *Orchestrator) { _ = o.OnConnected("p") },
		func(o *Orchestrator) { _ = o.OnPeerDisconnected("p") },
		func(o *Orchestrator) { _ = o.OnNegotiationFailed("p") },
		func(o *Orchestrator) { _ = o.Disconnect("p") },
	}

	rng := rand.New(rand.NewSource(1))
	for run := 0; run < 200; run++ {
		o := New(&recordingRelay{}, "me", nil)
		for step := 0; step < 30; step++ {
			before := o.Status("p")
			ops[rng.Intn(len(ops))](o)
			after := o.Status("p")
			if before != after && !legal[[2]Status{before, after}] {
				t.Fatalf("run %d step %d: illegal transition %s -> %s", run, step, before, after)
			}
		}
	}
}
