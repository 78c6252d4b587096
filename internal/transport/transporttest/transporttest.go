// Package transporttest provides an in-memory Transport for tests of the
// layers above the peer channel. Frames still go through the wire codec.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/transport"
	"github.com/mossy-p/peerlink/internal/wire"
)

// Network connects the fake transports of several local peers.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Fake
	// FailSend makes every Send return the error when set.
	FailSend error
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Fake)}
}

// Factory returns the transport factory of the peer identified by local.
func (n *Network) Factory(local string) transport.Factory {
	return func(opts transport.Options) (transport.Transport, error) {
		f := &Fake{net: n, local: local, opts: opts}
		n.mu.Lock()
		n.nodes[local] = f
		n.mu.Unlock()
		return f, nil
	}
}

// Transport returns the latest transport created by local.
func (n *Network) Transport(local string) *Fake {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[local]
}

func (n *Network) partner(f *Fake) *Fake {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.nodes[f.opts.Peer]
	if p == nil || p.opts.Peer != f.local {
		return nil
	}
	return p
}

// Fake is an in-memory transport. Offers and answers still travel through
// the Signaler, so the relay path is exercised.
type Fake struct {
	net   *Network
	local string
	opts  transport.Options

	mu          sync.Mutex
	negotiated  bool
	connected   bool
	closed      bool
	initiate    bool
	trackQueued bool
	tracks      int
	sent        []wire.Frame
}

func (f *Fake) emit(ev transport.Event) {
	ev.Session = f.opts.Session
	ev.Peer = f.opts.Peer
	f.opts.Events <- ev
}

func (f *Fake) SendOffer(ctx context.Context) error {
	if f.isClosed() {
		return transport.ErrClosed
	}
	return f.offer()
}

func (f *Fake) offer() error {
	return f.opts.Signaler.Emit(models.SignalMessage{
		Type: models.SignalTypeOffer,
		To:   f.opts.Peer,
		SDP:  &models.SessionDescription{Type: "offer", SDP: "fake-offer from " + f.local},
	})
}

func (f *Fake) HandleSignal(ctx context.Context, msg models.SignalMessage) error {
	if f.isClosed() {
		return transport.ErrClosed
	}
	switch msg.Type {
	case models.SignalTypeOffer:
		f.attachQueuedTrack()
		if err := f.opts.Signaler.Emit(models.SignalMessage{
			Type: models.SignalTypeAnswer,
			To:   f.opts.Peer,
			SDP:  &models.SessionDescription{Type: "answer", SDP: "fake-answer from " + f.local},
		}); err != nil {
			return err
		}
		f.completeRound()
	case models.SignalTypeAnswer:
		f.completeRound()
	case models.SignalTypeCandidate:
	default:
		return fmt.Errorf("unexpected signal type %q", msg.Type)
	}
	return nil
}

func (f *Fake) completeRound() {
	f.mu.Lock()
	renegotiation := f.negotiated
	f.negotiated = true
	f.mu.Unlock()

	if renegotiation {
		f.emit(transport.Event{Type: transport.EventRenegotiated})
		return
	}
	f.markConnected()
}

func (f *Fake) markConnected() {
	f.mu.Lock()
	already := f.connected
	f.connected = true
	f.mu.Unlock()
	if !already {
		f.emit(transport.Event{Type: transport.EventConnected})
	}
}

func (f *Fake) attachQueuedTrack() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackQueued {
		f.trackQueued = false
		f.tracks++
	}
}

func (f *Fake) Send(frame wire.Frame) error {
	if f.isClosed() {
		return transport.ErrClosed
	}
	if err := f.net.FailSend; err != nil {
		return err
	}
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return transport.ErrNotReady
	}

	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()

	p := f.net.partner(f)
	if p == nil || p.isClosed() {
		return nil
	}
	decoded, err := wire.Decode(data)
	if err != nil {
		return err
	}
	p.emit(transport.Event{Type: transport.EventFrame, Frame: decoded})
	return nil
}

func (f *Fake) AddLocalMediaTrack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tracks == 0 {
		f.trackQueued = true
	}
	return nil
}

func (f *Fake) DiscardPendingMediaTrack() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackQueued = false
}

func (f *Fake) SetRenegotiationFlag(initiate bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiate = initiate
}

func (f *Fake) Renegotiate(ctx context.Context) error {
	if f.isClosed() {
		return transport.ErrClosed
	}
	f.mu.Lock()
	negotiated, initiate := f.negotiated, f.initiate
	f.mu.Unlock()
	if !negotiated {
		return transport.ErrNotNegotiated
	}
	if !initiate {
		return nil
	}
	f.attachQueuedTrack()
	return f.offer()
}

// Close marks the transport closed and reports the drop to the partner, as
// the closing data channel would.
func (f *Fake) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	if p := f.net.partner(f); p != nil && !p.isClosed() {
		p.emit(transport.Event{Type: transport.EventDisconnected})
	}
	return nil
}

func (f *Fake) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	return f.isClosed()
}

// Tracks returns the number of local tracks attached by negotiation.
func (f *Fake) Tracks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks
}

// Sent returns the frames written by Send.
func (f *Fake) Sent() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

// Disconnect simulates a transport failure.
func (f *Fake) Disconnect(err error) {
	f.emit(transport.Event{Type: transport.EventDisconnected, Err: err})
}
