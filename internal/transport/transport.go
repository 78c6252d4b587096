// Package transport is the boundary to the direct peer-to-peer channel. The
// session layer only sees the Transport interface; WebRTC implements it on
// top of pion.
package transport

import (
	"context"
	"errors"

	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/wire"
)

var (
	// ErrNotReady is returned by Send before the data channel is open.
	ErrNotReady = errors.New("transport: data channel not open")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrNotNegotiated is returned by Renegotiate before the first
	// offer/answer round completed.
	ErrNotNegotiated = errors.New("transport: session not negotiated yet")
)

// EventType classifies transport notifications.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventFrame
	EventRenegotiated
	EventRemoteTrack
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	case EventRenegotiated:
		return "renegotiated"
	case EventRemoteTrack:
		return "remote-track"
	default:
		return "unknown"
	}
}

// Event is delivered on the channel handed to the factory. Session tells
// apart events of a torn-down transport from the current one.
type Event struct {
	Type    EventType
	Session uint64
	Peer    string
	Frame   wire.Frame
	TrackID string
	Kind    string
	Err     error
}

// Signaler carries session descriptions and candidates through the relay.
type Signaler interface {
	Emit(msg models.SignalMessage) error
}

// Transport is one direct channel to a single peer.
type Transport interface {
	// SendOffer opens the data channel and sends the initial offer. Only the
	// side that requested the connection calls it.
	SendOffer(ctx context.Context) error
	// HandleSignal applies an offer, answer or candidate from the relay.
	HandleSignal(ctx context.Context, msg models.SignalMessage) error
	// Send writes one frame on the data channel.
	Send(f wire.Frame) error
	// AddLocalMediaTrack prepares the local video track. It is attached by the
	// next Renegotiate, or by the answer to the remote's next offer.
	AddLocalMediaTrack() error
	// DiscardPendingMediaTrack drops a track prepared by AddLocalMediaTrack
	// that no negotiation has attached yet.
	DiscardPendingMediaTrack()
	// SetRenegotiationFlag records whether this side initiates the next
	// renegotiation round.
	SetRenegotiationFlag(initiate bool)
	// Renegotiate starts a new offer/answer round on the live session.
	// EventRenegotiated reports its completion.
	Renegotiate(ctx context.Context) error
	// Close releases local resources without waiting for the remote.
	Close() error
}

// Options configures a transport built by a Factory.
type Options struct {
	Peer     string
	Session  uint64
	Signaler Signaler
	Events   chan<- Event
}

// Factory builds the transport for one session.
type Factory func(opts Options) (Transport, error)
