// Package videocall runs the call handshake on top of a live peer session.
// An accepted call renegotiates the session to add a video track on both
// ends; the caller sends the offer.
package videocall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mossy-p/peerlink/internal/models"
)

type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateIncoming   State = "incoming"
	StateActive     State = "active"
)

var (
	ErrNotConnected    = errors.New("videocall: peer is not connected")
	ErrCallInProgress  = errors.New("videocall: a call is already in progress")
	ErrNoIncomingCall  = errors.New("videocall: no incoming call")
	ErrNoActiveCall    = errors.New("videocall: no active call")
	ErrUnexpectedEvent = errors.New("videocall: event does not match call state")
)

type Signaler interface {
	Emit(msg models.SignalMessage) error
}

// Renegotiator adds media to the live session. The session manager
// implements it.
type Renegotiator interface {
	Renegotiate(ctx context.Context, addTrack, initiate bool) error
	CancelRenegotiation()
}

// Request is an incoming call awaiting a local answer.
type Request struct {
	From     string
	Username string
}

// Controller is owned by the client's dispatch goroutine.
type Controller struct {
	relay       Signaler
	session     Renegotiator
	isConnected func(peer string) bool
	username    string
	logger      *slog.Logger

	state   State
	peer    string
	pending *Request
	// remoteMedia is true while the remote video is being consumed.
	remoteMedia bool
}

// New returns an idle controller. isConnected reports whether a peer has a
// live session; calls are only possible with such peers.
func New(relay Signaler, session Renegotiator, isConnected func(peer string) bool, username string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		relay:       relay,
		session:     session,
		isConnected: isConnected,
		username:    username,
		logger:      logger,
		state:       StateIdle,
	}
}

func (c *Controller) State() State {
	return c.state
}

// Peer returns the remote party of the current call, if any.
func (c *Controller) Peer() string {
	return c.peer
}

func (c *Controller) Pending() (Request, bool) {
	if c.pending == nil {
		return Request{}, false
	}
	return *c.pending, true
}

// RemoteMedia reports whether remote video is being consumed.
func (c *Controller) RemoteMedia() bool {
	return c.remoteMedia
}

// Request asks peer for a video call. Nothing is sent unless peer is
// connected and no call is under way.
func (c *Controller) Request(peer string) error {
	if !c.isConnected(peer) {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	if c.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrCallInProgress, c.state)
	}

	if err := c.relay.Emit(models.SignalMessage{
		Type:            models.SignalTypeRequestVideoCall,
		PeerID:          peer,
		RequestUsername: c.username,
	}); err != nil {
		return fmt.Errorf("sending call request: %w", err)
	}
	c.state = StateRequesting
	c.peer = peer
	return nil
}

// OnInboundRequest records an incoming call, replacing an unanswered one.
// Requests from peers without a live session, or arriving during an active
// call, are rejected on the spot; it reports whether that happened.
func (c *Controller) OnInboundRequest(from, username string) bool {
	if !c.isConnected(from) || c.state == StateActive {
		c.logger.Info("rejecting call request by policy", "peer", from, "state", string(c.state))
		if err := c.relay.Emit(models.SignalMessage{
			Type: models.SignalTypeVideoCallRejected,
			To:   from,
		}); err != nil {
			c.logger.Warn("failed to send call rejection", "peer", from, "err", err)
		}
		return true
	}

	if c.pending != nil && c.pending.From != from {
		c.logger.Info("call request replaced", "previous", c.pending.From, "peer", from)
	}
	c.pending = &Request{From: from, Username: username}
	if c.state == StateIdle {
		c.state = StateIncoming
	}
	return false
}

// Accept answers the incoming call. The local track is armed before the
// acceptance goes out so that it rides on the caller's offer.
func (c *Controller) Accept(ctx context.Context) (Request, error) {
	if c.pending == nil {
		return Request{}, ErrNoIncomingCall
	}
	req := *c.pending

	if err := c.session.Renegotiate(ctx, true, false); err != nil {
		return Request{}, err
	}
	if err := c.relay.Emit(models.SignalMessage{
		Type: models.SignalTypeVideoCallAccepted,
		To:   req.From,
	}); err != nil {
		// The caller never learns of the acceptance, so no offer will come.
		c.session.CancelRenegotiation()
		return Request{}, fmt.Errorf("sending call acceptance: %w", err)
	}

	c.pending = nil
	c.state = StateActive
	c.peer = req.From
	return req, nil
}

func (c *Controller) Reject() (Request, error) {
	if c.pending == nil {
		return Request{}, ErrNoIncomingCall
	}
	req := *c.pending

	if err := c.relay.Emit(models.SignalMessage{
		Type: models.SignalTypeVideoCallRejected,
		To:   req.From,
	}); err != nil {
		return Request{}, fmt.Errorf("sending call rejection: %w", err)
	}
	c.pending = nil
	if c.state == StateIncoming {
		c.state = StateIdle
	}
	return req, nil
}

// OnAccepted starts the renegotiation as the offering side. The call turns
// active once OnRenegotiated reports completion.
func (c *Controller) OnAccepted(ctx context.Context, from string) error {
	if c.state != StateRequesting || c.peer != from {
		return fmt.Errorf("%w: acceptance from %s while %s", ErrUnexpectedEvent, from, c.state)
	}
	return c.session.Renegotiate(ctx, true, true)
}

func (c *Controller) OnRejected(from string) error {
	if c.state != StateRequesting || c.peer != from {
		return fmt.Errorf("%w: rejection from %s while %s", ErrUnexpectedEvent, from, c.state)
	}
	c.state = StateIdle
	c.peer = ""
	return nil
}

// OnRenegotiated completes the caller side of the handshake. It reports
// whether the call became active.
func (c *Controller) OnRenegotiated() bool {
	if c.state != StateRequesting {
		return false
	}
	c.state = StateActive
	return true
}

func (c *Controller) OnRemoteTrack() {
	if c.state == StateActive || c.state == StateRequesting {
		c.remoteMedia = true
	}
}

// End stops the call locally. The remote is not told; it keeps its session.
func (c *Controller) End() error {
	if c.state != StateActive {
		return ErrNoActiveCall
	}
	c.state = StateIdle
	c.peer = ""
	c.remoteMedia = false
	return nil
}

// Reset drops all call state after the session went away.
func (c *Controller) Reset() {
	c.state = StateIdle
	c.peer = ""
	c.pending = nil
	c.remoteMedia = false
}
