// Package orchestrator owns the connection-request handshake and the
// per-peer connection status table.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mossy-p/peerlink/internal/models"
)

// Status is the connection state of one remote peer.
type Status string

const (
	StatusUnset        Status = ""
	StatusRequesting   Status = "requesting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

func (s Status) String() string {
	if s == StatusUnset {
		return "unset"
	}
	return string(s)
}

// allowed lists every legal transition. Anything else is refused.
var allowed = map[Status][]Status{
	StatusUnset:        {StatusRequesting},
	StatusRequesting:   {StatusConnected, StatusUnset},
	StatusConnected:    {StatusDisconnected},
	StatusDisconnected: {StatusRequesting},
}

var (
	ErrInvalidTransition = errors.New("orchestrator: invalid status transition")
	ErrAlreadyRequested  = errors.New("orchestrator: peer already requesting or connected")
	ErrNoPendingRequest  = errors.New("orchestrator: no pending connection request")
	ErrUnexpectedEvent   = errors.New("orchestrator: event does not match peer state")
)

// Signaler sends events to the relay.
type Signaler interface {
	Emit(msg models.SignalMessage) error
}

// Request is an inbound connection or call request awaiting a local answer.
type Request struct {
	From     string
	Username string
}

// Orchestrator is owned by the client's dispatch goroutine and is not safe
// for concurrent use.
type Orchestrator struct {
	relay    Signaler
	username string
	logger   *slog.Logger

	statuses map[string]Status
	pending  *Request
}

func New(relay Signaler, username string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		relay:    relay,
		username: username,
		logger:   logger,
		statuses: make(map[string]Status),
	}
}

// Status returns the status of peer; peers never contacted are unset.
func (o *Orchestrator) Status(peer string) Status {
	return o.statuses[peer]
}

// Statuses returns a copy of the status table.
func (o *Orchestrator) Statuses() map[string]Status {
	out := make(map[string]Status, len(o.statuses))
	for k, v := range o.statuses {
		out[k] = v
	}
	return out
}

// Pending returns the inbound request awaiting an answer, if any.
func (o *Orchestrator) Pending() (Request, bool) {
	if o.pending == nil {
		return Request{}, false
	}
	return *o.pending, true
}

func canTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (o *Orchestrator) transition(peer string, to Status) error {
	from := o.statuses[peer]
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, peer, from, to)
	}
	o.statuses[peer] = to
	o.logger.Debug("peer status changed", "peer", peer, "from", from.String(), "to", to.String())
	return nil
}

// RequestConnection asks the relay to forward a connection request to peer.
func (o *Orchestrator) RequestConnection(peer string) error {
	switch o.statuses[peer] {
	case StatusRequesting, StatusConnected:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRequested, peer, o.statuses[peer])
	}

	if err := o.relay.Emit(models.SignalMessage{
		Type:            models.SignalTypeRequestConnection,
		PeerID:          peer,
		RequestUsername: o.username,
	}); err != nil {
		return fmt.Errorf("sending connection request: %w", err)
	}
	return o.transition(peer, StatusRequesting)
}

// OnInboundRequest surfaces a request from another peer. A newer request
// replaces an unanswered one.
func (o *Orchestrator) OnInboundRequest(from, username string) {
	if o.pending != nil && o.pending.From != from {
		o.logger.Info("connection request replaced", "previous", o.pending.From, "peer", from)
	}
	o.pending = &Request{From: from, Username: username}
}

// Accept answers the pending request. The accepting side never creates the
// transport: the requester receives connection-accepted and sends the offer.
// The requester's status moves to requesting while that offer is awaited.
func (o *Orchestrator) Accept() (Request, error) {
	if o.pending == nil {
		return Request{}, ErrNoPendingRequest
	}
	req := *o.pending

	if err := o.relay.Emit(models.SignalMessage{
		Type: models.SignalTypeConnectionAccepted,
		To:   req.From,
	}); err != nil {
		return Request{}, fmt.Errorf("sending acceptance: %w", err)
	}
	o.pending = nil

	switch o.statuses[req.From] {
	case StatusUnset, StatusDisconnected:
		if err := o.transition(req.From, StatusRequesting); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// Reject declines the pending request. The local status is left untouched.
func (o *Orchestrator) Reject() (Request, error) {
	if o.pending == nil {
		return Request{}, ErrNoPendingRequest
	}
	req := *o.pending

	if err := o.relay.Emit(models.SignalMessage{
		Type: models.SignalTypeConnectionRejected,
		To:   req.From,
	}); err != nil {
		return Request{}, fmt.Errorf("sending rejection: %w", err)
	}
	o.pending = nil
	return req, nil
}

// OnAccepted validates a connection-accepted event. The caller creates the
// session and sends the offer only when it returns nil.
func (o *Orchestrator) OnAccepted(from string) error {
	if o.statuses[from] != StatusRequesting {
		return fmt.Errorf("%w: acceptance from %s while %s", ErrUnexpectedEvent, from, o.statuses[from])
	}
	return nil
}

// OnRejected resets a requesting peer to unset.
func (o *Orchestrator) OnRejected(from string) error {
	if o.statuses[from] != StatusRequesting {
		return fmt.Errorf("%w: rejection from %s while %s", ErrUnexpectedEvent, from, o.statuses[from])
	}
	return o.transition(from, StatusUnset)
}

// OnConnected marks the session with remote as established. Repeated
// notifications for an already connected peer are ignored.
func (o *Orchestrator) OnConnected(remote string) error {
	if o.statuses[remote] == StatusConnected {
		return nil
	}
	return o.transition(remote, StatusConnected)
}

// OnPeerDisconnected records the loss of a session. A peer that never got
// past requesting reverts to unset. There is no automatic retry.
func (o *Orchestrator) OnPeerDisconnected(peer string) error {
	switch o.statuses[peer] {
	case StatusConnected:
		return o.transition(peer, StatusDisconnected)
	case StatusRequesting:
		return o.transition(peer, StatusUnset)
	default:
		return nil
	}
}

// OnNegotiationFailed reverts a requesting peer to unset, for relay errors
// such as an unknown target.
func (o *Orchestrator) OnNegotiationFailed(peer string) error {
	if o.statuses[peer] != StatusRequesting {
		return nil
	}
	return o.transition(peer, StatusUnset)
}

// Disconnect notifies the relay that the local side tore the session down.
// The caller closes the transport; this never waits for the remote.
func (o *Orchestrator) Disconnect(peer string) error {
	if err := o.relay.Emit(models.SignalMessage{
		Type:   models.SignalTypePeerDisconnected,
		Remote: peer,
	}); err != nil {
		o.logger.Warn("failed to notify relay of disconnect", "peer", peer, "err", err)
	}
	return o.OnPeerDisconnected(peer)
}
