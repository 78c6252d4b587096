package peer

import (
	"context"
	"errors"

	"github.com/mossy-p/peerlink/internal/ledger"
	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/orchestrator"
	"github.com/mossy-p/peerlink/internal/transfer"
	"github.com/mossy-p/peerlink/internal/transport"
	"github.com/mossy-p/peerlink/internal/videocall"
	"github.com/mossy-p/peerlink/internal/wire"
)

func (c *Client) handleRelay(ctx context.Context, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeWelcome:
		// Consumed when dialing.

	case models.SignalTypeJoin:
		c.usernames[msg.From] = msg.Username
		c.notify(Update{Kind: UpdatePresence, Peer: msg.From, Username: msg.Username, Online: true})

	case models.SignalTypeLeave:
		c.notify(Update{Kind: UpdatePresence, Peer: msg.From, Username: msg.Username})

	case models.SignalTypeRequestConnection:
		c.usernames[msg.From] = msg.Username
		c.orch.OnInboundRequest(msg.From, msg.Username)
		c.notify(Update{Kind: UpdateConnectionRequest, Peer: msg.From, Username: msg.Username})

	case models.SignalTypeConnectionAccepted:
		c.onConnectionAccepted(ctx, msg.From)

	case models.SignalTypeConnectionRejected:
		if err := c.orch.OnRejected(msg.From); err != nil {
			c.logger.Warn("ignoring connection rejection", "peer", msg.From, "err", err)
			return
		}
		c.notifyStatus(msg.From)

	case models.SignalTypeConnectionSuccessful:
		if err := c.orch.OnConnected(msg.Remote); err != nil {
			c.logger.Warn("ignoring connection notice", "peer", msg.Remote, "err", err)
			return
		}
		c.notifyStatus(msg.Remote)

	case models.SignalTypePeerDisconnected:
		c.onPeerGone(msg.Remote)

	case models.SignalTypeRequestVideoCall:
		if rejected := c.calls.OnInboundRequest(msg.From, msg.Username); !rejected {
			c.notify(Update{Kind: UpdateCallRequest, Peer: msg.From, Username: msg.Username, Call: c.calls.State()})
		}

	case models.SignalTypeVideoCallAccepted:
		if err := c.calls.OnAccepted(ctx, msg.From); err != nil {
			c.logger.Warn("failed to start call renegotiation", "peer", msg.From, "err", err)
			c.notify(Update{Kind: UpdateError, Peer: msg.From, Err: err})
		}

	case models.SignalTypeVideoCallRejected:
		if err := c.calls.OnRejected(msg.From); err != nil {
			c.logger.Warn("ignoring call rejection", "peer", msg.From, "err", err)
			return
		}
		c.notify(Update{Kind: UpdateCall, Peer: msg.From, Call: c.calls.State()})

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		c.onSessionSignal(ctx, msg)

	case models.SignalTypeError:
		c.onRelayError(msg)

	default:
		c.logger.Warn("unknown relay event", "type", msg.Type)
	}
}

// onConnectionAccepted makes this side the offerer of the new session.
func (c *Client) onConnectionAccepted(ctx context.Context, from string) {
	if err := c.orch.OnAccepted(from); err != nil {
		c.logger.Warn("ignoring connection acceptance", "peer", from, "err", err)
		return
	}

	if err := c.sessions.Create(from); err != nil {
		c.failNegotiation(from, err)
		return
	}
	c.offeredTo = from
	if err := c.sessions.SendOffer(ctx); err != nil {
		c.failNegotiation(from, err)
	}
}

func (c *Client) onSessionSignal(ctx context.Context, msg models.SignalMessage) {
	// Only a peer whose request we accepted may open a session with us.
	if msg.Type == models.SignalTypeOffer && !c.sessions.Active() && c.orch.Status(msg.From) != orchestrator.StatusRequesting {
		c.logger.Warn("dropping unsolicited offer", "peer", msg.From)
		return
	}

	if err := c.sessions.HandleSignal(ctx, msg); err != nil {
		c.logger.Warn("failed to apply session signal", "peer", msg.From, "type", msg.Type, "err", err)
		if c.orch.Status(msg.From) == orchestrator.StatusRequesting && c.sessions.Peer() == msg.From {
			c.failNegotiation(msg.From, err)
		}
	}
}

// failNegotiation abandons a session that never got established.
func (c *Client) failNegotiation(peer string, err error) {
	c.logger.Warn("negotiation failed", "peer", peer, "err", err)
	if c.sessions.Peer() == peer {
		c.teardown()
	}
	if err := c.orch.OnNegotiationFailed(peer); err != nil {
		c.logger.Warn("failed to reset peer status", "peer", peer, "err", err)
	}
	c.notify(Update{Kind: UpdateError, Peer: peer, Err: err})
	c.notifyStatus(peer)
}

// onRelayError handles relay errors. Those naming a peer mean the peer could
// not be reached.
func (c *Client) onRelayError(msg models.SignalMessage) {
	c.logger.Warn("relay reported an error", "remote", msg.Remote, "error", msg.Error)
	err := errors.New(msg.Error)
	if msg.Remote == "" {
		c.notify(Update{Kind: UpdateError, Err: err})
		return
	}

	if c.orch.Status(msg.Remote) == orchestrator.StatusRequesting {
		c.failNegotiation(msg.Remote, err)
		return
	}
	if c.calls.State() == videocall.StateRequesting && c.calls.Peer() == msg.Remote {
		_ = c.calls.OnRejected(msg.Remote)
	}
	c.notify(Update{Kind: UpdateError, Peer: msg.Remote, Err: err})
}

// onPeerGone records the end of the session with peer, whoever noticed it.
func (c *Client) onPeerGone(peer string) {
	if c.sessions.Peer() == peer {
		c.teardown()
	}
	before := c.orch.Status(peer)
	if err := c.orch.OnPeerDisconnected(peer); err != nil {
		c.logger.Warn("failed to record disconnect", "peer", peer, "err", err)
		return
	}
	if c.orch.Status(peer) != before {
		c.notifyStatus(peer)
	}
}

func (c *Client) handleTransport(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		if c.offeredTo != ev.Peer {
			return
		}
		if err := c.relay.Emit(models.SignalMessage{
			Type:   models.SignalTypeConnectionSuccessful,
			Remote: ev.Peer,
		}); err != nil {
			c.logger.Warn("failed to report established session", "peer", ev.Peer, "err", err)
		}

	case transport.EventDisconnected:
		// The remote side learns about the drop from its own transport or
		// from the relay.
		c.logger.Info("session dropped", "peer", ev.Peer, "err", ev.Err)
		c.onPeerGone(ev.Peer)

	case transport.EventFrame:
		c.handleFrame(ev.Peer, ev.Frame)

	case transport.EventRenegotiated:
		if c.calls.OnRenegotiated() {
			c.notify(Update{Kind: UpdateCall, Peer: ev.Peer, Call: c.calls.State()})
		}

	case transport.EventRemoteTrack:
		c.logger.Info("receiving remote media", "peer", ev.Peer, "kind", ev.Kind, "track", ev.TrackID)
		c.calls.OnRemoteTrack()
	}
}

func (c *Client) handleFrame(peer string, f wire.Frame) {
	switch f.Kind {
	case wire.KindText:
		id := c.ledger.AppendInbound(peer, ledger.TypeText, ledger.Data{
			Content:  f.Text.Content,
			Sender:   f.Text.Sender,
			SenderID: f.Text.SenderID,
		})
		c.notify(Update{Kind: UpdateMessage, Peer: peer, MessageID: id})
		if err := c.sessions.Send(wire.Frame{Kind: wire.KindTextAck, ID: f.ID}); err != nil {
			c.logger.Warn("failed to acknowledge message", "peer", peer, "id", f.ID, "err", err)
		}

	case wire.KindTextAck:
		if c.ledger.MarkConfirmed(peer, f.ID, "") {
			c.notify(Update{Kind: UpdateMessage, Peer: peer, MessageID: f.ID})
		}

	case wire.KindFileStart, wire.KindFileChunk, wire.KindChunkAck:
		res, err := c.transfers.HandleFrame(peer, f)
		if err != nil {
			c.logger.Warn("file frame rejected", "peer", peer, "kind", f.Kind.String(), "id", f.ID, "index", f.Index, "err", err)
			if !errors.Is(err, transfer.ErrDuplicateUnit) {
				c.notify(Update{Kind: UpdateError, Peer: peer, Err: err})
			}
			return
		}
		if f.Kind == wire.KindChunkAck {
			c.notify(Update{Kind: UpdateProgress, Peer: peer, MessageID: f.ID, Progress: c.transfers.Progress()})
		}
		if done := res.Completion; done != nil {
			if c.ledger.MarkConfirmed(peer, done.MessageID, done.URL) {
				c.notify(Update{Kind: UpdateMessage, Peer: peer, MessageID: done.MessageID})
			}
		}
		if file := res.Artifact; file != nil {
			id := c.ledger.AppendInbound(peer, ledger.TypeFile, ledger.Data{
				Name:     file.Name,
				URL:      transfer.FileURL(file.Path),
				Sender:   c.usernames[peer],
				SenderID: peer,
			})
			c.notify(Update{Kind: UpdateFileReceived, Peer: peer, MessageID: id, File: file})
		}

	default:
		c.logger.Warn("unknown frame kind", "peer", peer, "kind", f.Kind.String())
	}
}
