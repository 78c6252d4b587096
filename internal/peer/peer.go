// Package peer is the client side of a peerlink user. Client runs a single
// dispatch loop that owns the connection status table, the peer session,
// the message ledger, the file transfer engine and the call controller.
// Relay events, transport events and local actions are all handled on that
// loop, one at a time.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mossy-p/peerlink/internal/ledger"
	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/orchestrator"
	"github.com/mossy-p/peerlink/internal/session"
	"github.com/mossy-p/peerlink/internal/transfer"
	"github.com/mossy-p/peerlink/internal/transport"
	"github.com/mossy-p/peerlink/internal/videocall"
	"github.com/mossy-p/peerlink/internal/wire"
)

const updateBufferSize = 128

var (
	ErrNoConversation = errors.New("peer: no active conversation")
	ErrNotConnected   = errors.New("peer: not connected to the conversation peer")
	ErrRelayClosed    = errors.New("peer: relay connection closed")
	ErrStopped        = errors.New("peer: client stopped")
)

// Relay is the client's view of the relay connection.
type Relay interface {
	Emit(msg models.SignalMessage) error
	Events() <-chan models.SignalMessage
}

type Options struct {
	// Self is the identity the relay assigned to this client.
	Self     string
	Username string
	Factory  transport.Factory
	Transfer transfer.Config
	Logger   *slog.Logger
}

// ActiveConversation is the peer the user is currently talking to.
type ActiveConversation struct {
	Peer     string
	Username string
}

type action struct {
	fn    func(ctx context.Context) error
	reply chan error
}

type Client struct {
	relay    Relay
	self     string
	username string
	logger   *slog.Logger

	orch      *orchestrator.Orchestrator
	sessions  *session.Manager
	ledger    *ledger.Ledger
	transfers *transfer.Engine
	calls     *videocall.Controller

	active *ActiveConversation
	// offeredTo is the peer this side sent the initial offer to. Only the
	// offering side reports the established session to the relay.
	offeredTo string
	usernames map[string]string

	actions chan action
	updates chan Update
	done    chan struct{}
}

func New(relay Relay, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("self", opts.Self)

	c := &Client{
		relay:     relay,
		self:      opts.Self,
		username:  opts.Username,
		logger:    logger,
		usernames: make(map[string]string),
		actions:   make(chan action),
		updates:   make(chan Update, updateBufferSize),
		done:      make(chan struct{}),
	}
	c.orch = orchestrator.New(relay, opts.Username, logger)
	c.sessions = session.New(opts.Factory, relay, logger)
	c.ledger = ledger.New(logger)
	c.transfers = transfer.New(c.sessions, opts.Transfer, logger)
	c.calls = videocall.New(relay, c.sessions, func(peer string) bool {
		return c.orch.Status(peer) == orchestrator.StatusConnected && c.sessions.Peer() == peer
	}, opts.Username, logger)
	return c
}

// Self returns the relay-assigned identity of this client.
func (c *Client) Self() string {
	return c.self
}

// Updates delivers notifications for the user interface. Updates are dropped
// when nobody reads them.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Run dispatches events until ctx is done or the relay connection ends. The
// session is torn down on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	defer func() {
		c.transfers.Abort()
		if err := c.sessions.Close(); err != nil {
			c.logger.Warn("failed to close session", "err", err)
		}
	}()

	relayEvents := c.relay.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-relayEvents:
			if !ok {
				return ErrRelayClosed
			}
			c.handleRelay(ctx, msg)

		case ev := <-c.sessions.Events():
			if c.sessions.Observe(ev) {
				c.handleTransport(ev)
			}

		case a := <-c.actions:
			a.reply <- a.fn(ctx)
		}
	}
}

// do runs fn on the dispatch loop and returns its error.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context) error) error {
	a := action{fn: fn, reply: make(chan error, 1)}
	select {
	case c.actions <- a:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.reply:
		return err
	case <-c.done:
		return ErrStopped
	}
}

func (c *Client) notify(u Update) {
	select {
	case c.updates <- u:
	default:
		c.logger.Debug("dropping update, nobody is listening", "kind", string(u.Kind))
	}
}

func (c *Client) notifyStatus(peer string) {
	c.notify(Update{Kind: UpdateStatus, Peer: peer, Status: c.orch.Status(peer)})
}

// conversation returns the active peer, checking that a session with it is
// live.
func (c *Client) conversation() (string, error) {
	if c.active == nil {
		return "", ErrNoConversation
	}
	peer := c.active.Peer
	if c.orch.Status(peer) != orchestrator.StatusConnected || c.sessions.Peer() != peer {
		return "", fmt.Errorf("%w: %s is %s", ErrNotConnected, peer, c.orch.Status(peer))
	}
	return peer, nil
}

func (c *Client) selectPeer(peer string) {
	c.active = &ActiveConversation{Peer: peer, Username: c.usernames[peer]}
}

// Select makes peer the active conversation without contacting it.
func (c *Client) Select(ctx context.Context, peer string) error {
	return c.do(ctx, func(context.Context) error {
		c.selectPeer(peer)
		return nil
	})
}

// RequestConnection asks peer for a session and selects it.
func (c *Client) RequestConnection(ctx context.Context, peer string) error {
	return c.do(ctx, func(context.Context) error {
		if c.sessions.Active() && c.sessions.Peer() != peer {
			return fmt.Errorf("%w: with %s", session.ErrSessionActive, c.sessions.Peer())
		}
		if err := c.orch.RequestConnection(peer); err != nil {
			return err
		}
		c.selectPeer(peer)
		c.notifyStatus(peer)
		return nil
	})
}

// AcceptConnection accepts the pending request and selects the requester.
// The requester then sends the offer.
func (c *Client) AcceptConnection(ctx context.Context) (ActiveConversation, error) {
	var conv ActiveConversation
	err := c.do(ctx, func(context.Context) error {
		if pending, ok := c.orch.Pending(); ok && c.sessions.Active() && c.sessions.Peer() != pending.From {
			return fmt.Errorf("%w: with %s", session.ErrSessionActive, c.sessions.Peer())
		}
		req, err := c.orch.Accept()
		if err != nil {
			return err
		}
		c.usernames[req.From] = req.Username
		c.selectPeer(req.From)
		conv = *c.active
		c.notifyStatus(req.From)
		return nil
	})
	return conv, err
}

func (c *Client) RejectConnection(ctx context.Context) error {
	return c.do(ctx, func(context.Context) error {
		_, err := c.orch.Reject()
		return err
	})
}

// Disconnect tears down the session with the active peer without waiting for
// the remote side.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, func(context.Context) error {
		if c.active == nil {
			return ErrNoConversation
		}
		peer := c.active.Peer
		if c.sessions.Peer() == peer {
			c.teardown()
		}
		if err := c.orch.Disconnect(peer); err != nil {
			return err
		}
		c.notifyStatus(peer)
		return nil
	})
}

// SendText sends a chat message to the active peer and returns its id. The
// message stays pending until the peer acknowledges it. Nothing is logged
// when the frame cannot be sent.
func (c *Client) SendText(ctx context.Context, content string) (string, error) {
	var id string
	err := c.do(ctx, func(context.Context) error {
		peer, err := c.conversation()
		if err != nil {
			return err
		}
		msgID := ledger.NewID()
		if err := c.sessions.Send(wire.Frame{
			Kind: wire.KindText,
			ID:   msgID,
			Text: &wire.TextPayload{Content: content, Sender: c.username, SenderID: c.self},
		}); err != nil {
			return err
		}

		c.ledger.AppendOutbound(peer, msgID, ledger.TypeText, ledger.Data{
			Content:  content,
			Sender:   c.username,
			SenderID: c.self,
		})
		c.notify(Update{Kind: UpdateMessage, Peer: peer, MessageID: msgID})
		id = msgID
		return nil
	})
	return id, err
}

// SendFile streams the file at path to the active peer and returns the id of
// its ledger entry. The entry is only recorded once the transfer started.
func (c *Client) SendFile(ctx context.Context, path string) (string, error) {
	var id string
	err := c.do(ctx, func(context.Context) error {
		peer, err := c.conversation()
		if err != nil {
			return err
		}
		msgID := ledger.NewID()
		if err := c.transfers.Send(peer, msgID, path); err != nil {
			return err
		}

		c.ledger.AppendOutbound(peer, msgID, ledger.TypeFile, ledger.Data{
			Name:     filepath.Base(path),
			Sender:   c.username,
			SenderID: c.self,
		})
		c.notify(Update{Kind: UpdateMessage, Peer: peer, MessageID: msgID})
		id = msgID
		return nil
	})
	return id, err
}

func (c *Client) RequestVideoCall(ctx context.Context) error {
	return c.do(ctx, func(context.Context) error {
		if c.active == nil {
			return ErrNoConversation
		}
		if err := c.calls.Request(c.active.Peer); err != nil {
			return err
		}
		c.notify(Update{Kind: UpdateCall, Peer: c.active.Peer, Call: c.calls.State()})
		return nil
	})
}

func (c *Client) AcceptVideoCall(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		req, err := c.calls.Accept(ctx)
		if err != nil {
			return err
		}
		c.notify(Update{Kind: UpdateCall, Peer: req.From, Call: c.calls.State()})
		return nil
	})
}

func (c *Client) RejectVideoCall(ctx context.Context) error {
	return c.do(ctx, func(context.Context) error {
		_, err := c.calls.Reject()
		return err
	})
}

// EndVideoCall stops consuming the call locally.
func (c *Client) EndVideoCall(ctx context.Context) error {
	return c.do(ctx, func(context.Context) error {
		peer := c.calls.Peer()
		if err := c.calls.End(); err != nil {
			return err
		}
		c.notify(Update{Kind: UpdateCall, Peer: peer, Call: c.calls.State()})
		return nil
	})
}

// teardown closes the session and abandons everything riding on it.
func (c *Client) teardown() {
	c.transfers.Abort()
	c.calls.Reset()
	if err := c.sessions.Close(); err != nil {
		c.logger.Warn("failed to close session", "err", err)
	}
	c.offeredTo = ""
}
