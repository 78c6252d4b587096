package peer

import (
	"context"

	"github.com/mossy-p/peerlink/internal/ledger"
	"github.com/mossy-p/peerlink/internal/orchestrator"
	"github.com/mossy-p/peerlink/internal/transfer"
	"github.com/mossy-p/peerlink/internal/videocall"
)

// Conversation returns the active conversation, if one is selected.
func (c *Client) Conversation(ctx context.Context) (ActiveConversation, bool, error) {
	var conv ActiveConversation
	var ok bool
	err := c.do(ctx, func(context.Context) error {
		if c.active != nil {
			conv, ok = *c.active, true
		}
		return nil
	})
	return conv, ok, err
}

func (c *Client) Status(ctx context.Context, peer string) (orchestrator.Status, error) {
	var s orchestrator.Status
	err := c.do(ctx, func(context.Context) error {
		s = c.orch.Status(peer)
		return nil
	})
	return s, err
}

// Statuses returns the connection status of every peer ever contacted.
func (c *Client) Statuses(ctx context.Context) (map[string]orchestrator.Status, error) {
	var s map[string]orchestrator.Status
	err := c.do(ctx, func(context.Context) error {
		s = c.orch.Statuses()
		return nil
	})
	return s, err
}

// PendingRequest returns the connection request awaiting an answer.
func (c *Client) PendingRequest(ctx context.Context) (orchestrator.Request, bool, error) {
	var req orchestrator.Request
	var ok bool
	err := c.do(ctx, func(context.Context) error {
		req, ok = c.orch.Pending()
		return nil
	})
	return req, ok, err
}

// Messages returns the conversation log with peer.
func (c *Client) Messages(ctx context.Context, peer string) ([]ledger.Message, error) {
	var msgs []ledger.Message
	err := c.do(ctx, func(context.Context) error {
		msgs = c.ledger.Messages(peer)
		return nil
	})
	return msgs, err
}

// Progress returns the progress of the current or last outbound file.
func (c *Client) Progress(ctx context.Context) (int, error) {
	var p int
	err := c.do(ctx, func(context.Context) error {
		p = c.transfers.Progress()
		return nil
	})
	return p, err
}

func (c *Client) ReceivedFiles(ctx context.Context) ([]transfer.Artifact, error) {
	var files []transfer.Artifact
	err := c.do(ctx, func(context.Context) error {
		files = c.transfers.Received()
		return nil
	})
	return files, err
}

// CallState returns the call state and, while a request is waiting for an
// answer, the caller.
func (c *Client) CallState(ctx context.Context) (videocall.State, videocall.Request, bool, error) {
	var (
		state   videocall.State
		pending videocall.Request
		ok      bool
	)
	err := c.do(ctx, func(context.Context) error {
		state = c.calls.State()
		pending, ok = c.calls.Pending()
		return nil
	})
	return state, pending, ok, err
}
