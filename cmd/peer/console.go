package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mossy-p/peerlink/internal/ledger"
	"github.com/mossy-p/peerlink/internal/peer"
	"github.com/mossy-p/peerlink/internal/relayclient"
)

const consoleHelp = `commands:
  users                 list peers online at the relay
  request <peer>        ask a peer for a session
  accept | reject       answer the pending connection request
  select <peer>         switch the active conversation
  send <text>           send a chat message
  file <path>           send a file
  call | answer | decline | hangup
  disconnect            end the session with the active peer
  status                show connection and call state
  messages              show the active conversation
  files                 list received files
  quit`

// console is a line-oriented front end over a peer.Client.
type console struct {
	client  *peer.Client
	httpURL string
	token   string
	out     io.Writer
}

func (c *console) serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(c.out, consoleHelp)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := c.exec(ctx, cmd, arg); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (c *console) exec(ctx context.Context, cmd, arg string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "users":
		users, err := relayclient.ListUsers(ctx, c.httpURL, c.token)
		if err != nil {
			return err
		}
		for _, u := range users {
			if u.PeerID == c.client.Self() {
				continue
			}
			fmt.Fprintf(c.out, "  %s  %s\n", u.PeerID, u.Username)
		}
	case "request":
		if arg == "" {
			return fmt.Errorf("usage: request <peer>")
		}
		return c.client.RequestConnection(ctx, arg)
	case "accept":
		conv, err := c.client.AcceptConnection(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "talking to %s (%s)\n", conv.Username, conv.Peer)
	case "reject":
		return c.client.RejectConnection(ctx)
	case "select":
		if arg == "" {
			return fmt.Errorf("usage: select <peer>")
		}
		return c.client.Select(ctx, arg)
	case "send":
		if arg == "" {
			return fmt.Errorf("usage: send <text>")
		}
		_, err := c.client.SendText(ctx, arg)
		return err
	case "file":
		if arg == "" {
			return fmt.Errorf("usage: file <path>")
		}
		_, err := c.client.SendFile(ctx, arg)
		return err
	case "call":
		return c.client.RequestVideoCall(ctx)
	case "answer":
		return c.client.AcceptVideoCall(ctx)
	case "decline":
		return c.client.RejectVideoCall(ctx)
	case "hangup":
		return c.client.EndVideoCall(ctx)
	case "disconnect":
		return c.client.Disconnect(ctx)
	case "status":
		return c.printStatus(ctx)
	case "messages":
		return c.printMessages(ctx)
	case "files":
		files, err := c.client.ReceivedFiles(ctx)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintf(c.out, "  %s  %d bytes  %s\n", f.Name, f.Size, f.Path)
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (c *console) printStatus(ctx context.Context) error {
	statuses, err := c.client.Statuses(ctx)
	if err != nil {
		return err
	}
	peers := make([]string, 0, len(statuses))
	for p := range statuses {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	for _, p := range peers {
		fmt.Fprintf(c.out, "  %s  %s\n", p, statuses[p])
	}

	if req, ok, err := c.client.PendingRequest(ctx); err != nil {
		return err
	} else if ok {
		fmt.Fprintf(c.out, "pending request from %s (%s)\n", req.Username, req.From)
	}

	state, pending, ok, err := c.client.CallState(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "call: %s\n", state)
	if ok {
		fmt.Fprintf(c.out, "incoming call from %s (%s)\n", pending.Username, pending.From)
	}
	return nil
}

func (c *console) printMessages(ctx context.Context) error {
	conv, ok, err := c.client.Conversation(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return peer.ErrNoConversation
	}
	msgs, err := c.client.Messages(ctx, conv.Peer)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		body := m.Data.Content
		if m.Type == ledger.TypeFile {
			body = "[file] " + m.Data.Name
			if m.Data.URL != "" {
				body += " " + m.Data.URL
			}
		}
		fmt.Fprintf(c.out, "  %-8s %-7s %s\n", m.Data.Sender, m.Status, body)
	}
	return nil
}

func (c *console) printUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.client.Updates():
			c.printUpdate(u)
		}
	}
}

func (c *console) printUpdate(u peer.Update) {
	switch u.Kind {
	case peer.UpdatePresence:
		state := "left"
		if u.Online {
			state = "joined"
		}
		fmt.Fprintf(c.out, "* %s (%s) %s\n", u.Username, u.Peer, state)
	case peer.UpdateConnectionRequest:
		fmt.Fprintf(c.out, "* %s (%s) wants to connect; accept or reject\n", u.Username, u.Peer)
	case peer.UpdateStatus:
		fmt.Fprintf(c.out, "* %s is %s\n", u.Peer, u.Status)
	case peer.UpdateMessage:
		fmt.Fprintf(c.out, "* message %s with %s\n", u.MessageID, u.Peer)
	case peer.UpdateProgress:
		fmt.Fprintf(c.out, "* upload %d%%\n", u.Progress)
	case peer.UpdateFileReceived:
		if u.File != nil {
			fmt.Fprintf(c.out, "* received %s -> %s\n", u.File.Name, u.File.Path)
		}
	case peer.UpdateCallRequest:
		fmt.Fprintf(c.out, "* %s (%s) is calling; answer or decline\n", u.Username, u.Peer)
	case peer.UpdateCall:
		fmt.Fprintf(c.out, "* call with %s: %s\n", u.Peer, u.Call)
	case peer.UpdateError:
		fmt.Fprintf(c.out, "* error: %v\n", u.Err)
	}
}
