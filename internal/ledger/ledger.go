// Package ledger keeps the per-peer conversation log and the delivery status
// of locally sent items.
package ledger

import (
	"log/slog"

	"github.com/google/uuid"
)

// Type distinguishes chat text from file messages.
type Type string

const (
	TypeText Type = "text"
	TypeFile Type = "file"
)

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
)

// Data is the message body. Text messages use Content; file messages use
// Name and, once delivered, URL.
type Data struct {
	Content  string `json:"content,omitempty"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	Sender   string `json:"sender"`
	SenderID string `json:"senderId"`
}

type Message struct {
	ID     string `json:"id"`
	Type   Type   `json:"type"`
	Status Status `json:"status"`
	Data   Data   `json:"data"`
}

// Ledger is an append-only log per peer. It is owned by a single goroutine
// and is not safe for concurrent use.
type Ledger struct {
	logger *slog.Logger
	peers  map[string][]Message
}

func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		logger: logger,
		peers:  make(map[string][]Message),
	}
}

// NewID returns a fresh correlation id for an outbound message.
func NewID() string {
	return uuid.NewString()
}

// AppendOutbound records a locally originated message as pending under id.
// Callers append once the message has actually gone out.
func (l *Ledger) AppendOutbound(peer, id string, typ Type, data Data) {
	l.peers[peer] = append(l.peers[peer], Message{
		ID:     id,
		Type:   typ,
		Status: StatusSending,
		Data:   data,
	})
}

// AppendInbound records a remote message. Remote messages are never pending.
func (l *Ledger) AppendInbound(peer string, typ Type, data Data) string {
	msg := Message{
		ID:     uuid.NewString(),
		Type:   typ,
		Status: StatusSent,
		Data:   data,
	}
	l.peers[peer] = append(l.peers[peer], msg)
	return msg.ID
}

// MarkConfirmed moves the pending message id to sent, attaching url when it
// is not empty. It reports whether a transition happened; acknowledgments for
// unknown or already confirmed ids are logged and ignored.
func (l *Ledger) MarkConfirmed(peer, id, url string) bool {
	msgs := l.peers[peer]
	for i := range msgs {
		if msgs[i].ID != id {
			continue
		}
		if msgs[i].Status != StatusSending {
			l.logger.Debug("duplicate delivery acknowledgment", "peer", peer, "id", id)
			return false
		}
		msgs[i].Status = StatusSent
		if url != "" {
			msgs[i].Data.URL = url
		}
		return true
	}
	l.logger.Warn("acknowledgment for unknown message", "peer", peer, "id", id)
	return false
}

// Messages returns a copy of the peer's log in arrival order.
func (l *Ledger) Messages(peer string) []Message {
	msgs := l.peers[peer]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Pending returns the ids of messages still awaiting acknowledgment.
func (l *Ledger) Pending(peer string) []string {
	var ids []string
	for _, m := range l.peers[peer] {
		if m.Status == StatusSending {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
