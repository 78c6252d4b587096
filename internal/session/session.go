// Package session owns the single live transport to the selected peer and
// serializes operations on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/transport"
	"github.com/mossy-p/peerlink/internal/wire"
)

const eventBufferSize = 256

var (
	ErrSessionActive     = errors.New("session: a session is already active")
	ErrNoSession         = errors.New("session: no active session")
	ErrWrongPeer         = errors.New("session: signal from a peer other than the session peer")
	ErrOperationInFlight = errors.New("session: another operation is in flight")
)

// Manager holds at most one transport. It is owned by the client's dispatch
// goroutine; only the transport's own callbacks run elsewhere, and they reach
// the manager through Events.
type Manager struct {
	factory  transport.Factory
	signaler transport.Signaler
	logger   *slog.Logger
	events   chan transport.Event

	nextID    uint64
	current   transport.Transport
	currentID uint64
	peer      string
	// renegotiating guards against a second renegotiation before the first
	// one has completed.
	renegotiating bool
}

func New(factory transport.Factory, signaler transport.Signaler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		signaler: signaler,
		logger:   logger,
		events:   make(chan transport.Event, eventBufferSize),
	}
}

// Events carries the notifications of every transport the manager creates.
// Pass them through Observe before acting on them.
func (m *Manager) Events() <-chan transport.Event {
	return m.events
}

// Peer returns the remote peer of the active session, or "".
func (m *Manager) Peer() string {
	return m.peer
}

func (m *Manager) Active() bool {
	return m.current != nil
}

// Renegotiating reports whether a renegotiation is awaiting completion.
func (m *Manager) Renegotiating() bool {
	return m.renegotiating
}

// Create builds the transport for peer.
func (m *Manager) Create(peer string) error {
	if m.current != nil {
		return fmt.Errorf("%w: with %s", ErrSessionActive, m.peer)
	}

	m.nextID++
	t, err := m.factory(transport.Options{
		Peer:     peer,
		Session:  m.nextID,
		Signaler: m.signaler,
		Events:   m.events,
	})
	if err != nil {
		return fmt.Errorf("creating transport for %s: %w", peer, err)
	}

	m.current = t
	m.currentID = m.nextID
	m.peer = peer
	m.logger.Info("session created", "peer", peer, "session", m.currentID)
	return nil
}

// SendOffer starts negotiation. Only the requesting side calls it.
func (m *Manager) SendOffer(ctx context.Context) error {
	if m.current == nil {
		return ErrNoSession
	}
	return m.current.SendOffer(ctx)
}

// HandleSignal applies a session description or candidate from the relay. An
// offer arriving with no session creates one for its sender.
func (m *Manager) HandleSignal(ctx context.Context, msg models.SignalMessage) error {
	if m.current == nil {
		if msg.Type != models.SignalTypeOffer {
			return fmt.Errorf("%w: %s from %s", ErrNoSession, msg.Type, msg.From)
		}
		if err := m.Create(msg.From); err != nil {
			return err
		}
	}
	if msg.From != m.peer {
		return fmt.Errorf("%w: %s from %s, session with %s", ErrWrongPeer, msg.Type, msg.From, m.peer)
	}
	return m.current.HandleSignal(ctx, msg)
}

func (m *Manager) Send(f wire.Frame) error {
	if m.current == nil {
		return ErrNoSession
	}
	return m.current.Send(f)
}

// Renegotiate starts a renegotiation of the live session. With addTrack the
// local video track is attached. The initiating side sends the offer; the
// other side attaches its track while answering that offer.
func (m *Manager) Renegotiate(ctx context.Context, addTrack, initiate bool) error {
	if m.current == nil {
		return ErrNoSession
	}
	if m.renegotiating {
		return ErrOperationInFlight
	}

	if addTrack {
		if err := m.current.AddLocalMediaTrack(); err != nil {
			return fmt.Errorf("adding local media: %w", err)
		}
	}
	m.current.SetRenegotiationFlag(initiate)

	m.renegotiating = true
	if err := m.current.Renegotiate(ctx); err != nil {
		m.CancelRenegotiation()
		return fmt.Errorf("renegotiating: %w", err)
	}
	return nil
}

// CancelRenegotiation abandons a renegotiation that will not complete. A
// local track armed for it and not yet negotiated is dropped.
func (m *Manager) CancelRenegotiation() {
	if m.current != nil {
		m.current.DiscardPendingMediaTrack()
		m.current.SetRenegotiationFlag(false)
	}
	m.renegotiating = false
}

// Observe filters ev against the active session and updates the operation
// guard. It returns false for events of a transport that has been closed.
func (m *Manager) Observe(ev transport.Event) bool {
	if m.current == nil || ev.Session != m.currentID {
		m.logger.Debug("dropping stale transport event", "type", ev.Type.String(), "session", ev.Session)
		return false
	}
	if ev.Type == transport.EventRenegotiated {
		m.renegotiating = false
	}
	return true
}

// Close tears the session down locally without waiting for the remote. Any
// pending renegotiation is discarded. It is a no-op without a session.
func (m *Manager) Close() error {
	if m.current == nil {
		return nil
	}
	t, peer := m.current, m.peer
	m.current = nil
	m.peer = ""
	m.renegotiating = false

	if err := t.Close(); err != nil {
		return fmt.Errorf("closing session with %s: %w", peer, err)
	}
	m.logger.Info("session closed", "peer", peer)
	return nil
}
