package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/peerlink/internal/models"
	"github.com/mossy-p/peerlink/internal/wire"
)

// dataChannelLabel names the single ordered, reliable channel that carries
// chat text, file units and their acknowledgments.
const dataChannelLabel = "data"

// Compile-time interface check.
var _ Transport = (*WebRTC)(nil)

// WebRTC is a Transport backed by a pion PeerConnection. Candidates are
// trickled through the relay as they are gathered.
type WebRTC struct {
	pc       *webrtc.PeerConnection
	peer     string
	session  uint64
	signaler Signaler
	events   chan<- Event
	logger   *slog.Logger

	mu sync.Mutex
	dc *webrtc.DataChannel
	// video is created by AddLocalMediaTrack; videoPending is true until it
	// has been added to the PeerConnection.
	video        *webrtc.TrackLocalStaticSample
	videoPending bool
	initiate     bool
	// negotiated is set once the first offer/answer round completed; later
	// rounds are renegotiations.
	negotiated        bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit

	connectedOnce    sync.Once
	disconnectedOnce sync.Once
	closeOnce        sync.Once
	closed           chan struct{}
}

// NewFactory returns a Factory building WebRTC transports from api. A nil
// api uses pion defaults; empty iceServers means host candidates only.
func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) Factory {
	return func(opts Options) (Transport, error) {
		return NewWebRTC(api, iceServers, opts, logger)
	}
}

func NewWebRTC(api *webrtc.API, iceServers []webrtc.ICEServer, opts Options, logger *slog.Logger) (*WebRTC, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	w := &WebRTC{
		pc:       pc,
		peer:     opts.Peer,
		session:  opts.Session,
		signaler: opts.Signaler,
		events:   opts.Events,
		logger:   logger.With("peer", opts.Peer, "session", opts.Session),
		closed:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		if err := w.signaler.Emit(models.SignalMessage{
			Type: models.SignalTypeCandidate,
			To:   w.peer,
			Candidate: &models.ICECandidate{
				Candidate:        cand.Candidate,
				SDPMid:           cand.SDPMid,
				SDPMLineIndex:    cand.SDPMLineIndex,
				UsernameFragment: cand.UsernameFragment,
			},
		}); err != nil {
			w.logger.Warn("failed to send ICE candidate", "err", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		w.logger.Debug("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			w.disconnected(fmt.Errorf("peer connection %s", state))
		case webrtc.PeerConnectionStateClosed:
			w.disconnected(nil)
		}
	})

	// The answering side learns about the data channel from the offer.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			w.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		w.bindDataChannel(dc)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		w.emit(Event{Type: EventRemoteTrack, TrackID: track.ID(), Kind: track.Kind().String()})
		go w.drainTrack(track)
	})

	return w, nil
}

// VideoTrack exposes the local video track so a capture source can write
// samples to it. It is nil until AddLocalMediaTrack.
func (w *WebRTC) VideoTrack() *webrtc.TrackLocalStaticSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.video
}

func (w *WebRTC) emit(ev Event) {
	ev.Session = w.session
	ev.Peer = w.peer
	select {
	case w.events <- ev:
	case <-w.closed:
	}
}

func (w *WebRTC) disconnected(err error) {
	w.disconnectedOnce.Do(func() {
		w.emit(Event{Type: EventDisconnected, Err: err})
	})
}

func (w *WebRTC) bindDataChannel(dc *webrtc.DataChannel) {
	w.mu.Lock()
	w.dc = dc
	w.mu.Unlock()

	dc.OnOpen(func() {
		w.connectedOnce.Do(func() {
			w.logger.Info("data channel open")
			w.emit(Event{Type: EventConnected})
		})
	})
	dc.OnClose(func() {
		w.disconnected(nil)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			w.logger.Warn("ignoring text message on data channel")
			return
		}
		frame, err := wire.Decode(msg.Data)
		if err != nil {
			w.logger.Warn("dropping malformed frame", "err", err)
			return
		}
		w.emit(Event{Type: EventFrame, Frame: frame})
	})
}

// drainTrack reads the remote track so pion's buffers keep moving. Rendering
// is outside this package.
func (w *WebRTC) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (w *WebRTC) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

func (w *WebRTC) SendOffer(ctx context.Context) error {
	if w.isClosed() {
		return ErrClosed
	}

	ordered := true
	dc, err := w.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	w.bindDataChannel(dc)

	return w.offer(ctx)
}

func (w *WebRTC) offer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	offer, err := w.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := w.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	if err := w.signaler.Emit(models.SignalMessage{
		Type: models.SignalTypeOffer,
		To:   w.peer,
		SDP:  &models.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	}); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	w.logger.Info("WebRTC offer sent")
	return nil
}

func (w *WebRTC) HandleSignal(ctx context.Context, msg models.SignalMessage) error {
	if w.isClosed() {
		return ErrClosed
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		if msg.SDP == nil {
			return fmt.Errorf("offer without sdp")
		}
		return w.answer(ctx, msg.SDP.SDP)

	case models.SignalTypeAnswer:
		if msg.SDP == nil {
			return fmt.Errorf("answer without sdp")
		}
		if err := w.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP.SDP}); err != nil {
			return err
		}
		w.completeRound()
		return nil

	case models.SignalTypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("candidate message without candidate")
		}
		return w.addCandidate(webrtc.ICECandidateInit{
			Candidate:        msg.Candidate.Candidate,
			SDPMid:           msg.Candidate.SDPMid,
			SDPMLineIndex:    msg.Candidate.SDPMLineIndex,
			UsernameFragment: msg.Candidate.UsernameFragment,
		})

	default:
		return fmt.Errorf("unexpected signal type %q", msg.Type)
	}
}

func (w *WebRTC) answer(ctx context.Context, sdp string) error {
	if err := w.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	// A non-initiating side attaches its track to the transceiver the
	// remote offer just created, so one round carries both directions.
	if err := w.attachPendingVideo(); err != nil {
		return err
	}

	answer, err := w.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := w.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.signaler.Emit(models.SignalMessage{
		Type: models.SignalTypeAnswer,
		To:   w.peer,
		SDP:  &models.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	}); err != nil {
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	w.completeRound()
	return nil
}

func (w *WebRTC) setRemote(desc webrtc.SessionDescription) error {
	if err := w.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	w.mu.Lock()
	w.remoteSet = true
	pending := w.pendingCandidates
	w.pendingCandidates = nil
	w.mu.Unlock()

	for _, c := range pending {
		if err := w.pc.AddICECandidate(c); err != nil {
			w.logger.Warn("failed to add buffered ICE candidate", "err", err)
		}
	}
	return nil
}

func (w *WebRTC) addCandidate(c webrtc.ICECandidateInit) error {
	w.mu.Lock()
	if !w.remoteSet {
		w.pendingCandidates = append(w.pendingCandidates, c)
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// completeRound marks the end of an offer/answer exchange. Every round after
// the first is reported as a renegotiation.
func (w *WebRTC) completeRound() {
	w.mu.Lock()
	renegotiation := w.negotiated
	w.negotiated = true
	w.mu.Unlock()

	if renegotiation {
		w.logger.Info("renegotiation complete")
		// HandleSignal runs on the goroutine that drains the events channel,
		// so this send must not wait for it.
		go w.emit(Event{Type: EventRenegotiated})
	}
}

func (w *WebRTC) AddLocalMediaTrack() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.video != nil {
		return nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"peerlink",
	)
	if err != nil {
		return fmt.Errorf("creating video track: %w", err)
	}
	w.video = track
	w.videoPending = true
	return nil
}

func (w *WebRTC) DiscardPendingMediaTrack() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.videoPending {
		w.video = nil
		w.videoPending = false
	}
}

func (w *WebRTC) attachPendingVideo() error {
	w.mu.Lock()
	track := w.video
	pending := w.videoPending
	w.videoPending = false
	w.mu.Unlock()

	if !pending {
		return nil
	}

	sender, err := w.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("adding video track: %w", err)
	}

	// Read incoming RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (w *WebRTC) SetRenegotiationFlag(initiate bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.initiate = initiate
}

func (w *WebRTC) Renegotiate(ctx context.Context) error {
	if w.isClosed() {
		return ErrClosed
	}

	w.mu.Lock()
	negotiated := w.negotiated
	initiate := w.initiate
	w.mu.Unlock()

	if !negotiated {
		return ErrNotNegotiated
	}
	if !initiate {
		// The remote sends the offer; the answer completes the round.
		return nil
	}

	if err := w.attachPendingVideo(); err != nil {
		return err
	}
	return w.offer(ctx)
}

func (w *WebRTC) Send(f wire.Frame) error {
	if w.isClosed() {
		return ErrClosed
	}

	w.mu.Lock()
	dc := w.dc
	w.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotReady
	}

	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("sending %s frame: %w", f.Kind, err)
	}
	return nil
}

func (w *WebRTC) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.pc.Close()
	})
	return err
}
