package models

// SignalType represents the type of a relay signaling event
type SignalType string

const (
	SignalTypeWelcome  SignalType = "welcome"
	SignalTypeJoin     SignalType = "user-joined"
	SignalTypeLeave    SignalType = "user-left"
	SignalTypeError    SignalType = "error"

	SignalTypeRequestConnection    SignalType = "request-connection"
	SignalTypeConnectionAccepted   SignalType = "connection-accepted"
	SignalTypeConnectionRejected   SignalType = "connection-rejected"
	SignalTypeConnectionSuccessful SignalType = "connection-succesful" // wire spelling
	SignalTypePeerDisconnected     SignalType = "peer-disconnected"

	SignalTypeRequestVideoCall  SignalType = "request-video-call"
	SignalTypeVideoCallAccepted SignalType = "video-call-accepted"
	SignalTypeVideoCallRejected SignalType = "video-call-rejected"

	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
)

// SignalMessage is the envelope of every event on the relay channel.
//
// Outbound requests name their target in PeerID (request-*) or To (replies
// and session descriptions). The relay rewrites them for the receiver, which
// sees the originator in From, or in Remote for session lifecycle events.
type SignalMessage struct {
	Type            SignalType          `json:"type"`
	PeerID          string              `json:"peerId,omitempty"`
	RequestUsername string              `json:"requestUsername,omitempty"`
	From            string              `json:"from,omitempty"`
	To              string              `json:"to,omitempty"`
	Username        string              `json:"username,omitempty"`
	Remote          string              `json:"remote,omitempty"`
	SDP             *SessionDescription `json:"sdp,omitempty"`
	Candidate       *ICECandidate       `json:"candidate,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Target returns the peer an outbound message is addressed to.
func (m SignalMessage) Target() string {
	switch {
	case m.PeerID != "":
		return m.PeerID
	case m.To != "":
		return m.To
	default:
		return m.Remote
	}
}
