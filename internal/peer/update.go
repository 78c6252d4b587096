package peer

import (
	"github.com/mossy-p/peerlink/internal/orchestrator"
	"github.com/mossy-p/peerlink/internal/transfer"
	"github.com/mossy-p/peerlink/internal/videocall"
)

type UpdateKind string

const (
	UpdatePresence          UpdateKind = "presence"
	UpdateConnectionRequest UpdateKind = "connection-request"
	UpdateStatus            UpdateKind = "status"
	UpdateMessage           UpdateKind = "message"
	UpdateProgress          UpdateKind = "progress"
	UpdateFileReceived      UpdateKind = "file-received"
	UpdateCallRequest       UpdateKind = "call-request"
	UpdateCall              UpdateKind = "call"
	UpdateError             UpdateKind = "error"
)

// Update tells the user interface that some state changed. Only the fields
// relevant to Kind are set; the current values are available from the
// client's query methods.
type Update struct {
	Kind      UpdateKind
	Peer      string
	Username  string
	Online    bool
	Status    orchestrator.Status
	MessageID string
	Progress  int
	File      *transfer.Artifact
	Call      videocall.State
	Err       error
}
