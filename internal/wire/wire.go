// Package wire defines the frames exchanged over a peer session's data
// channel. Frames are CBOR encoded with deterministic options so that both
// ends agree byte for byte.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies a frame's purpose.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindTextAck
	KindFileStart
	KindFileChunk
	KindChunkAck
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTextAck:
		return "text-ack"
	case KindFileStart:
		return "file-start"
	case KindFileChunk:
		return "file-chunk"
	case KindChunkAck:
		return "chunk-ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one unit on the data channel. ID correlates a frame with the
// message or transfer it belongs to.
type Frame struct {
	Kind  Kind   `cbor:"1,keyasint"`
	ID    string `cbor:"2,keyasint"`
	Index int    `cbor:"3,keyasint,omitempty"`
	Total int    `cbor:"4,keyasint,omitempty"`
	Size  int64  `cbor:"5,keyasint,omitempty"`
	Name  string `cbor:"6,keyasint,omitempty"`
	// Digest is the blake3 sum of the whole file, carried by file-start.
	Digest []byte       `cbor:"7,keyasint,omitempty"`
	Data   []byte       `cbor:"8,keyasint,omitempty"`
	Text   *TextPayload `cbor:"9,keyasint,omitempty"`
}

// TextPayload is the body of a chat message.
type TextPayload struct {
	Content  string `cbor:"1,keyasint"`
	Sender   string `cbor:"2,keyasint"`
	SenderID string `cbor:"3,keyasint"`
}

const (
	// MaxChunkSize is the largest Data a file-chunk frame may carry. The
	// encoded frame stays below the 64 KiB data channel message limit.
	MaxChunkSize = 60 * 1024
	// MaxUnitsAhead bounds how far past the next expected index a receiver
	// accepts a unit. A sender's window must not exceed it.
	MaxUnitsAhead = 64
)

var (
	// ErrMalformedFrame is returned for frames that decode but cannot be valid.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	// A frame is a map holding at most one nested map, so anything deeper or
	// wider is not a frame.
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode validates f and serializes it.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(f)
}

// Decode parses and validates one frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the fields each kind requires.
func (f Frame) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: %s frame without id", ErrMalformedFrame, f.Kind)
	}
	switch f.Kind {
	case KindText:
		if f.Text == nil {
			return fmt.Errorf("%w: text frame without payload", ErrMalformedFrame)
		}
	case KindTextAck:
	case KindFileStart:
		if f.Name == "" || f.Total <= 0 || f.Size < 0 {
			return fmt.Errorf("%w: file-start name=%q total=%d size=%d", ErrMalformedFrame, f.Name, f.Total, f.Size)
		}
	case KindFileChunk:
		if f.Index < 0 || len(f.Data) > MaxChunkSize {
			return fmt.Errorf("%w: %s index %d with %d bytes", ErrMalformedFrame, f.Kind, f.Index, len(f.Data))
		}
	case KindChunkAck:
		if f.Index < 0 {
			return fmt.Errorf("%w: %s index %d", ErrMalformedFrame, f.Kind, f.Index)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, uint8(f.Kind))
	}
	return nil
}
