// Package transfer moves files over the session data channel in indexed
// units. The sender tracks acknowledged units for progress; the receiver
// reassembles units by index and checks the whole-file digest.
package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mossy-p/peerlink/internal/wire"
)

var (
	ErrTransferInProgress = errors.New("transfer: an outbound transfer is already in progress")
	ErrDuplicateUnit      = errors.New("transfer: unit already received")
	ErrUnitOutOfRange     = errors.New("transfer: unit index out of range")
	ErrUnknownTransfer    = errors.New("transfer: unknown transfer id")
	ErrDigestMismatch     = errors.New("transfer: file digest mismatch")
	ErrInvalidName        = errors.New("transfer: invalid file name")
	ErrFileTooLarge       = errors.New("transfer: file exceeds the size limit")
	ErrUnitTooLarge       = errors.New("transfer: unit exceeds the chunk size limit")
	ErrTooFarAhead        = errors.New("transfer: unit beyond the receive window")
)

// DefaultMaxFileSize caps announced inbound files when Config leaves it unset.
const DefaultMaxFileSize int64 = 4 << 30

// Sender writes frames to the peer. The session manager implements it.
type Sender interface {
	Send(f wire.Frame) error
}

type Config struct {
	DownloadDir string
	ChunkSize   int
	// Window bounds the units sent but not yet acknowledged.
	Window int
	// MaxFileSize is the largest inbound file accepted.
	MaxFileSize int64
}

// Completion reports a fully acknowledged outbound file. URL is the handle
// under which the sender can retrieve what it sent.
type Completion struct {
	Peer      string
	MessageID string
	Name      string
	URL       string
}

// Artifact is a received file that passed digest verification.
type Artifact struct {
	Peer      string
	MessageID string
	Name      string
	Path      string
	Size      int64
}

// Result is what handling a frame produced. At most one field is set.
type Result struct {
	Completion *Completion
	Artifact   *Artifact
}

type outbound struct {
	peer      string
	id        string
	name      string
	path      string
	file      *os.File
	size      int64
	total     int
	next      int
	inFlight  int
	acked     []bool
	ackedUnit int
}

type inbound struct {
	peer    string
	id      string
	name    string
	size    int64
	total   int
	digest  []byte
	tmp     *os.File
	tmpPath string
	hasher  *blake3.Hasher
	written int64
	next    int
	// held keeps units that arrived ahead of the next index to write. Units
	// below next are already written.
	held map[int][]byte
}

// Engine runs at most one outbound transfer and any number of inbound ones.
// It is owned by the client's dispatch goroutine.
type Engine struct {
	sender Sender
	cfg    Config
	logger *slog.Logger

	out      *outbound
	progress int
	in       map[string]*inbound
	received []Artifact
}

func New(sender Sender, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 16 * 1024
	}
	cfg.ChunkSize = min(cfg.ChunkSize, wire.MaxChunkSize)
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	cfg.Window = min(cfg.Window, wire.MaxUnitsAhead)
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return &Engine{
		sender: sender,
		cfg:    cfg,
		logger: logger,
		in:     make(map[string]*inbound),
	}
}

// Progress returns the percentage of acknowledged units of the current or
// last outbound transfer.
func (e *Engine) Progress() int {
	return e.progress
}

// Active reports whether an outbound transfer is running.
func (e *Engine) Active() bool {
	return e.out != nil
}

// Received returns the files received so far, oldest first.
func (e *Engine) Received() []Artifact {
	out := make([]Artifact, len(e.received))
	copy(out, e.received)
	return out
}

// Send starts streaming the file at path to peer. messageID is the ledger id
// of the file message; it names the transfer on the wire.
func (e *Engine) Send(peer, messageID, path string) error {
	if e.out != nil {
		return ErrTransferInProgress
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return fmt.Errorf("%s is a directory", path)
	}

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		file.Close()
		return fmt.Errorf("failed to hash file: %w", err)
	}

	total := unitCount(info.Size(), e.cfg.ChunkSize)
	out := &outbound{
		peer:  peer,
		id:    messageID,
		name:  filepath.Base(path),
		path:  path,
		file:  file,
		size:  info.Size(),
		total: total,
		acked: make([]bool, total),
	}

	if err := e.sender.Send(wire.Frame{
		Kind:   wire.KindFileStart,
		ID:     messageID,
		Name:   out.name,
		Size:   out.size,
		Total:  total,
		Digest: hasher.Sum(nil),
	}); err != nil {
		file.Close()
		return fmt.Errorf("failed to announce file: %w", err)
	}

	e.out = out
	e.progress = 0
	e.logger.Info("file transfer started", "peer", peer, "id", messageID, "name", out.name, "size", out.size, "units", total)

	if err := e.fill(); err != nil {
		e.abortOutbound()
		return err
	}
	return nil
}

// fill sends units until the window is full or every unit is out.
func (e *Engine) fill() error {
	out := e.out
	for out.inFlight < e.cfg.Window && out.next < out.total {
		data, err := readUnit(out.file, int64(out.next)*int64(e.cfg.ChunkSize), e.cfg.ChunkSize)
		if err != nil {
			return err
		}
		if err := e.sender.Send(wire.Frame{
			Kind:  wire.KindFileChunk,
			ID:    out.id,
			Index: out.next,
			Data:  data,
		}); err != nil {
			return fmt.Errorf("failed to send unit %d: %w", out.next, err)
		}
		out.next++
		out.inFlight++
	}
	return nil
}

// HandleFrame applies a file frame from peer. Frames of other kinds are
// ignored.
func (e *Engine) HandleFrame(peer string, f wire.Frame) (Result, error) {
	switch f.Kind {
	case wire.KindFileStart:
		return Result{}, e.onStart(peer, f)
	case wire.KindFileChunk:
		a, err := e.onUnit(peer, f)
		return Result{Artifact: a}, err
	case wire.KindChunkAck:
		c, err := e.onAck(f)
		return Result{Completion: c}, err
	default:
		return Result{}, nil
	}
}

func (e *Engine) onAck(f wire.Frame) (*Completion, error) {
	out := e.out
	if out == nil || out.id != f.ID {
		e.logger.Debug("ignoring acknowledgment for inactive transfer", "id", f.ID, "index", f.Index)
		return nil, nil
	}
	if f.Index < 0 || f.Index >= out.total {
		return nil, fmt.Errorf("%w: ack %d of %d", ErrUnitOutOfRange, f.Index, out.total)
	}
	if out.acked[f.Index] {
		e.logger.Debug("duplicate unit acknowledgment", "id", f.ID, "index", f.Index)
		return nil, nil
	}

	out.acked[f.Index] = true
	out.ackedUnit++
	out.inFlight--
	e.progress = out.ackedUnit * 100 / out.total

	if out.ackedUnit < out.total {
		if err := e.fill(); err != nil {
			e.abortOutbound()
			return nil, err
		}
		return nil, nil
	}

	out.file.Close()
	e.out = nil
	e.logger.Info("file transfer complete", "peer", out.peer, "id", out.id, "name", out.name)
	return &Completion{
		Peer:      out.peer,
		MessageID: out.id,
		Name:      out.name,
		URL:       FileURL(out.path),
	}, nil
}

func (e *Engine) onStart(peer string, f wire.Frame) error {
	if _, ok := e.in[f.ID]; ok {
		e.logger.Warn("ignoring repeated file announcement", "peer", peer, "id", f.ID)
		return nil
	}
	name, err := cleanName(f.Name)
	if err != nil {
		return err
	}
	if f.Size > e.cfg.MaxFileSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, name, f.Size, e.cfg.MaxFileSize)
	}
	// Every unit but the one of an empty file carries at least a byte, and
	// none carries more than wire.MaxChunkSize.
	if int64(f.Total) > f.Size && !(f.Size == 0 && f.Total == 1) {
		return fmt.Errorf("%w: %d units for %d bytes", wire.ErrMalformedFrame, f.Total, f.Size)
	}
	if f.Total < unitCount(f.Size, wire.MaxChunkSize) {
		return fmt.Errorf("%w: %d units cannot carry %d bytes", wire.ErrMalformedFrame, f.Total, f.Size)
	}

	if err := os.MkdirAll(e.cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(e.cfg.DownloadDir, ".peerlink-*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	e.in[f.ID] = &inbound{
		peer:    peer,
		id:      f.ID,
		name:    name,
		size:    f.Size,
		total:   f.Total,
		digest:  f.Digest,
		tmp:     tmp,
		tmpPath: tmp.Name(),
		hasher:  blake3.New(),
		held:    make(map[int][]byte),
	}
	e.logger.Info("receiving file", "peer", peer, "id", f.ID, "name", name, "size", f.Size, "units", f.Total)
	return nil
}

func (e *Engine) onUnit(peer string, f wire.Frame) (*Artifact, error) {
	in, ok := e.in[f.ID]
	if !ok || in.peer != peer {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, f.ID)
	}
	if f.Index < 0 || f.Index >= in.total {
		return nil, fmt.Errorf("%w: unit %d of %d", ErrUnitOutOfRange, f.Index, in.total)
	}
	if _, held := in.held[f.Index]; held || f.Index < in.next {
		return nil, fmt.Errorf("%w: unit %d of %s", ErrDuplicateUnit, f.Index, f.ID)
	}
	if len(f.Data) > wire.MaxChunkSize {
		return nil, fmt.Errorf("%w: unit %d carries %d bytes", ErrUnitTooLarge, f.Index, len(f.Data))
	}
	if f.Index-in.next >= wire.MaxUnitsAhead {
		return nil, fmt.Errorf("%w: unit %d while expecting %d", ErrTooFarAhead, f.Index, in.next)
	}

	in.held[f.Index] = f.Data
	for {
		data, ok := in.held[in.next]
		if !ok {
			break
		}
		delete(in.held, in.next)
		if in.written+int64(len(data)) > in.size {
			e.dropInbound(in)
			return nil, fmt.Errorf("%w: %s grew past its announced %d bytes", ErrDigestMismatch, in.name, in.size)
		}
		if _, err := in.tmp.Write(data); err != nil {
			e.dropInbound(in)
			return nil, fmt.Errorf("failed to write unit %d: %w", in.next, err)
		}
		in.hasher.Write(data)
		in.written += int64(len(data))
		in.next++
	}

	if err := e.sender.Send(wire.Frame{Kind: wire.KindChunkAck, ID: f.ID, Index: f.Index}); err != nil {
		return nil, fmt.Errorf("failed to acknowledge unit %d: %w", f.Index, err)
	}

	if in.next < in.total {
		return nil, nil
	}
	return e.finish(in)
}

func (e *Engine) finish(in *inbound) (*Artifact, error) {
	delete(e.in, in.id)

	if in.written != in.size || !bytes.Equal(in.hasher.Sum(nil), in.digest) {
		e.dropInbound(in)
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, in.name)
	}
	if err := in.tmp.Close(); err != nil {
		os.Remove(in.tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	final := uniquePath(e.cfg.DownloadDir, in.name)
	if err := os.Rename(in.tmpPath, final); err != nil {
		os.Remove(in.tmpPath)
		return nil, fmt.Errorf("failed to finalize file: %w", err)
	}

	a := Artifact{
		Peer:      in.peer,
		MessageID: in.id,
		Name:      filepath.Base(final),
		Path:      final,
		Size:      in.written,
	}
	e.received = append(e.received, a)
	e.logger.Info("file received", "peer", in.peer, "id", in.id, "path", final)
	return &a, nil
}

// Abort abandons every transfer after the session dropped. Partial inbound
// files are deleted and progress returns to 0. No completion follows.
func (e *Engine) Abort() {
	if e.out != nil {
		e.logger.Info("outbound transfer aborted", "peer", e.out.peer, "id", e.out.id, "acked", e.out.ackedUnit, "units", e.out.total)
		e.abortOutbound()
	}
	for _, in := range e.in {
		e.logger.Info("inbound transfer aborted", "peer", in.peer, "id", in.id)
		e.dropInbound(in)
	}
}

func (e *Engine) abortOutbound() {
	e.out.file.Close()
	e.out = nil
	e.progress = 0
}

func (e *Engine) dropInbound(in *inbound) {
	in.tmp.Close()
	if err := os.Remove(in.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("failed to delete partial file", "path", in.tmpPath, "err", err)
	}
	delete(e.in, in.id)
}

// unitCount splits size into units of chunk bytes. An empty file is one
// empty unit.
func unitCount(size int64, chunk int) int {
	if size <= 0 {
		return 1
	}
	n := int(size / int64(chunk))
	if size%int64(chunk) != 0 {
		n++
	}
	return n
}

func readUnit(file *os.File, offset int64, chunk int) ([]byte, error) {
	buf := make([]byte, chunk)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read unit at offset %d: %w", offset, err)
	}
	return buf[:n], nil
}

func cleanName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || strings.HasPrefix(base, ".peerlink-") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// uniquePath returns dir/name, or dir/name (n).ext when that exists.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

// FileURL returns the file:// URL of path.
func FileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
