// Package channel implements EndpointChannel: a framed, pausable, bidirectional
// byte stream to one endpoint on one medium. The concrete Socket type wraps
// any io.ReadWriteCloser (a websocket connection, a WebRTC data channel
// adapter, an in-memory pipe for tests) with length-prefixed framing, an
// outbound pause/resume gate, and a one-shot "disable encryption" bypass.
//
// The pause/resume gate exists solely to preserve the invariant described in
// spec.md §4.2: the secure channel above the socket shares one monotonically
// increasing sequence number across the old and new channel during an
// upgrade, so the new channel must not emit a single byte until the old one
// has fully drained.
package channel

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/medium"
)

// CloseReason records why a channel was closed. A channel is terminal once
// closed — no further reads or writes succeed.
type CloseReason int

const (
	// Shutdown indicates the owning process is tearing down deliberately.
	Shutdown CloseReason = iota
	// IOError indicates a transport failure (socket error, unexpected EOF).
	IOError
	// Upgraded indicates the channel was replaced by a higher-bandwidth one.
	Upgraded
	// Unfinished indicates the channel was abandoned mid-handshake (e.g. a
	// duplicate UPGRADE_PATH_AVAILABLE fault).
	Unfinished
	// RemoteDisconnection indicates the peer closed the underlying socket.
	RemoteDisconnection
)

func (r CloseReason) String() string {
	switch r {
	case Shutdown:
		return "SHUTDOWN"
	case IOError:
		return "IO_ERROR"
	case Upgraded:
		return "UPGRADED"
	case Unfinished:
		return "UNFINISHED"
	case RemoteDisconnection:
		return "REMOTE_DISCONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Encryptor seals/opens frame payloads. The real stack derives this from a
// UKEY2 key-agreement result, treated here (per spec.md §1) as an opaque
// secure channel — Identity is the zero-cost stand-in used wherever a test
// or medium handler doesn't care about payload confidentiality.
type Encryptor interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Identity is a passthrough Encryptor.
type Identity struct{}

func (Identity) Seal(b []byte) ([]byte, error) { return b, nil }
func (Identity) Open(b []byte) ([]byte, error) { return b, nil }

// Channel is the contract the rest of the BWU stack consumes: a framed,
// pausable, bidirectional byte stream carrying one Medium tag.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Pause()
	Resume()
	DisableEncryption()
	Close(reason CloseReason) error

	Medium() medium.Tag
	ServiceID() string
	Name() string
	MaxTransmitPacketSize() int
}

// maxFrameSize bounds a single frame to guard against a malformed length
// prefix causing an unbounded allocation.
const maxFrameSize = 32 << 20

// Socket is the concrete Channel implementation over any duplex byte stream.
type Socket struct {
	conn      io.ReadWriteCloser
	tag       medium.Tag
	serviceID string
	name      string
	maxPacket int
	enc       Encryptor
	log       *slog.Logger

	reader *bufio.Reader

	readMu sync.Mutex

	mu                 sync.Mutex
	paused             bool
	pending            [][]byte
	disableEncryptOnce bool
	closed             bool
	closeReason        CloseReason
	writeMu            sync.Mutex
}

// Config configures a new Socket channel.
type Config struct {
	Conn                   io.ReadWriteCloser
	Medium                 medium.Tag
	ServiceID              string
	Name                   string
	MaxTransmitPacketSize  int
	Encryptor              Encryptor
	Logger                 *slog.Logger
}

// New wraps conn in a framed, pausable EndpointChannel.
func New(cfg Config) *Socket {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	enc := cfg.Encryptor
	if enc == nil {
		enc = Identity{}
	}
	maxPacket := cfg.MaxTransmitPacketSize
	if maxPacket <= 0 {
		maxPacket = 1 << 16
	}
	return &Socket{
		conn:      cfg.Conn,
		tag:       cfg.Medium,
		serviceID: cfg.ServiceID,
		name:      cfg.Name,
		maxPacket: maxPacket,
		enc:       enc,
		log:       log.With("medium", cfg.Medium.String(), "endpoint", cfg.Name),
		reader:    bufio.NewReader(cfg.Conn),
	}
}

func (s *Socket) Medium() medium.Tag          { return s.tag }
func (s *Socket) ServiceID() string           { return s.serviceID }
func (s *Socket) Name() string                { return s.name }
func (s *Socket) MaxTransmitPacketSize() int  { return s.maxPacket }

// Pause gates outbound frames: subsequent Write calls queue instead of
// hitting the wire, until Resume is called. Reads are unaffected.
func (s *Socket) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume flushes any frames queued while paused, in submission order, then
// allows future writes straight through again.
func (s *Socket) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	queued := s.pending
	s.pending = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	for _, frame := range queued {
		if err := s.writeFrame(frame, false); err != nil {
			s.log.Warn("flushing queued frame on resume failed", "error", err)
			return
		}
	}
}

// DisableEncryption makes exactly the next Write bypass the Encryptor.
func (s *Socket) DisableEncryption() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableEncryptOnce = true
}

// Write submits a frame. If the channel is paused, the frame is queued and
// Write returns nil immediately — per the invariant, a paused channel never
// emits a write, but callers are not blocked or failed for attempting one.
func (s *Socket) Write(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	if s.closed {
		reason := s.closeReason
		s.mu.Unlock()
		return bwuerr.New(bwuerr.Transport, fmt.Sprintf("write on closed channel (%s)", reason))
	}
	if s.paused {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		s.pending = append(s.pending, cp)
		s.mu.Unlock()
		return nil
	}
	bypass := s.disableEncryptOnce
	s.disableEncryptOnce = false
	s.mu.Unlock()

	return s.writeFrame(frame, bypass)
}

func (s *Socket) writeFrame(frame []byte, bypassEncryption bool) error {
	var (
		payload []byte
		err     error
	)
	if bypassEncryption {
		payload = frame
	} else {
		payload, err = s.enc.Seal(frame)
		if err != nil {
			return bwuerr.Wrap(bwuerr.Transport, "sealing frame", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return bwuerr.Wrap(bwuerr.Transport, "writing frame header", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		return bwuerr.Wrap(bwuerr.Transport, "writing frame body", err)
	}
	return nil
}

// deadliner is implemented by connections that support read deadlines
// (e.g. net.Conn). Socket uses it to honor ctx's deadline on Read.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Read blocks for the next frame. It honors ctx's deadline/cancellation when
// the wrapped connection supports SetReadDeadline.
func (s *Socket) Read(ctx context.Context) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if dl, ok := s.conn.(deadliner); ok {
		if deadline, has := ctx.Deadline(); has {
			_ = dl.SetReadDeadline(deadline)
			defer dl.SetReadDeadline(time.Time{})
		}
	}

	var hdr [4]byte
	if _, err := io.ReadFull(s.reader, hdr[:]); err != nil {
		return nil, classifyReadErr(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, bwuerr.New(bwuerr.Protocol, fmt.Sprintf("frame length %d exceeds maximum", n))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, classifyReadErr(err)
	}

	plaintext, err := s.enc.Open(body)
	if err != nil {
		return nil, bwuerr.Wrap(bwuerr.Transport, "opening frame", err)
	}
	return plaintext, nil
}

func classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return bwuerr.Wrap(bwuerr.Transport, "peer closed connection", err)
	}
	return bwuerr.Wrap(bwuerr.Transport, "reading frame", err)
}

// Close is terminal: once called, subsequent Write/Read calls fail.
func (s *Socket) Close(reason CloseReason) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeReason = reason
	s.mu.Unlock()

	s.log.Debug("channel closed", "reason", reason)
	return s.conn.Close()
}
