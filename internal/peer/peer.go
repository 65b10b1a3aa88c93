// Package peer implements a single peer-wire TCP session: dialing,
// handshaking, framed message I/O, the connection-state machine, the
// choke/interest status lattice, and in-flight request accounting
// (spec.md §3, §4.2, C5). It has no knowledge of other peers or the
// swarm; that belongs to package swarm.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nullwrk/leech/internal/bitfield"
	"github.com/nullwrk/leech/internal/protocol"
)

// ConnectionState is the peer session's coarse lifecycle, monotonic except
// that any state may transition directly to Closed.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	Handshaken
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Handshaken:
		return "handshaken"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a bit in the choke/interest lattice, orthogonal to
// ConnectionState (spec.md §3, §4.2).
type Status uint8

const (
	TheyChoking Status = 1 << iota
	TheyInterested
	WeChoking
	WeInterested
)

// defaultStatus is the lattice value immediately after HANDSHAKEN.
const defaultStatus = TheyChoking | WeChoking

// Defaults for timeouts and caps, overridable via Options (spec.md §6).
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultChunkSize        = 4096
	DefaultMaxOutbound      = 10
	DefaultMaxInbound       = 10
)

// RequestKey identifies an in-flight (piece, block) request pair.
type RequestKey struct {
	PieceIndex uint32
	Begin      uint32
}

// PeerError wraps any I/O or protocol failure scoped to a single session
// (spec.md §7). It is never meant to propagate past the owning peer task.
type PeerError struct {
	Addr string
	Op   string
	Err  error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }

// Options configures a Peer's deadlines and caps.
type Options struct {
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	ChunkSize          int
	MaxOutboundInFlight int
	MaxInboundInFlight  int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxOutboundInFlight == 0 {
		o.MaxOutboundInFlight = DefaultMaxOutbound
	}
	if o.MaxInboundInFlight == 0 {
		o.MaxInboundInFlight = DefaultMaxInbound
	}
	return o
}

// Peer is one peer-wire TCP session (spec.md's Peer session state).
type Peer struct {
	Host string
	Port uint16

	opts Options

	mu             sync.Mutex
	conn           net.Conn
	state          ConnectionState
	status         Status
	bf             bitfield.Bitfield
	handshake      *protocol.Handshake
	lastReadAt     time.Time
	lastWriteAt    time.Time
	uploaded       int64
	downloaded     int64
	inFlightOut    map[RequestKey]struct{}
	inFlightIn     map[RequestKey]struct{}
}

// New builds a not-yet-connected Peer for the given address.
func New(host string, port uint16, pieceCount int, opts Options) *Peer {
	return &Peer{
		Host:        host,
		Port:        port,
		opts:        opts.withDefaults(),
		state:       Disconnected,
		status:      defaultStatus,
		bf:          bitfield.New(pieceCount),
		inFlightOut: make(map[RequestKey]struct{}),
		inFlightIn:  make(map[RequestKey]struct{}),
	}
}

func (p *Peer) addr() string { return net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port)) }

// Connect dials the peer's TCP address within ConnectTimeout.
func (p *Peer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Disconnected {
		return &PeerError{Addr: p.addr(), Op: "connect", Err: errors.New("not in DISCONNECTED state")}
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.addr())
	if err != nil {
		return &PeerError{Addr: p.addr(), Op: "connect", Err: err}
	}

	p.conn = conn
	p.state = Connected
	now := time.Now()
	p.lastReadAt, p.lastWriteAt = now, now

	return nil
}

// Handshake sends the local handshake and verifies the peer's response
// against expectedInfoHash within HandshakeTimeout.
func (p *Peer) Handshake(ctx context.Context, expectedInfoHash, localPeerID [sha1.Size]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Connected {
		return &PeerError{Addr: p.addr(), Op: "handshake", Err: errors.New("not in CONNECTED state")}
	}

	deadline := time.Now().Add(p.opts.HandshakeTimeout)
	_ = p.conn.SetDeadline(deadline)
	defer p.conn.SetDeadline(time.Time{})

	local := protocol.NewHandshake(expectedInfoHash, localPeerID)
	remote, err := local.Perform(p.conn)
	if err != nil {
		p.closeLocked()
		return &PeerError{Addr: p.addr(), Op: "handshake", Err: err}
	}

	p.handshake = remote
	p.state = Handshaken
	p.status = defaultStatus

	return nil
}

// ReadMessage reads one frame, updates last_read_at, and applies any
// status-affecting local bookkeeping (choke/unchoke/interested/
// not-interested/have/bitfield), per spec.md §4.3's local handling rules.
// A nil *protocol.Message denotes keep-alive.
func (p *Peer) ReadMessage() (*protocol.Message, error) {
	p.mu.Lock()
	conn := p.conn
	state := p.state
	chunkSize := p.opts.ChunkSize
	p.mu.Unlock()

	if state != Handshaken {
		return nil, &PeerError{Addr: p.addr(), Op: "read_message", Err: errors.New("not in HANDSHAKEN state")}
	}

	msg, err := protocol.ReadMessageChunked(conn, chunkSize)

	p.mu.Lock()
	p.lastReadAt = time.Now()
	p.mu.Unlock()

	if err != nil {
		return nil, &PeerError{Addr: p.addr(), Op: "read_message", Err: err}
	}

	p.applyLocal(msg)
	return msg, nil
}

// applyLocal updates status lattice and bitfield state for status-affecting
// messages. It does not touch in_flight_outbound — clearing that on a Piece
// frame is the Leecher's job (spec.md §4.6 step 1), gated on
// accept_unrequested_blocks. It does not forward the message anywhere
// either; that is the Swarm's job.
func (p *Peer) applyLocal(msg *protocol.Message) {
	if msg == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.ID {
	case protocol.Choke:
		p.status |= TheyChoking
	case protocol.Unchoke:
		p.status &^= TheyChoking
	case protocol.Interested:
		p.status |= TheyInterested
	case protocol.NotInterested:
		p.status &^= TheyInterested
	case protocol.Have:
		if idx, ok := msg.ParseHave(); ok {
			p.bf.Set(int(idx))
		}
	case protocol.BitfieldMsg:
		p.bf = bitfield.FromBytes(msg.Payload)
	}
}

// SendMessage serializes and writes m, updating last_write_at.
func (p *Peer) SendMessage(m *protocol.Message) error {
	p.mu.Lock()
	conn := p.conn
	state := p.state
	p.mu.Unlock()

	if state != Handshaken {
		return &PeerError{Addr: p.addr(), Op: "send_message", Err: errors.New("not in HANDSHAKEN state")}
	}

	if err := protocol.WriteMessage(conn, m); err != nil {
		return &PeerError{Addr: p.addr(), Op: "send_message", Err: err}
	}

	p.mu.Lock()
	p.lastWriteAt = time.Now()
	p.mu.Unlock()

	return nil
}

// SendRequest dispatches an outbound block request if capacity allows,
// recording it in in_flight_outbound. Returns false if the peer is at its
// MaxOutboundInFlight cap (spec.md invariant #4).
func (p *Peer) SendRequest(index, begin, length uint32) (bool, error) {
	key := RequestKey{PieceIndex: index, Begin: begin}

	p.mu.Lock()
	if len(p.inFlightOut) >= p.opts.MaxOutboundInFlight {
		p.mu.Unlock()
		return false, nil
	}
	p.inFlightOut[key] = struct{}{}
	p.mu.Unlock()

	if err := p.SendMessage(protocol.RequestMsg(index, begin, length)); err != nil {
		p.mu.Lock()
		delete(p.inFlightOut, key)
		p.mu.Unlock()
		return false, err
	}

	return true, nil
}

// CancelOutbound removes an outbound request without sending a cancel
// frame — used on local timeout.
func (p *Peer) CancelOutbound(index, begin uint32) {
	p.mu.Lock()
	delete(p.inFlightOut, RequestKey{PieceIndex: index, Begin: begin})
	p.mu.Unlock()
}

// OutboundCount reports the current size of in_flight_outbound.
func (p *Peer) OutboundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlightOut)
}

// HasCapacity reports whether another outbound request can be issued.
func (p *Peer) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlightOut) < p.opts.MaxOutboundInFlight
}

// IsOutboundInFlight reports whether (index, begin) is currently owed to us.
func (p *Peer) IsOutboundInFlight(index, begin uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlightOut[RequestKey{PieceIndex: index, Begin: begin}]
	return ok
}

// Disconnect idempotently closes the connection, moving state to CLOSED.
func (p *Peer) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Peer) closeLocked() error {
	if p.state == Closed {
		return nil
	}

	var err error
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.state = Closed

	return err
}

// State returns the current connection state.
func (p *Peer) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StatusSet returns the current choke/interest lattice value.
func (p *Peer) StatusSet() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Has reports whether status s is currently set.
func (s Status) Has(flag Status) bool { return s&flag != 0 }

// SetWeChoking sets/clears the local choking flag. It sends nothing; callers
// decide whether/when to send the corresponding message.
func (p *Peer) SetWeChoking(choking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if choking {
		p.status |= WeChoking
	} else {
		p.status &^= WeChoking
	}
}

// SetWeInterested sets/clears the local interest flag.
func (p *Peer) SetWeInterested(interested bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interested {
		p.status |= WeInterested
	} else {
		p.status &^= WeInterested
	}
}

// Bitfield returns a copy of the peer's last-known bitfield.
func (p *Peer) Bitfield() bitfield.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bf.Clone()
}

// LastReadAt / LastWriteAt report the last successful I/O time, used by the
// swarm's keep-alive scheduler and inactivity monitor.
func (p *Peer) LastReadAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReadAt
}

func (p *Peer) LastWriteAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastWriteAt
}

// HandshakeInfo returns the peer's received handshake, if any.
func (p *Peer) HandshakeInfo() *protocol.Handshake {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshake
}

// AddUploaded / AddDownloaded accumulate byte counters for stats reporting.
func (p *Peer) AddUploaded(n int64)   { p.mu.Lock(); p.uploaded += n; p.mu.Unlock() }
func (p *Peer) AddDownloaded(n int64) { p.mu.Lock(); p.downloaded += n; p.mu.Unlock() }

func (p *Peer) Stats() (uploaded, downloaded int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded, p.downloaded
}
