// Package swarm owns the set of active peer sessions for one torrent,
// multiplexes their events to subscribers, and runs the per-peer
// housekeeping loops: reader, keep-alive scheduler, and inactivity monitor
// (spec.md §4.3, C6).
package swarm

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullwrk/leech/internal/peer"
	"github.com/nullwrk/leech/internal/piecemgr"
	"github.com/nullwrk/leech/internal/protocol"
	"github.com/nullwrk/leech/internal/syncmap"
)

// EventKind distinguishes the two subscriber event streams (spec.md §4.3).
type EventKind int

const (
	PeerConnected EventKind = iota
	PeerMessage
)

// Event is delivered to every subscriber queue in per-peer wire-arrival
// order; cross-peer ordering is unspecified.
type Event struct {
	Kind    EventKind
	Peer    *peer.Peer
	Message *protocol.Message
}

// Config holds the swarm-wide defaults (spec.md §6).
type Config struct {
	MaxConnections      int
	KeepAliveInterval   time.Duration
	InactivityTimeout   time.Duration
	SendRedundantHave   bool
	PeerOptions         peer.Options
}

func (c Config) withDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 200
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 60 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 120 * time.Second
	}
	return c
}

// Swarm owns the peer set for one torrent.
type Swarm struct {
	cfg      Config
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	pieces   *piecemgr.Manager
	log      *slog.Logger

	peers *syncmap.Map[string, *peer.Peer]

	subMu       sync.Mutex
	subscribers []chan Event

	eventBuf int
}

// New builds an empty Swarm.
func New(infoHash, peerID [sha1.Size]byte, pieces *piecemgr.Manager, cfg Config, log *slog.Logger) *Swarm {
	if log == nil {
		log = slog.Default()
	}
	return &Swarm{
		cfg:      cfg.withDefaults(),
		infoHash: infoHash,
		peerID:   peerID,
		pieces:   pieces,
		log:      log.With("component", "swarm"),
		peers:    syncmap.New[string, *peer.Peer](),
		eventBuf: 256,
	}
}

// Subscribe returns a new event channel that receives every PeerConnected
// and PeerMessage event from now on.
func (s *Swarm) Subscribe() <-chan Event {
	ch := make(chan Event, s.eventBuf)

	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()

	return ch
}

func (s *Swarm) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Backpressure: block rather than drop, per spec.md §5.
			ch <- ev
		}
	}
}

func addrKey(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// AddPeer dials, handshakes, and — on success — registers p and starts its
// reader, keep-alive, and inactivity tasks under g. It respects
// max_connections. Returns the connected *peer.Peer, or nil if the swarm is
// at capacity or the peer is a duplicate.
func (s *Swarm) AddPeer(ctx context.Context, g *errgroup.Group, host string, port uint16, pieceCount int) (*peer.Peer, error) {
	key := addrKey(host, port)

	if _, dup := s.peers.Get(key); dup {
		return nil, nil
	}
	if s.peers.Len() >= s.cfg.MaxConnections {
		return nil, nil
	}

	p := peer.New(host, port, pieceCount, s.cfg.PeerOptions)

	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	if err := p.Handshake(ctx, s.infoHash, s.peerID); err != nil {
		return nil, err
	}

	if !s.peers.PutBounded(key, p, s.cfg.MaxConnections) {
		p.Disconnect()
		return nil, nil
	}

	s.publish(Event{Kind: PeerConnected, Peer: p})

	g.Go(func() error { return s.readerLoop(ctx, key, p) })
	g.Go(func() error { return s.keepAliveLoop(ctx, key, p) })
	g.Go(func() error { return s.inactivityLoop(ctx, key, p) })

	return p, nil
}

// AddExistingPeer registers an already-HANDSHAKEN peer obtained outside the
// swarm's own dial path (e.g. an inbound connection accepted by a listener).
// It respects max_connections and rejects duplicates, returning false in
// either case.
func (s *Swarm) AddExistingPeer(key string, p *peer.Peer) bool {
	return s.peers.PutBounded(key, p, s.cfg.MaxConnections)
}

// RemovePeer disconnects and forgets p, decrementing availability_counter
// for every piece its bitfield advertised (spec.md §9 open question,
// resolved yes — see DESIGN.md).
func (s *Swarm) RemovePeer(key string) {
	if p, ok := s.peers.Pop(key); ok {
		s.pieces.OnPeerGone(p.Bitfield())
		p.Disconnect()
	}
}

// readerLoop repeatedly reads frames, applies the local handling rules
// (already done inside peer.ReadMessage), updates availability for
// have/bitfield, and forwards every message to subscribers. On PeerError it
// removes the peer and exits (spec.md §4.3).
func (s *Swarm) readerLoop(ctx context.Context, key string, p *peer.Peer) error {
	defer s.RemovePeer(key)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := p.ReadMessage()
		if err != nil {
			s.log.Warn("swarm.peer.read.error", "addr", key, "err", err)
			return nil
		}

		if msg != nil {
			switch msg.ID {
			case protocol.Have:
				if idx, ok := msg.ParseHave(); ok {
					s.pieces.OnPeerHave(idx)
				}
			case protocol.BitfieldMsg:
				s.pieces.OnPeerBitfield(p.Bitfield())
			}
		}

		s.publish(Event{Kind: PeerMessage, Peer: p, Message: msg})
	}
}

// keepAliveLoop sends a keep-alive whenever last_write_at has aged past
// keep_alive_interval (spec.md §4.3).
func (s *Swarm) keepAliveLoop(ctx context.Context, key string, p *peer.Peer) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval / 4)
	if s.cfg.KeepAliveInterval < 4 {
		ticker = time.NewTicker(time.Second)
	}
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(p.LastWriteAt()) < s.cfg.KeepAliveInterval {
				continue
			}
			if err := p.SendMessage(nil); err != nil {
				s.RemovePeer(key)
				return nil
			}
		}
	}
}

// inactivityLoop removes a peer once it has been silent past
// inactivity_timeout (spec.md §4.3).
func (s *Swarm) inactivityLoop(ctx context.Context, key string, p *peer.Peer) error {
	ticker := time.NewTicker(s.cfg.InactivityTimeout / 4)
	if s.cfg.InactivityTimeout < 4 {
		ticker = time.NewTicker(time.Second)
	}
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(p.LastReadAt()) >= s.cfg.InactivityTimeout {
				s.RemovePeer(key)
				return nil
			}
		}
	}
}

// BroadcastHave sends have(index) to every connected peer that is not
// THEY_CHOKING, optionally skipping peers that already indicate possession
// (spec.md §4.3's broadcast-have). Failed sends close that peer only.
func (s *Swarm) BroadcastHave(index uint32) {
	msg := protocol.HaveMsg(index)

	for key, p := range s.snapshot() {
		if p.StatusSet().Has(peer.TheyChoking) {
			continue
		}
		if !s.cfg.SendRedundantHave && p.Bitfield().Has(int(index)) {
			continue
		}
		if err := p.SendMessage(msg); err != nil {
			s.RemovePeer(key)
		}
	}
}

func (s *Swarm) snapshot() map[string]*peer.Peer {
	out := make(map[string]*peer.Peer)
	s.peers.Range(func(k string, v *peer.Peer) bool {
		out[k] = v
		return true
	})
	return out
}

// Filters selects a subset of peers for get_peers (spec.md §4.3).
type Filters struct {
	Unchoked        bool
	HasCapacity     bool
	HasAll          []uint32 // piece indices the peer must have all of
	LacksAll        []uint32 // piece indices the peer must lack all of
}

// GetPeers returns every connected peer matching all given filters.
func (s *Swarm) GetPeers(f Filters) []*peer.Peer {
	var out []*peer.Peer

	for _, p := range s.snapshot() {
		if f.Unchoked && p.StatusSet().Has(peer.TheyChoking) {
			continue
		}
		if f.HasCapacity && !p.HasCapacity() {
			continue
		}

		bf := p.Bitfield()
		okHas := true
		for _, idx := range f.HasAll {
			if !bf.Has(int(idx)) {
				okHas = false
				break
			}
		}
		if !okHas {
			continue
		}

		okLacks := true
		for _, idx := range f.LacksAll {
			if bf.Has(int(idx)) {
				okLacks = false
				break
			}
		}
		if !okLacks {
			continue
		}

		out = append(out, p)
	}

	return out
}

// Count returns the number of currently connected peers.
func (s *Swarm) Count() int {
	return s.peers.Len()
}

// AnyUnchoked reports whether at least one peer currently has us unchoked.
func (s *Swarm) AnyUnchoked() bool {
	for _, p := range s.snapshot() {
		if !p.StatusSet().Has(peer.TheyChoking) {
			return true
		}
	}
	return false
}

// CloseAll disconnects every peer, used on shutdown.
func (s *Swarm) CloseAll() {
	for _, p := range s.peers.Drain() {
		p.Disconnect()
	}
}
