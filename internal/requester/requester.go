// Package requester implements the block-request scheduler: rarest-first
// selection from the piece manager's missing queue, global/per-peer
// in-flight caps, per-tick pacing, and receive-timeout eviction via a
// deadline-ordered min-heap (spec.md §4.5, C8).
package requester

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nullwrk/leech/internal/heap"
	"github.com/nullwrk/leech/internal/peer"
	"github.com/nullwrk/leech/internal/piecemgr"
	"github.com/nullwrk/leech/internal/swarm"
)

// Defaults per spec.md §6.
const (
	DefaultPacingInterval      = 400 * time.Millisecond
	DefaultMaxRequestsToPeers  = 10
	DefaultMaxRequestsPerPeer  = 10
	DefaultBlockReceiveTimeout = 30 * time.Second
	DefaultBlockSize           = 16384
)

// Config controls the requester's pacing, caps, and timeout window.
type Config struct {
	PacingInterval      time.Duration
	MaxRequestsToPeers  int
	MaxRequestsPerPeer  int
	BlockReceiveTimeout time.Duration
	BlockSize           uint32
}

func (c Config) withDefaults() Config {
	if c.PacingInterval == 0 {
		c.PacingInterval = DefaultPacingInterval
	}
	if c.MaxRequestsToPeers == 0 {
		c.MaxRequestsToPeers = DefaultMaxRequestsToPeers
	}
	if c.MaxRequestsPerPeer == 0 {
		c.MaxRequestsPerPeer = DefaultMaxRequestsPerPeer
	}
	if c.BlockReceiveTimeout == 0 {
		c.BlockReceiveTimeout = DefaultBlockReceiveTimeout
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	return c
}

// pending is a dispatched-but-not-yet-delivered block, ordered by Deadline.
// Peers holds every peer the block's request was fanned out to, so a
// timeout can purge in_flight_outbound on all of them, not just one.
type pending struct {
	Key      piecemgr.Key
	Peers    []*peer.Peer
	Deadline time.Time
}

// Requester drives the requesting loop for one torrent.
type Requester struct {
	cfg    Config
	pieces *piecemgr.Manager
	sw     *swarm.Swarm
	log    *slog.Logger

	mu            sync.Mutex
	inFlightTotal int
	timeouts      *heap.PriorityQueue[pending]

	loggedWaitOnce bool
}

// New builds a Requester for one torrent's piece manager and swarm.
func New(pieces *piecemgr.Manager, sw *swarm.Swarm, cfg Config, log *slog.Logger) *Requester {
	if log == nil {
		log = slog.Default()
	}
	return &Requester{
		cfg:    cfg.withDefaults(),
		pieces: pieces,
		sw:     sw,
		log:    log.With("component", "requester"),
		timeouts: heap.NewPriorityQueue(func(a, b pending) bool {
			return a.Deadline.Before(b.Deadline)
		}),
	}
}

// Run drives the scheduler until the piece manager reports completion or
// ctx is cancelled.
func (r *Requester) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PacingInterval)
	defer ticker.Stop()

	waitTicker := time.NewTicker(time.Second)
	defer waitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-waitTicker.C:
			r.evictTimeouts()
		case <-ticker.C:
			if r.pieces.AllComplete() {
				return nil
			}
			if !r.sw.AnyUnchoked() {
				if !r.loggedWaitOnce {
					r.log.Info("requester.waiting_for_unchoked_peer")
					r.loggedWaitOnce = true
				}
				continue
			}
			r.loggedWaitOnce = false
			r.tick()
		}
	}
}

// tick dispatches as many (piece, block, peer) triples as caps allow for
// this pacing interval.
func (r *Requester) tick() {
	for {
		r.mu.Lock()
		atCap := r.inFlightTotal >= r.cfg.MaxRequestsToPeers
		r.mu.Unlock()
		if atCap {
			return
		}

		key, ok := r.pieces.NextMissing()
		if !ok {
			return
		}

		candidates := r.sw.GetPeers(swarm.Filters{
			Unchoked:    true,
			HasCapacity: true,
			HasAll:      []uint32{key.PieceIndex},
		})
		if len(candidates) == 0 {
			return
		}

		// spec.md §4.5: send the request to every selected peer in
		// parallel, not just the first that accepts it.
		length := r.blockLength(key)
		dispatchedTo := make([]*peer.Peer, 0, len(candidates))
		for _, p := range candidates {
			if p.OutboundCount() >= r.cfg.MaxRequestsPerPeer {
				continue
			}

			ok, err := p.SendRequest(key.PieceIndex, key.Begin, length)
			if err != nil || !ok {
				continue
			}

			dispatchedTo = append(dispatchedTo, p)
		}

		if len(dispatchedTo) == 0 {
			return
		}

		r.pieces.MarkRequested(key)

		r.mu.Lock()
		r.inFlightTotal++
		r.timeouts.Enqueue(pending{Key: key, Peers: dispatchedTo, Deadline: time.Now().Add(r.cfg.BlockReceiveTimeout)})
		r.mu.Unlock()
	}
}

func (r *Requester) blockLength(k piecemgr.Key) uint32 {
	if length, ok := r.pieces.BlockLength(k); ok {
		return length
	}
	return r.cfg.BlockSize
}

// OnBlockDelivered must be called by the leecher once a piece frame is
// processed, so the requester's in-flight accounting stays correct.
func (r *Requester) OnBlockDelivered(k piecemgr.Key) {
	r.mu.Lock()
	if r.inFlightTotal > 0 {
		r.inFlightTotal--
	}
	r.mu.Unlock()
}

// evictTimeouts reverts any block whose BlockReceiveTimeout has elapsed
// back to MISSING (spec.md §4.5).
func (r *Requester) evictTimeouts() {
	now := time.Now()

	for {
		r.mu.Lock()
		next, ok := r.timeouts.Peek()
		if !ok || next.Deadline.After(now) {
			r.mu.Unlock()
			return
		}
		r.timeouts.Dequeue()
		if r.inFlightTotal > 0 {
			r.inFlightTotal--
		}
		r.mu.Unlock()

		if r.pieces.IsRequested(next.Key) {
			r.pieces.RevertToMissing(next.Key)
		}

		for _, p := range next.Peers {
			p.CancelOutbound(next.Key.PieceIndex, next.Key.Begin)
		}
	}
}
