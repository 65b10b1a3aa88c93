// Package leecher orchestrates a single torrent download: it subscribes to
// swarm events, greets newly handshaken peers, applies the piece-message
// algorithm, verifies and writes completed pieces, and broadcasts have
// frames (spec.md §4.6, C9).
package leecher

import (
	"context"
	"log/slog"

	"github.com/nullwrk/leech/internal/filestore"
	"github.com/nullwrk/leech/internal/peer"
	"github.com/nullwrk/leech/internal/piece"
	"github.com/nullwrk/leech/internal/piecemgr"
	"github.com/nullwrk/leech/internal/protocol"
	"github.com/nullwrk/leech/internal/requester"
	"github.com/nullwrk/leech/internal/swarm"
)

// Config controls the leecher's policy knobs (spec.md §6).
type Config struct {
	AcceptUnrequestedBlocks bool
}

// Leecher drives one torrent's acquisition end to end.
type Leecher struct {
	cfg    Config
	pieces *piecemgr.Manager
	sw     *swarm.Swarm
	store  *filestore.Store
	req    *requester.Requester
	log    *slog.Logger
}

// New builds a Leecher wired to the given swarm, piece manager, and file
// store.
func New(pieces *piecemgr.Manager, sw *swarm.Swarm, store *filestore.Store, req *requester.Requester, cfg Config, log *slog.Logger) *Leecher {
	if log == nil {
		log = slog.Default()
	}
	return &Leecher{
		cfg:    cfg,
		pieces: pieces,
		sw:     sw,
		store:  store,
		req:    req,
		log:    log.With("component", "leecher"),
	}
}

// Run subscribes to the swarm's event stream and processes events until ctx
// is cancelled.
func (l *Leecher) Run(ctx context.Context) error {
	events := l.sw.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.handleEvent(ev)
		}
	}
}

func (l *Leecher) handleEvent(ev swarm.Event) {
	switch ev.Kind {
	case swarm.PeerConnected:
		l.onPeerConnected(ev.Peer)
	case swarm.PeerMessage:
		l.onPeerMessage(ev.Peer, ev.Message)
	}
}

// onPeerConnected sends interested immediately after a successful
// handshake; the handshake itself already happened inside Swarm.AddPeer
// before the PeerConnected event was published.
func (l *Leecher) onPeerConnected(p *peer.Peer) {
	p.SetWeInterested(true)
	if err := p.SendMessage(protocol.InterestedMsg()); err != nil {
		l.log.Warn("leecher.interested.send_failed", "err", err)
	}
}

// onPeerMessage applies the piece-message algorithm from spec.md §4.6 for
// inbound PIECE frames. Other message kinds require no leecher-level
// action — choke/unchoke/interest/have/bitfield are already handled inside
// Swarm's reader loop.
func (l *Leecher) onPeerMessage(p *peer.Peer, msg *protocol.Message) {
	if msg == nil || msg.ID != protocol.Piece {
		return
	}

	index, begin, data, ok := msg.ParsePiece()
	if !ok {
		l.log.Warn("leecher.piece.malformed")
		return
	}

	key := piecemgr.Key{PieceIndex: index, Begin: begin}

	// Step 1: in-flight / accept_unrequested_blocks gate.
	inFlight := p.IsOutboundInFlight(index, begin)
	if !inFlight && !l.cfg.AcceptUnrequestedBlocks {
		l.log.Debug("leecher.piece.dropped_unrequested", "piece", index, "begin", begin)
		return
	}
	if inFlight {
		p.CancelOutbound(index, begin)
	}

	// Step 2: block must currently be MISSING.
	status, ok := l.pieces.BlockStatus(key)
	if !ok || status != piece.Missing {
		l.log.Debug("leecher.piece.dropped_not_missing", "piece", index, "begin", begin)
		return
	}

	// Step 3 (length mismatch) is enforced inside CommitBlock.
	result, err := l.pieces.CommitBlock(key, data)
	if err != nil {
		l.log.Warn("leecher.piece.commit_error", "piece", index, "begin", begin, "err", err)
		return
	}

	l.req.OnBlockDelivered(key)
	p.AddDownloaded(int64(len(data)))

	if !result.PieceComplete {
		return
	}
	if !result.PieceVerified {
		l.log.Warn("leecher.piece.hash_mismatch", "piece", result.PieceIndex)
		return
	}

	if err := l.store.WritePiece(result.PieceIndex, result.PieceBytes); err != nil {
		l.log.Warn("leecher.piece.write_failed", "piece", result.PieceIndex, "err", err)
		return
	}

	l.pieces.CommitPieceWritten(result.PieceIndex)
	l.sw.BroadcastHave(result.PieceIndex)
}
