// Command leech downloads a single torrent's content to disk and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullwrk/leech/internal/config"
	"github.com/nullwrk/leech/internal/filestore"
	"github.com/nullwrk/leech/internal/leecher"
	"github.com/nullwrk/leech/internal/logging"
	"github.com/nullwrk/leech/internal/metainfo"
	"github.com/nullwrk/leech/internal/peer"
	"github.com/nullwrk/leech/internal/piece"
	"github.com/nullwrk/leech/internal/piecemgr"
	"github.com/nullwrk/leech/internal/requester"
	"github.com/nullwrk/leech/internal/swarm"
	"github.com/nullwrk/leech/internal/tracker"
)

func main() {
	setupLogger()
	config.Init()

	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	downloadDir := flag.String("dir", "", "download directory (defaults to the configured default)")
	flag.Parse()

	if *torrentPath == "" {
		slog.Error("fatal.config", "err", "-torrent is required")
		os.Exit(1)
	}

	if err := run(*torrentPath, *downloadDir); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func run(torrentPath, downloadDir string) error {
	cfg := config.Load()
	if downloadDir == "" {
		downloadDir = cfg.DefaultDownloadDir
	}

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	mi, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	layout := piece.NewLayout(mi.Info.TotalLength, uint32(mi.Info.PieceLength), cfg.BlockSize)

	pieces, err := piecemgr.New(layout, piece.Hashes(mi.Info.Pieces), piecemgr.Config{
		SortByRarity: cfg.SortByRarity,
		MaxPeers:     cfg.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("invariant violation: %w", err)
	}

	store, err := filestore.New(downloadDir, mi.Info.Name, mi.Info.FilePaths(), mi.Info.FileLengths(), mi.Info.PieceLength, mi.Info.SingleFile())
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}
	defer store.Close()

	tr, err := tracker.New(mi.Announce, mi.AnnounceList, slog.Default())
	if err != nil {
		return fmt.Errorf("fatal.config: %w", err)
	}

	sw := swarm.New(mi.Info.Hash, cfg.PeerID, pieces, swarm.Config{
		MaxConnections:    cfg.MaxConnections,
		KeepAliveInterval: cfg.KeepAliveInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		SendRedundantHave: cfg.SendRedundantHave,
		PeerOptions: peer.Options{
			ConnectTimeout:      cfg.ConnectTimeout,
			HandshakeTimeout:    cfg.HandshakeTimeout,
			ChunkSize:           cfg.ChunkSize,
			MaxOutboundInFlight: cfg.MaxBlockRequestsPerPeer,
			MaxInboundInFlight:  cfg.MaxBlockRequestsPerPeer,
		},
	}, slog.Default())
	defer sw.CloseAll()

	req := requester.New(pieces, sw, requester.Config{
		MaxRequestsToPeers: cfg.MaxBlockRequestsToPeers,
		MaxRequestsPerPeer: cfg.MaxBlockRequestsPerPeer,
		BlockReceiveTimeout: cfg.BlockReceiveTimeout,
	}, slog.Default())

	lc := leecher.New(pieces, sw, store, req, leecher.Config{
		AcceptUnrequestedBlocks: cfg.AcceptUnrequestedBlocks,
	}, slog.Default())

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lc.Run(gctx) })
	g.Go(func() error { return req.Run(gctx) })
	g.Go(func() error { return announceLoop(gctx, tr, sw, mi, pieces, cfg, g) })
	g.Go(func() error { return statsLoop(gctx, pieces, sw, cancel) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}

	announceStopped(tr, mi, pieces, cfg)
	return nil
}

func announceLoop(ctx context.Context, tr *tracker.Tracker, sw *swarm.Swarm, mi *metainfo.Metainfo, pieces *piecemgr.Manager, cfg *config.Config, g *errgroup.Group) error {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	announce := func() {
		ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		peers, err := tr.AnnounceAll(ctx2, &tracker.AnnounceParams{
			InfoHash: mi.Info.Hash,
			PeerID:   cfg.PeerID,
			Left:     uint64(remainingBytes(pieces, mi)),
			NumWant:  50,
			Port:     cfg.Port,
		})
		if err != nil {
			slog.Warn("announce.failed", "err", err)
			return
		}

		for _, p := range peers {
			if sw.Count() >= cfg.MaxConnections {
				return
			}
			host, port := p.Host, p.Port
			g.Go(func() error {
				if _, err := sw.AddPeer(ctx, g, host, port, int(mi.Info.TotalPieces)); err != nil {
					slog.Debug("peer.add.failed", "host", host, "port", port, "err", err)
				}
				return nil
			})
		}
	}

	announce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			announce()
		}
	}
}

func announceStopped(tr *tracker.Tracker, mi *metainfo.Metainfo, pieces *piecemgr.Manager, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr.AnnounceStopped(ctx, &tracker.AnnounceParams{
		InfoHash: mi.Info.Hash,
		PeerID:   cfg.PeerID,
		Left:     uint64(remainingBytes(pieces, mi)),
		Port:     cfg.Port,
	})
}

func remainingBytes(pieces *piecemgr.Manager, mi *metainfo.Metainfo) int64 {
	done := pieces.LocalBitfield().Count()
	perPiece := mi.Info.PieceLength
	return mi.Info.TotalLength - int64(done)*perPiece
}

func statsLoop(ctx context.Context, pieces *piecemgr.Manager, sw *swarm.Swarm, done context.CancelFunc) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			have := pieces.LocalBitfield().Count()
			total := pieces.TotalPieces()
			slog.Info("stats", "pieces", fmt.Sprintf("%d/%d", have, total), "peers", sw.Count())
			if pieces.AllComplete() {
				slog.Info("download.complete")
				done()
				return nil
			}
		}
	}
}
