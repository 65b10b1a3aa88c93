package piecemgr

import (
	"crypto/sha1"
	"testing"

	"github.com/nullwrk/leech/internal/bitfield"
	"github.com/nullwrk/leech/internal/piece"
)

func hashesFor(t *testing.T, layout piece.Layout, payloads map[uint32][]byte) piece.Hashes {
	t.Helper()

	out := make(piece.Hashes, 0, int(layout.TotalPieces)*sha1.Size)
	for i := uint32(0); i < layout.TotalPieces; i++ {
		sum := sha1.Sum(payloads[i])
		out = append(out, sum[:]...)
	}
	return out
}

func TestNewRejectsHashLengthMismatch(t *testing.T) {
	layout := piece.NewLayout(32768, 32768, piece.BlockSize)
	_, err := New(layout, piece.Hashes(make([]byte, sha1.Size*2)), Config{})
	if err == nil {
		t.Fatalf("expected error on hash length mismatch")
	}
}

func TestRarityOrdering(t *testing.T) {
	// 3 single-block pieces, small enough to keep the test simple.
	layout := piece.NewLayout(3*100, 100, 100)
	payloads := map[uint32][]byte{0: make([]byte, 100), 1: make([]byte, 100), 2: make([]byte, 100)}
	hashes := hashesFor(t, layout, payloads)

	mgr, err := New(layout, hashes, Config{SortByRarity: true, MaxPeers: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Piece 2 rarest (avail 1), piece 0 most common (avail 3).
	mgr.OnPeerHave(0)
	mgr.OnPeerHave(0)
	mgr.OnPeerHave(0)
	mgr.OnPeerHave(1)
	mgr.OnPeerHave(1)
	mgr.OnPeerHave(2)

	k, ok := mgr.NextMissing()
	if !ok {
		t.Fatalf("expected a missing block")
	}
	if k.PieceIndex != 2 {
		t.Fatalf("rarest-first should pick piece 2 first, got piece %d", k.PieceIndex)
	}
}

func TestCommitBlockHappyPath(t *testing.T) {
	layout := piece.NewLayout(32768, 32768, piece.BlockSize)
	data0 := make([]byte, 16384)
	data1 := make([]byte, 16384)
	for i := range data0 {
		data0[i] = byte(i)
	}
	for i := range data1 {
		data1[i] = byte(255 - i)
	}
	full := append(append([]byte(nil), data0...), data1...)
	sum := sha1.Sum(full)

	mgr, err := New(layout, piece.Hashes(sum[:]), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	k0 := Key{PieceIndex: 0, Begin: 0}
	k1 := Key{PieceIndex: 0, Begin: 16384}

	if !mgr.MarkRequested(k0) || !mgr.MarkRequested(k1) {
		t.Fatalf("MarkRequested should succeed for freshly-missing blocks")
	}

	res, err := mgr.CommitBlock(k0, data0)
	if err != nil {
		t.Fatalf("CommitBlock(k0): %v", err)
	}
	if res.PieceComplete {
		t.Fatalf("piece should not be complete after only one block")
	}

	res, err = mgr.CommitBlock(k1, data1)
	if err != nil {
		t.Fatalf("CommitBlock(k1): %v", err)
	}
	if !res.PieceComplete || !res.PieceVerified {
		t.Fatalf("piece should be complete and verified, got %+v", res)
	}

	mgr.CommitPieceWritten(0)
	if !mgr.LocalBitfield().Has(0) {
		t.Fatalf("local bitfield should have bit 0 set after commit")
	}
	if !mgr.AllComplete() {
		t.Fatalf("single-piece torrent should be complete")
	}
}

func TestCommitBlockHashMismatchResetsToMissing(t *testing.T) {
	layout := piece.NewLayout(32768, 32768, piece.BlockSize)
	good := make([]byte, 32768)
	for i := range good {
		good[i] = 0xAA
	}
	sum := sha1.Sum(good)

	mgr, err := New(layout, piece.Hashes(sum[:]), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	k0 := Key{PieceIndex: 0, Begin: 0}
	k1 := Key{PieceIndex: 0, Begin: 16384}
	mgr.MarkRequested(k0)
	mgr.MarkRequested(k1)

	mgr.CommitBlock(k0, make([]byte, 16384)) // garbled: zero bytes instead of 0xAA
	res, err := mgr.CommitBlock(k1, make([]byte, 16384))
	if err != nil {
		t.Fatalf("CommitBlock(k1): %v", err)
	}

	if !res.PieceComplete || res.PieceVerified {
		t.Fatalf("expected complete-but-unverified piece, got %+v", res)
	}

	status, ok := mgr.BlockStatus(k0)
	if !ok || status != 0 { // piece.Missing == 0
		t.Fatalf("block should have reverted to MISSING, status=%v", status)
	}

	missing := mgr.MissingSnapshot()
	if len(missing) != 2 {
		t.Fatalf("both blocks should be back in the missing queue, got %d", len(missing))
	}
}

func TestRevertToMissingOnTimeout(t *testing.T) {
	layout := piece.NewLayout(16384, 16384, piece.BlockSize)
	sum := sha1.Sum(make([]byte, 16384))

	mgr, err := New(layout, piece.Hashes(sum[:]), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	k := Key{PieceIndex: 0, Begin: 0}
	mgr.MarkRequested(k)
	if !mgr.IsRequested(k) {
		t.Fatalf("expected block to be requested")
	}

	mgr.RevertToMissing(k)
	if mgr.IsRequested(k) {
		t.Fatalf("block should no longer be requested after timeout")
	}

	status, _ := mgr.BlockStatus(k)
	if status != 0 {
		t.Fatalf("block should be MISSING after timeout, got %v", status)
	}
}

func TestOnPeerGoneDecrementsAvailability(t *testing.T) {
	layout := piece.NewLayout(100, 100, 100)
	sum := sha1.Sum(make([]byte, 100))

	mgr, err := New(layout, piece.Hashes(sum[:]), Config{MaxPeers: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mgr.OnPeerHave(0)
	mgr.OnPeerHave(0)
	if got := mgr.Availability(0); got != 2 {
		t.Fatalf("availability = %d, want 2", got)
	}

	bf := bitfield.New(1)
	bf.Set(0)
	mgr.OnPeerGone(bf)

	if got := mgr.Availability(0); got != 1 {
		t.Fatalf("availability after peer gone = %d, want 1", got)
	}
}
