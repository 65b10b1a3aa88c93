package piece

import (
	"crypto/sha1"
	"testing"
)

func TestLayoutExactDivision(t *testing.T) {
	l := NewLayout(32768, 32768, BlockSize)
	if l.TotalPieces != 1 {
		t.Fatalf("TotalPieces = %d, want 1", l.TotalPieces)
	}
	if l.LastPieceLength != 32768 {
		t.Fatalf("LastPieceLength = %d, want 32768 (exact division)", l.LastPieceLength)
	}

	pieces := l.Pieces()
	if len(pieces[0].Blocks) != 2 {
		t.Fatalf("want 2 blocks of 16384 each, got %d", len(pieces[0].Blocks))
	}
	if pieces[0].Blocks[0].Begin != 0 || pieces[0].Blocks[1].Begin != 16384 {
		t.Fatalf("block begins not strictly monotonic: %+v", pieces[0].Blocks)
	}
}

func TestLayoutShortLastPiece(t *testing.T) {
	// total 40000, piece_length 16384: pieces 0,1 full, piece 2 = 7232 bytes.
	l := NewLayout(40000, 16384, BlockSize)
	if l.TotalPieces != 3 {
		t.Fatalf("TotalPieces = %d, want 3", l.TotalPieces)
	}
	if l.LastPieceLength != 40000%16384 {
		t.Fatalf("LastPieceLength = %d, want %d", l.LastPieceLength, 40000%16384)
	}

	pieces := l.Pieces()
	last := pieces[l.LastPieceIndex]
	if !last.IsLast {
		t.Fatalf("last piece not flagged IsLast")
	}
	if last.Length() != l.LastPieceLength {
		t.Fatalf("last piece length = %d, want %d", last.Length(), l.LastPieceLength)
	}
	if len(last.Blocks) != 1 {
		t.Fatalf("short last piece should need exactly 1 block, got %d", len(last.Blocks))
	}
}

func TestLayoutSinglePieceSmallerThanPieceLength(t *testing.T) {
	l := NewLayout(5000, 16384, BlockSize)
	if l.TotalPieces != 1 {
		t.Fatalf("TotalPieces = %d, want 1", l.TotalPieces)
	}
	if l.LastPieceLength != 5000 {
		t.Fatalf("LastPieceLength = %d, want 5000", l.LastPieceLength)
	}
}

func TestLayoutPieceLengthEqualsBlockSize(t *testing.T) {
	l := NewLayout(3*16384, 16384, BlockSize)
	pieces := l.Pieces()
	for i, p := range pieces {
		if len(p.Blocks) != 1 {
			t.Fatalf("piece %d: want 1 block, got %d", i, len(p.Blocks))
		}
	}
}

func TestSumOfBlockLengthsInvariant(t *testing.T) {
	l := NewLayout(40000, 16384, BlockSize)
	pieces := l.Pieces()

	for i, p := range pieces {
		want := l.PieceLength
		if p.IsLast {
			want = l.LastPieceLength
		}
		if p.Length() != want {
			t.Fatalf("piece %d length = %d, want %d", i, p.Length(), want)
		}
	}
}

func TestAssembleAndVerify(t *testing.T) {
	l := NewLayout(32768, 32768, BlockSize)
	pieces := l.Pieces()
	p := &pieces[0]

	data0 := make([]byte, 16384)
	data1 := make([]byte, 16384)
	for i := range data0 {
		data0[i] = byte(i)
	}
	for i := range data1 {
		data1[i] = byte(255 - i)
	}

	p.Blocks[0].Data = data0
	p.Blocks[0].Status = Available
	p.Blocks[1].Data = data1
	p.Blocks[1].Status = Available

	if !p.AllAvailable() {
		t.Fatalf("expected all blocks available")
	}

	full, err := p.Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	sum := sha1.Sum(full)
	hashes := Hashes(sum[:])

	if !Verify(hashes, 0, full) {
		t.Fatalf("Verify should succeed against its own hash")
	}
	if Verify(hashes, 0, append(append([]byte(nil), full...), 0)) {
		t.Fatalf("Verify should fail against tampered data")
	}
}

func TestResetToMissing(t *testing.T) {
	l := NewLayout(32768, 32768, BlockSize)
	pieces := l.Pieces()
	p := &pieces[0]

	p.Blocks[0].Data = []byte{1, 2, 3}
	p.Blocks[0].Status = Available

	p.ResetToMissing()

	for _, b := range p.Blocks {
		if b.Status != Missing || b.Data != nil {
			t.Fatalf("block not reset: %+v", b)
		}
	}
}

func TestAssembleIncompleteErrors(t *testing.T) {
	l := NewLayout(32768, 32768, BlockSize)
	pieces := l.Pieces()
	p := &pieces[0]

	if _, err := p.Assemble(); err == nil {
		t.Fatalf("expected error assembling incomplete piece")
	}
}
