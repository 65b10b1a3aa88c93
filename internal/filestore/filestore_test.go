package filestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSingleFileWriteAndRead(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, "movie.bin", []string{"movie.bin"}, []int64{32768}, 16384, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	piece0 := bytes.Repeat([]byte{0xAB}, 16384)
	if err := s.WritePiece(0, piece0); err != nil {
		t.Fatalf("WritePiece(0): %v", err)
	}

	piece1 := bytes.Repeat([]byte{0xCD}, 16384)
	if err := s.WritePiece(1, piece1); err != nil {
		t.Fatalf("WritePiece(1): %v", err)
	}

	got, err := s.ReadRange(0, 32768)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}

	want := append(append([]byte(nil), piece0...), piece1...)
	if !bytes.Equal(got, want) {
		t.Fatalf("read back data does not match written data")
	}

	info, err := os.Stat(filepath.Join(dir, "movie.bin"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 32768 {
		t.Fatalf("file size = %d, want 32768", info.Size())
	}
}

func TestMultiFilePieceSpanningBoundary(t *testing.T) {
	dir := t.TempDir()

	// File A: 10 bytes, File B: 10 bytes. Piece length 8, so piece 1
	// (offset 8..15) spans both files (A ends at 9, B starts at 10).
	s, err := New(dir, "torrent", []string{"a.bin", "b.bin"}, []int64{10, 10}, 8, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	piece0 := bytes.Repeat([]byte{1}, 8)
	piece1 := bytes.Repeat([]byte{2}, 8) // spans bytes 8..15: 2 bytes in A, 6 in B
	piece2 := bytes.Repeat([]byte{3}, 4) // last piece: bytes 16..19, all in B

	if err := s.WritePiece(0, piece0); err != nil {
		t.Fatalf("WritePiece(0): %v", err)
	}
	if err := s.WritePiece(1, piece1); err != nil {
		t.Fatalf("WritePiece(1): %v", err)
	}
	if err := s.WritePiece(2, piece2); err != nil {
		t.Fatalf("WritePiece(2): %v", err)
	}

	aData, err := os.ReadFile(filepath.Join(dir, "torrent", "a.bin"))
	if err != nil {
		t.Fatalf("ReadFile a.bin: %v", err)
	}
	bData, err := os.ReadFile(filepath.Join(dir, "torrent", "b.bin"))
	if err != nil {
		t.Fatalf("ReadFile b.bin: %v", err)
	}

	wantA := append(bytes.Repeat([]byte{1}, 8), bytes.Repeat([]byte{2}, 2)...)
	wantB := append(bytes.Repeat([]byte{2}, 6), bytes.Repeat([]byte{3}, 4)...)

	if !bytes.Equal(aData, wantA) {
		t.Fatalf("a.bin = %v, want %v", aData, wantA)
	}
	if !bytes.Equal(bData, wantB) {
		t.Fatalf("b.bin = %v, want %v", bData, wantB)
	}
}

func TestLazyFileCreation(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir, "lazy", []string{"only.bin"}, []int64{16}, 16, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	path := filepath.Join(dir, "lazy", "only.bin")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should not exist before any write")
	}

	if err := s.WritePiece(0, bytes.Repeat([]byte{9}, 16)); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should exist after write: %v", err)
	}
}

func TestOverlapHelper(t *testing.T) {
	cases := []struct {
		streamStart, streamEnd, entryStart, entryEnd int64
		wantN                                         int64
	}{
		{0, 8, 0, 9, 8},   // fully within entry
		{8, 16, 0, 9, 2},  // tail overlap only
		{8, 16, 10, 19, 6}, // head overlap only
		{0, 8, 10, 19, 0}, // no overlap
	}

	for _, c := range cases {
		_, _, n := overlap(c.streamStart, c.streamEnd, c.entryStart, c.entryEnd)
		if n != c.wantN {
			t.Fatalf("overlap(%d,%d,%d,%d) = %d, want %d", c.streamStart, c.streamEnd, c.entryStart, c.entryEnd, n, c.wantN)
		}
	}
}
