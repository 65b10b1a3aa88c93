// Package piece implements per-block status tracking, per-piece assembly
// and SHA-1 verification (spec.md §3, §4.4). It has no knowledge of peers
// or the network; it is pure bookkeeping and hashing.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
)

// BlockSize is the default block granularity. Configurable via Layout.BlockSize.
const BlockSize = 16384

// Status is a block's position in the MISSING -> REQUESTED -> AVAILABLE
// lattice.
type Status int

const (
	Missing Status = iota
	Requested
	Available
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Available:
		return "available"
	default:
		return "unknown"
	}
}

// Block is one fixed-granularity chunk of a piece.
type Block struct {
	Begin  uint32
	Length uint32
	Status Status
	Data   []byte
}

// Piece is an ordered run of blocks whose concatenation hashes to one
// 20-byte SHA-1 digest.
type Piece struct {
	Index  uint32
	IsLast bool
	Blocks []Block
}

// Layout describes the fixed geometry derived from metadata (spec.md §6):
// piece_length, last_piece_length, total_pieces, last_piece_index, block_size.
type Layout struct {
	PieceLength     uint32
	LastPieceLength uint32
	TotalPieces     uint32
	LastPieceIndex  uint32
	BlockSize       uint32
}

// NewLayout derives a Layout from a total content length and piece length,
// per spec.md §6's derivation rules.
func NewLayout(totalLength int64, pieceLength uint32, blockSize uint32) Layout {
	if blockSize == 0 {
		blockSize = BlockSize
	}

	totalPieces := uint32((totalLength + int64(pieceLength) - 1) / int64(pieceLength))
	if totalPieces == 0 {
		totalPieces = 1
	}

	last := uint32(totalLength % int64(pieceLength))
	if last == 0 {
		last = pieceLength
	}

	return Layout{
		PieceLength:     pieceLength,
		LastPieceLength: last,
		TotalPieces:     totalPieces,
		LastPieceIndex:  totalPieces - 1,
		BlockSize:       blockSize,
	}
}

// Pieces builds the full ordered Piece slice for the layout.
func (l Layout) Pieces() []Piece {
	pieces := make([]Piece, l.TotalPieces)
	for i := uint32(0); i < l.TotalPieces; i++ {
		pieces[i] = l.buildPiece(i)
	}
	return pieces
}

func (l Layout) buildPiece(index uint32) Piece {
	isLast := index == l.LastPieceIndex
	length := l.PieceLength
	if isLast {
		length = l.LastPieceLength
	}

	nBlocks := (length + l.BlockSize - 1) / l.BlockSize
	blocks := make([]Block, nBlocks)

	begin := uint32(0)
	remaining := length
	for i := uint32(0); i < nBlocks; i++ {
		blen := l.BlockSize
		if remaining < blen {
			blen = remaining
		}
		blocks[i] = Block{Begin: begin, Length: blen, Status: Missing}
		begin += blen
		remaining -= blen
	}

	return Piece{Index: index, IsLast: isLast, Blocks: blocks}
}

// Length returns the sum of this piece's block lengths.
func (p *Piece) Length() uint32 {
	var total uint32
	for _, b := range p.Blocks {
		total += b.Length
	}
	return total
}

// AllAvailable reports whether every block in the piece is AVAILABLE.
func (p *Piece) AllAvailable() bool {
	for _, b := range p.Blocks {
		if b.Status != Available {
			return false
		}
	}
	return true
}

// BlockAt finds the block with the given begin offset.
func (p *Piece) BlockAt(begin uint32) (*Block, bool) {
	for i := range p.Blocks {
		if p.Blocks[i].Begin == begin {
			return &p.Blocks[i], true
		}
	}
	return nil, false
}

// Assemble concatenates block data in begin-order. Caller must ensure
// AllAvailable() first; assembling an incomplete piece returns an error.
func (p *Piece) Assemble() ([]byte, error) {
	buf := make([]byte, 0, p.Length())
	for _, b := range p.Blocks {
		if b.Status != Available {
			return nil, fmt.Errorf("piece %d: block at %d is not available", p.Index, b.Begin)
		}
		buf = append(buf, b.Data...)
	}
	return buf, nil
}

// ResetToMissing clears all block data and reverts every block to MISSING,
// used on hash-mismatch (spec.md §3, §4.6 step 5a). A request timeout
// reverts only the one block, not the whole piece.
func (p *Piece) ResetToMissing() {
	for i := range p.Blocks {
		p.Blocks[i].Data = nil
		p.Blocks[i].Status = Missing
	}
}

// Hashes is the concatenation of one 20-byte SHA-1 digest per piece, in
// index order (spec.md's pieces_hash).
type Hashes []byte

// HashAt returns the expected digest for piece i.
func (h Hashes) HashAt(i uint32) ([sha1.Size]byte, bool) {
	var out [sha1.Size]byte
	start := int(i) * sha1.Size
	if start+sha1.Size > len(h) {
		return out, false
	}
	copy(out[:], h[start:start+sha1.Size])
	return out, true
}

// Len reports the number of pieces the hash list covers.
func (h Hashes) Len() int { return len(h) / sha1.Size }

// Verify computes the SHA-1 of data and compares it to the expected digest
// for piece i (spec.md §4.4's verify(i, bytes)).
func Verify(hashes Hashes, i uint32, data []byte) bool {
	want, ok := hashes.HashAt(i)
	if !ok {
		return false
	}
	got := sha1.Sum(data)
	return bytes.Equal(got[:], want[:])
}
