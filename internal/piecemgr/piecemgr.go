// Package piecemgr holds the global per-torrent piece/block indexes: the
// set of missing blocks (optionally rarity-ordered), the set of in-flight
// requested blocks, the per-piece peer-availability counter, and the
// client's own local bitfield (spec.md §3, §4.4).
package piecemgr

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/nullwrk/leech/internal/bitfield"
	"github.com/nullwrk/leech/internal/piece"
)

// Key identifies a single block by its containing piece and byte offset.
type Key struct {
	PieceIndex uint32
	Begin      uint32
}

// availabilityBuckets tracks, for each availability count a, the dense set
// of piece indices currently at that count — an O(1)-update structure for
// rarest-first selection, adapted from the teacher's picker bucket design.
type availabilityBuckets struct {
	buckets      [][]uint32
	avail        []uint32
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
}

func newAvailabilityBuckets(pieceCount int, maxAvail int) *availabilityBuckets {
	b := &availabilityBuckets{
		maxAvail:     maxAvail,
		buckets:      make([][]uint32, maxAvail+1),
		avail:        make([]uint32, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail+64)/64),
	}

	b.buckets[0] = make([]uint32, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = uint32(i)
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

func (b *availabilityBuckets) setBit(a int)   { b.nonEmptyBits[a>>6] |= 1 << uint(a&63) }
func (b *availabilityBuckets) clearBitIfEmpty(a int) {
	if len(b.buckets[a]) == 0 {
		b.nonEmptyBits[a>>6] &^= 1 << uint(a&63)
	}
}

// Move changes piece i's availability by delta, clamped to [0, maxAvail],
// and repositions it between buckets in O(1).
func (b *availabilityBuckets) Move(i uint32, delta int) {
	old := int(b.avail[i])
	next := old + delta
	if next < 0 {
		next = 0
	} else if next > b.maxAvail {
		next = b.maxAvail
	}
	if next == old {
		return
	}

	ob := b.buckets[old]
	p := b.pos[i]
	last := len(ob) - 1
	ob[p] = ob[last]
	b.pos[ob[p]] = p
	ob = ob[:last]
	b.buckets[old] = ob
	b.clearBitIfEmpty(old)

	nb := append(b.buckets[next], i)
	b.pos[i] = len(nb) - 1
	b.buckets[next] = nb
	b.setBit(next)

	b.avail[i] = uint32(next)
}

// Count returns piece i's current availability.
func (b *availabilityBuckets) Count(i uint32) uint32 { return b.avail[i] }

// FirstNonEmpty returns the lowest non-zero-occupancy bucket index.
func (b *availabilityBuckets) FirstNonEmpty() (int, bool) {
	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}
	return 0, false
}

// Manager owns the global piece/block state for one torrent (spec.md's
// Piece Manager, C7). All methods are safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	pieces     []piece.Piece
	piecesHash piece.Hashes

	missing    []Key // ordered scheduling queue; order depends on SortByRarity
	requested  map[Key]struct{}
	avail      *availabilityBuckets
	local      bitfield.Bitfield
	sortRarity bool
}

// Config controls Manager construction (spec.md §6).
type Config struct {
	SortByRarity bool
	MaxPeers     int // upper bound for the availability bucket structure
}

// New builds a Manager from a geometry Layout and the torrent's concatenated
// piece hashes.
func New(layout piece.Layout, hashes piece.Hashes, cfg Config) (*Manager, error) {
	if hashes.Len() != int(layout.TotalPieces) {
		return nil, fmt.Errorf("piecemgr: pieces_hash has %d entries, want %d", hashes.Len(), layout.TotalPieces)
	}

	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = 200
	}

	m := &Manager{
		pieces:     layout.Pieces(),
		piecesHash: hashes,
		requested:  make(map[Key]struct{}),
		avail:      newAvailabilityBuckets(int(layout.TotalPieces), maxPeers),
		local:      bitfield.New(int(layout.TotalPieces)),
		sortRarity: cfg.SortByRarity,
	}

	m.missing = make([]Key, 0, totalBlockCount(m.pieces))
	for _, p := range m.pieces {
		for _, b := range p.Blocks {
			m.missing = append(m.missing, Key{PieceIndex: p.Index, Begin: b.Begin})
		}
	}

	return m, nil
}

func totalBlockCount(pieces []piece.Piece) int {
	n := 0
	for _, p := range pieces {
		n += len(p.Blocks)
	}
	return n
}

// TotalPieces returns the number of pieces tracked.
func (m *Manager) TotalPieces() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pieces)
}

// LocalBitfield returns a copy of the client's own possession bitfield.
func (m *Manager) LocalBitfield() bitfield.Bitfield {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.Clone()
}

// Availability returns the known peer count for piece i.
func (m *Manager) Availability(i uint32) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.avail.Count(i)
}

// OnPeerHave records a received have(i): +1 to availability, re-sorting the
// missing queue by rarity if enabled (spec.md §4.4).
func (m *Manager) OnPeerHave(i uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(i) >= len(m.pieces) {
		return
	}
	m.avail.Move(i, 1)
	m.resortMissingLocked()
}

// OnPeerBitfield records a received bitfield: +1 for every set bit.
func (m *Manager) OnPeerBitfield(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf.SetIndices(func(i int) bool {
		if i < len(m.pieces) {
			m.avail.Move(uint32(i), 1)
		}
		return true
	})
	m.resortMissingLocked()
}

// OnPeerGone optionally decrements availability for every piece in the
// departing peer's bitfield. This implementation always decrements: the
// spec leaves it optional, and decrementing keeps rarity-ordering accurate
// once a seed of the only copy disconnects.
func (m *Manager) OnPeerGone(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf.SetIndices(func(i int) bool {
		if i < len(m.pieces) {
			m.avail.Move(uint32(i), -1)
		}
		return true
	})
	m.resortMissingLocked()
}

// resortMissingLocked re-orders the missing queue by nondecreasing
// availability, ties broken by prior relative order (stable sort). Callers
// must hold m.mu.
func (m *Manager) resortMissingLocked() {
	if !m.sortRarity {
		return
	}
	sort.SliceStable(m.missing, func(a, b int) bool {
		return m.avail.Count(m.missing[a].PieceIndex) < m.avail.Count(m.missing[b].PieceIndex)
	})
}

// NextMissing returns, without removing, the next block to request
// (rarest-first if enabled, else insertion order), and whether one exists.
func (m *Manager) NextMissing() (Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.missing) == 0 {
		return Key{}, false
	}
	return m.missing[0], true
}

// MissingSnapshot returns a copy of the current missing queue in its
// scheduling order.
func (m *Manager) MissingSnapshot() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Key, len(m.missing))
	copy(out, m.missing)
	return out
}

// MarkRequested moves a block from missing to requested. Returns false if
// the key was not in the missing queue.
func (m *Manager) MarkRequested(k Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, mk := range m.missing {
		if mk == k {
			m.missing = append(m.missing[:i], m.missing[i+1:]...)
			m.requested[k] = struct{}{}
			return true
		}
	}
	return false
}

// IsRequested reports whether k is currently in flight.
func (m *Manager) IsRequested(k Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.requested[k]
	return ok
}

// BlockStatus returns the block's current lifecycle status.
func (m *Manager) BlockStatus(k Key) (piece.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int(k.PieceIndex) >= len(m.pieces) {
		return 0, false
	}
	b, ok := m.pieces[k.PieceIndex].BlockAt(k.Begin)
	if !ok {
		return 0, false
	}
	return b.Status, true
}

// BlockLength returns the on-wire length of the block at k.
func (m *Manager) BlockLength(k Key) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int(k.PieceIndex) >= len(m.pieces) {
		return 0, false
	}
	b, ok := m.pieces[k.PieceIndex].BlockAt(k.Begin)
	if !ok {
		return 0, false
	}
	return b.Length, true
}

// RevertToMissing moves a block back from requested to missing, used on
// timeout (spec.md §4.5).
func (m *Manager) RevertToMissing(k Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.requested, k)
	if int(k.PieceIndex) < len(m.pieces) {
		if b, ok := m.pieces[k.PieceIndex].BlockAt(k.Begin); ok {
			b.Status = piece.Missing
			b.Data = nil
		}
	}
	m.missing = append(m.missing, k)
	m.resortMissingLocked()
}

// CompleteResult describes what happened after a block was delivered.
type CompleteResult struct {
	PieceComplete bool  // every block in the piece is now AVAILABLE
	PieceVerified bool  // only meaningful when PieceComplete
	PieceIndex    uint32
	PieceBytes    []byte // only set when PieceVerified
}

// CommitBlock records a successfully received block's payload, transitions
// it to AVAILABLE, removes it from requested, and — if the piece is now
// complete — verifies it. On verification failure the piece's blocks are
// reset to MISSING and rescheduled; on success the caller is responsible
// for writing PieceBytes to disk and then calling CommitPieceWritten.
func (m *Manager) CommitBlock(k Key, data []byte) (CompleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(k.PieceIndex) >= len(m.pieces) {
		return CompleteResult{}, fmt.Errorf("piecemgr: piece index %d out of range", k.PieceIndex)
	}

	p := &m.pieces[k.PieceIndex]
	b, ok := p.BlockAt(k.Begin)
	if !ok {
		return CompleteResult{}, fmt.Errorf("piecemgr: no block at begin %d in piece %d", k.Begin, k.PieceIndex)
	}
	if uint32(len(data)) != b.Length {
		return CompleteResult{}, fmt.Errorf("piecemgr: block length mismatch: got %d, want %d", len(data), b.Length)
	}

	b.Data = data
	b.Status = piece.Available
	delete(m.requested, k)

	if !p.AllAvailable() {
		return CompleteResult{}, nil
	}

	full, err := p.Assemble()
	if err != nil {
		return CompleteResult{}, err
	}

	if !piece.Verify(m.piecesHash, p.Index, full) {
		p.ResetToMissing()
		for _, blk := range p.Blocks {
			key := Key{PieceIndex: p.Index, Begin: blk.Begin}
			delete(m.requested, key)
			m.missing = append(m.missing, key)
		}
		m.resortMissingLocked()
		return CompleteResult{PieceComplete: true, PieceVerified: false, PieceIndex: p.Index}, nil
	}

	return CompleteResult{PieceComplete: true, PieceVerified: true, PieceIndex: p.Index, PieceBytes: full}, nil
}

// CommitPieceWritten marks a verified, on-disk-written piece as locally
// possessed, clearing its in-memory block data (spec.md §4.6 step 5c).
func (m *Manager) CommitPieceWritten(index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(index) >= len(m.pieces) {
		return
	}
	p := &m.pieces[index]
	for i := range p.Blocks {
		p.Blocks[i].Data = nil
	}
	m.local.Set(int(index))
}

// AllComplete reports whether every piece has been committed locally.
func (m *Manager) AllComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.Count() == len(m.pieces)
}
