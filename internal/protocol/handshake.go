package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
)

// Pstr is the protocol string identifying wire protocol v1.
const Pstr = "BitTorrent protocol"

const reservedBytes = 8

// HandshakeLen is the fixed wire length of a v1 handshake.
const HandshakeLen = 1 + len(Pstr) + reservedBytes + sha1.Size + sha1.Size

// Handshake is the fixed 68-byte greeting exchanged before any other
// message. See spec.md §4.1.
type Handshake struct {
	Pstr     string
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake builds a v1 handshake for the given torrent/peer identity.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{Pstr: Pstr, InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes h to its wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 1+len(h.Pstr)+reservedBytes+sha1.Size+sha1.Size)

	buf[0] = byte(len(h.Pstr))
	off := 1
	off += copy(buf[off:], h.Pstr)
	off += reservedBytes // reserved bytes are left zero
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf
}

// ReadHandshake reads and decodes a handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var szBuf [1]byte
	if _, err := io.ReadFull(r, szBuf[:]); err != nil {
		return nil, err
	}

	pstrlen := szBuf[0]
	if pstrlen == 0 {
		return nil, errors.New("protocol: pstrlen must not be zero")
	}

	rest := make([]byte, int(pstrlen)+reservedBytes+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], rest[int(pstrlen)+reservedBytes:int(pstrlen)+reservedBytes+sha1.Size])
	copy(peerID[:], rest[int(pstrlen)+reservedBytes+sha1.Size:])

	return &Handshake{
		Pstr:     string(rest[:pstrlen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}

// Perform writes h to rw, reads the peer's handshake back, and verifies that
// its pstr and info_hash match. The peer_id is accepted as-is and returned.
func (h *Handshake) Perform(rw io.ReadWriter) (*Handshake, error) {
	if _, err := rw.Write(h.Serialize()); err != nil {
		return nil, err
	}

	peer, err := ReadHandshake(rw)
	if err != nil {
		return nil, err
	}

	if peer.Pstr != h.Pstr {
		return nil, errors.New("protocol: pstr mismatch")
	}
	if !bytes.Equal(peer.InfoHash[:], h.InfoHash[:]) {
		return nil, errors.New("protocol: info_hash mismatch")
	}

	return peer, nil
}
