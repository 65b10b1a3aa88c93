package protocol

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func sampleHashes() (infoHash, peerID [sha1.Size]byte) {
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	for i := range peerID {
		peerID[i] = byte(20 - i)
	}
	return
}

func TestHandshakeSerializeLength(t *testing.T) {
	infoHash, peerID := sampleHashes()
	h := NewHandshake(infoHash, peerID)

	buf := h.Serialize()
	if len(buf) != HandshakeLen {
		t.Fatalf("Serialize length = %d, want %d", len(buf), HandshakeLen)
	}
	if int(buf[0]) != len(Pstr) {
		t.Fatalf("pstrlen byte = %d, want %d", buf[0], len(Pstr))
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash, peerID := sampleHashes()
	h := NewHandshake(infoHash, peerID)

	var buf bytes.Buffer
	buf.Write(h.Serialize())

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}

	if got.Pstr != Pstr || got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

type loopback struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }

func TestHandshakePerformSuccess(t *testing.T) {
	infoHash, peerID := sampleHashes()
	local := NewHandshake(infoHash, peerID)

	var remotePeerID [sha1.Size]byte
	for i := range remotePeerID {
		remotePeerID[i] = byte(i * 2)
	}
	remote := NewHandshake(infoHash, remotePeerID)

	conn := &loopback{}
	conn.in.Write(remote.Serialize())

	got, err := local.Perform(conn)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if got.PeerID != remotePeerID {
		t.Fatalf("Perform returned peer_id %v, want %v", got.PeerID, remotePeerID)
	}
	if !bytes.Equal(conn.out.Bytes(), local.Serialize()) {
		t.Fatalf("Perform did not write local handshake first")
	}
}

func TestHandshakePerformInfoHashMismatch(t *testing.T) {
	infoHash, peerID := sampleHashes()
	local := NewHandshake(infoHash, peerID)

	var otherHash [sha1.Size]byte
	otherHash[0] = 0xFF
	remote := NewHandshake(otherHash, peerID)

	conn := &loopback{}
	conn.in.Write(remote.Serialize())

	if _, err := local.Perform(conn); err == nil {
		t.Fatalf("expected info_hash mismatch error")
	}
}

func TestReadHandshakeRejectsZeroPstrlen(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0)

	if _, err := ReadHandshake(&buf); err == nil {
		t.Fatalf("expected error for zero pstrlen")
	}
}
