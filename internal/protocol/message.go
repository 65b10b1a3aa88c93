// Package protocol implements the peer wire codec: the fixed 68-byte
// handshake and the length-prefixed message frame described in spec.md
// §4.1, bit-exact.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a message's wire type. The zero-length keep-alive frame has
// no ID and is represented by a nil *Message.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single decoded peer-wire frame. A nil *Message denotes
// keep-alive.
type Message struct {
	ID      ID
	Payload []byte
}

// UnknownMessageError is returned by ReadMessage when the frame's ID is not
// one of the ten recognized IDs, 0 through 9 (spec.md §4.1, §7).
type UnknownMessageError struct {
	ID      ID
	Payload []byte
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("protocol: unknown message id %d (%d byte payload)", uint8(e.ID), len(e.Payload))
}

// ReadMessage reads one frame from r: a 4-byte big-endian length prefix
// followed by exactly that many bytes. length == 0 is keep-alive and
// returns (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	id := ID(buf[0])
	msg := &Message{ID: id, Payload: buf[1:]}

	if !isKnown(id) {
		return nil, &UnknownMessageError{ID: id, Payload: msg.Payload}
	}

	return msg, nil
}

func isKnown(id ID) bool {
	return id <= Port
}

// WriteMessage serializes m (nil for keep-alive) and writes it to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(Serialize(m))
	return err
}

// Serialize encodes m to its wire form. A nil m encodes to the 4-byte
// zero-length keep-alive frame.
func Serialize(m *Message) []byte {
	if m == nil {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf
}

// ReadMessageChunked is identical to ReadMessage except it reads the body in
// chunks of at most chunkSize bytes, matching spec.md §4.2's chunk_size
// option. The decoded result is identical either way; this variant exists
// so callers can bound a single read syscall's size.
func ReadMessageChunked(r io.Reader, chunkSize int) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if chunkSize <= 0 {
		chunkSize = len(buf)
	}

	for off := 0; off < len(buf); {
		end := off + chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		n, err := io.ReadFull(r, buf[off:end])
		off += n
		if err != nil {
			return nil, err
		}
	}

	id := ID(buf[0])
	msg := &Message{ID: id, Payload: buf[1:]}
	if !isKnown(id) {
		return nil, &UnknownMessageError{ID: id, Payload: msg.Payload}
	}

	return msg, nil
}

func ChokeMsg() *Message         { return &Message{ID: Choke} }
func UnchokeMsg() *Message       { return &Message{ID: Unchoke} }
func InterestedMsg() *Message    { return &Message{ID: Interested} }
func NotInterestedMsg() *Message { return &Message{ID: NotInterested} }

func HaveMsg(index uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return &Message{ID: Have, Payload: p}
}

func BitfieldWireMsg(bits []byte) *Message {
	cp := append([]byte(nil), bits...)
	return &Message{ID: BitfieldMsg, Payload: cp}
}

func RequestMsg(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Request, Payload: p}
}

func PieceMsg(index, begin uint32, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return &Message{ID: Piece, Payload: p}
}

func CancelMsg(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Cancel, Payload: p}
}

func PortMsg(listenPort uint16) *Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, listenPort)
	return &Message{ID: Port, Payload: p}
}

// ParseHave decodes a HAVE payload.
func (m *Message) ParseHave() (uint32, bool) {
	if len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequestLike decodes REQUEST/CANCEL payloads (same shape).
func (m *Message) ParseRequestLike() (index, begin, length uint32, ok bool) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece decodes a PIECE payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		true
}

// ParsePort decodes a PORT payload.
func (m *Message) ParsePort() (uint16, bool) {
	if len(m.Payload) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(m.Payload), true
}
