package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return got
}

func TestRoundTripKeepAlive(t *testing.T) {
	got := roundTrip(t, nil)
	if got != nil {
		t.Fatalf("keep-alive round trip = %v, want nil", got)
	}
}

func TestRoundTripSimpleMessages(t *testing.T) {
	cases := []*Message{
		ChokeMsg(),
		UnchokeMsg(),
		InterestedMsg(),
		NotInterestedMsg(),
	}

	for _, m := range cases {
		got := roundTrip(t, m)
		if got == nil || got.ID != m.ID || len(got.Payload) != 0 {
			t.Fatalf("round trip of %s: got %+v", m.ID, got)
		}
	}
}

func TestRoundTripHave(t *testing.T) {
	m := HaveMsg(42)
	got := roundTrip(t, m)

	idx, ok := got.ParseHave()
	if !ok || idx != 42 {
		t.Fatalf("ParseHave = %d, %v, want 42, true", idx, ok)
	}
}

func TestRoundTripBitfield(t *testing.T) {
	for _, size := range []int{0, 1, 8, 9} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i + 1)
		}

		m := BitfieldWireMsg(payload)
		got := roundTrip(t, m)

		if got.ID != BitfieldMsg || !bytes.Equal(got.Payload, payload) {
			t.Fatalf("bitfield size %d: got %+v", size, got)
		}
	}
}

func TestRoundTripRequestAndCancel(t *testing.T) {
	req := RequestMsg(1, 2, 3)
	got := roundTrip(t, req)

	idx, begin, length, ok := got.ParseRequestLike()
	if !ok || idx != 1 || begin != 2 || length != 3 {
		t.Fatalf("ParseRequestLike = %d,%d,%d,%v", idx, begin, length, ok)
	}

	cancel := CancelMsg(4, 5, 6)
	got = roundTrip(t, cancel)
	idx, begin, length, ok = got.ParseRequestLike()
	if !ok || idx != 4 || begin != 5 || length != 6 {
		t.Fatalf("ParseRequestLike(cancel) = %d,%d,%d,%v", idx, begin, length, ok)
	}
}

func TestRoundTripPiece(t *testing.T) {
	block := []byte("hello block data")
	m := PieceMsg(7, 16384, block)
	got := roundTrip(t, m)

	idx, begin, data, ok := got.ParsePiece()
	if !ok || idx != 7 || begin != 16384 || !bytes.Equal(data, block) {
		t.Fatalf("ParsePiece = %d,%d,%q,%v", idx, begin, data, ok)
	}
}

func TestRoundTripPort(t *testing.T) {
	m := PortMsg(6881)
	got := roundTrip(t, m)

	port, ok := got.ParsePort()
	if !ok || port != 6881 {
		t.Fatalf("ParsePort = %d, %v, want 6881, true", port, ok)
	}
}

func TestUnknownMessageID(t *testing.T) {
	m := &Message{ID: ID(200), Payload: []byte{0xAB, 0xCD}}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_, err := ReadMessage(&buf)
	if err == nil {
		t.Fatalf("expected UnknownMessageError, got nil")
	}

	var unk *UnknownMessageError
	if !errors.As(err, &unk) {
		t.Fatalf("expected *UnknownMessageError, got %T: %v", err, err)
	}
	if unk.ID != ID(200) || !bytes.Equal(unk.Payload, []byte{0xAB, 0xCD}) {
		t.Fatalf("unexpected UnknownMessageError contents: %+v", unk)
	}
}

func TestSerializeKeepAliveIsFourZeroBytes(t *testing.T) {
	got := Serialize(nil)
	want := []byte{0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("Serialize(nil) = %v, want %v", got, want)
	}
}
