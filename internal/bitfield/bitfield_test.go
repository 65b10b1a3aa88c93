package bitfield

import "testing"

func TestNewLength(t *testing.T) {
	cases := []struct {
		nbits int
		want  int
	}{
		{0, 0},
		{1, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, c := range cases {
		bf := New(c.nbits)
		if len(bf) != c.want {
			t.Fatalf("New(%d): len = %d, want %d", c.nbits, len(bf), c.want)
		}
	}
}

func TestSetHasUnset(t *testing.T) {
	bf := New(10)

	if bf.Has(3) {
		t.Fatalf("bit 3 should start unset")
	}
	if !bf.Set(3) {
		t.Fatalf("Set(3) should report change")
	}
	if !bf.Has(3) {
		t.Fatalf("bit 3 should be set")
	}
	if bf.Set(3) {
		t.Fatalf("Set(3) again should report no change")
	}
	if !bf.Unset(3) {
		t.Fatalf("Unset(3) should report change")
	}
	if bf.Has(3) {
		t.Fatalf("bit 3 should be unset")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("out of range Has should be false")
	}
	if bf.Set(-1) || bf.Set(100) {
		t.Fatalf("out of range Set should report no change")
	}
}

func TestBitOrderingMSBFirst(t *testing.T) {
	bf := New(8)
	bf.Set(0)

	if bf[0] != 0b10000000 {
		t.Fatalf("bit 0 should be the MSB, got %08b", bf[0])
	}

	bf2 := New(8)
	bf2.Set(7)
	if bf2[0] != 0b00000001 {
		t.Fatalf("bit 7 should be the LSB, got %08b", bf2[0])
	}
}

func TestSpareBitsZero(t *testing.T) {
	bf := New(5)
	if !SpareBitsZero(bf, 5) {
		t.Fatalf("fresh bitfield should have zero spare bits")
	}

	bf.Set(6)
	if SpareBitsZero(bf, 5) {
		t.Fatalf("setting a spare bit should be detected")
	}
}

func TestCount(t *testing.T) {
	bf := New(16)
	bf.Set(0)
	bf.Set(1)
	bf.Set(15)

	if got := bf.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
}

func TestFromBytesIndependentCopy(t *testing.T) {
	raw := []byte{0xFF}
	bf := FromBytes(raw)
	bf.Unset(0)

	if raw[0] != 0xFF {
		t.Fatalf("FromBytes should copy, not alias")
	}
}

func TestHasAllLacksAll(t *testing.T) {
	have := New(8)
	have.Set(1)
	have.Set(2)

	want := New(8)
	want.Set(1)

	if !have.HasAll(want) {
		t.Fatalf("have should have all of want")
	}

	want.Set(5)
	if have.HasAll(want) {
		t.Fatalf("have should not have all of want once want gains bit 5")
	}

	other := New(8)
	other.Set(3)
	if !have.LacksAll(other) {
		t.Fatalf("have should lack all of other")
	}
}
