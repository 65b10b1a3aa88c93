package bencode

import (
	"bytes"
	"reflect"
	"testing"
)

func TestDecodeScalars(t *testing.T) {
	v, err := Unmarshal([]byte("i42e"))
	if err != nil || v.(int64) != 42 {
		t.Fatalf("got %v, %v", v, err)
	}

	v, err = Unmarshal([]byte("i-7e"))
	if err != nil || v.(int64) != -7 {
		t.Fatalf("got %v, %v", v, err)
	}

	v, err = Unmarshal([]byte("4:spam"))
	if err != nil || v.(string) != "spam" {
		t.Fatalf("got %v, %v", v, err)
	}

	v, err = Unmarshal([]byte("0:"))
	if err != nil || v.(string) != "" {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestDecodeListAndDict(t *testing.T) {
	v, err := Unmarshal([]byte("l4:spam4:eggse"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	list, ok := v.([]any)
	if !ok || len(list) != 2 || list[0] != "spam" || list[1] != "eggs" {
		t.Fatalf("unexpected list: %#v", v)
	}

	v, err = Unmarshal([]byte("d3:cow3:moo4:spam4:eggse"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	dict, ok := v.(map[string]any)
	if !ok || dict["cow"] != "moo" || dict["spam"] != "eggs" {
		t.Fatalf("unexpected dict: %#v", v)
	}
}

func TestDecodeNested(t *testing.T) {
	v, err := Unmarshal([]byte("d4:infod6:lengthi100e4:name5:a.txtee"))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	dict := v.(map[string]any)
	info := dict["info"].(map[string]any)
	if info["length"].(int64) != 100 || info["name"] != "a.txt" {
		t.Fatalf("unexpected info: %#v", info)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"i01e",   // leading zero
		"i-0e",   // negative zero
		"i e",    // empty integer
		"-1:abc", // negative string length
		"d3:cowe", // missing value for key
		"i42e extra", // trailing data
	}
	for _, c := range cases {
		if _, err := Unmarshal([]byte(c)); err == nil {
			t.Errorf("expected error decoding %q", c)
		}
	}
}

func TestEncodeScalars(t *testing.T) {
	b, err := Marshal(int64(42))
	if err != nil || string(b) != "i42e" {
		t.Fatalf("got %q, %v", b, err)
	}

	b, err = Marshal("spam")
	if err != nil || string(b) != "4:spam" {
		t.Fatalf("got %q, %v", b, err)
	}

	b, err = Marshal(true)
	if err != nil || string(b) != "i1e" {
		t.Fatalf("got %q, %v", b, err)
	}
}

func TestEncodeDictSortsKeys(t *testing.T) {
	b, err := Marshal(map[string]any{"spam": "eggs", "cow": "moo"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := "d3:cow3:moo4:spam4:eggse"
	if string(b) != want {
		t.Fatalf("got %q, want %q", b, want)
	}
}

func TestEncodeList(t *testing.T) {
	b, err := Marshal([]any{"spam", "eggs"})
	if err != nil || string(b) != "l4:spam4:eggse" {
		t.Fatalf("got %q, %v", b, err)
	}
}

func TestRoundTrip(t *testing.T) {
	original := map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "movie.bin",
			"length":       int64(32768),
			"piece length": int64(16384),
			"pieces":       string(bytes.Repeat([]byte{0xAB}, 40)),
		},
	}

	b, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	v, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(v, original) {
		t.Fatalf("round trip mismatch:\ngot  %#v\nwant %#v", v, original)
	}
}
