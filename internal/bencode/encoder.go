package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Marshal encodes v as bencode. Supported types are string, []byte, bool,
// all signed/unsigned integer widths, []any, and map[string]any.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an underlying buffer.
type Encoder struct {
	buf *bytes.Buffer
}

// NewEncoder returns an Encoder appending to buf.
func NewEncoder(buf *bytes.Buffer) *Encoder {
	return &Encoder{buf: buf}
}

// Encode appends the bencoded form of v.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		e.encodeString(x)
	case []byte:
		e.encodeString(string(x))
	case bool:
		if x {
			e.encodeInt64(1)
		} else {
			e.encodeInt64(0)
		}
	case int:
		e.encodeInt64(int64(x))
	case int8:
		e.encodeInt64(int64(x))
	case int16:
		e.encodeInt64(int64(x))
	case int32:
		e.encodeInt64(int64(x))
	case int64:
		e.encodeInt64(x)
	case uint:
		e.encodeUint(uint64(x))
	case uint8:
		e.encodeUint(uint64(x))
	case uint16:
		e.encodeUint(uint64(x))
	case uint32:
		e.encodeUint(uint64(x))
	case uint64:
		e.encodeUint(x)
	case []any:
		return e.encodeSlice(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

func (e *Encoder) encodeInt64(n int64) {
	e.buf.WriteByte(byte(TokenInteger))
	e.buf.WriteString(strconv.FormatInt(n, 10))
	e.buf.WriteByte(byte(TokenEnding))
}

func (e *Encoder) encodeUint(n uint64) {
	e.buf.WriteByte(byte(TokenInteger))
	e.buf.WriteString(strconv.FormatUint(n, 10))
	e.buf.WriteByte(byte(TokenEnding))
}

func (e *Encoder) encodeString(s string) {
	e.buf.WriteString(strconv.Itoa(len(s)))
	e.buf.WriteByte(byte(TokenStringSeparator))
	e.buf.WriteString(s)
}

func (e *Encoder) encodeSlice(list []any) error {
	e.buf.WriteByte(byte(TokenList))
	for _, v := range list {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	e.buf.WriteByte(byte(TokenEnding))
	return nil
}

// encodeDict encodes keys in lexicographic order, as required for a
// canonical bencode dictionary.
func (e *Encoder) encodeDict(dict map[string]any) error {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.buf.WriteByte(byte(TokenDict))
	for _, k := range keys {
		e.encodeString(k)
		if err := e.Encode(dict[k]); err != nil {
			return err
		}
	}
	e.buf.WriteByte(byte(TokenEnding))
	return nil
}
